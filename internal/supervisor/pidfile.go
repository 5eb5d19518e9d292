package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// pidFilePath resolves (in priority) the configured pidFile, else
// ${pidDir}/${id}.pid, else a file under the system temp directory.
func pidFilePath(id, configured, pidDir string) string {
	if configured != "" {
		return configured
	}
	if pidDir != "" {
		return filepath.Join(pidDir, id+".pid")
	}
	return filepath.Join(os.TempDir(), id+".pid")
}

// writePIDFile writes pid as a decimal string, single line, atomically:
// written to a temp file in the same directory then renamed over the
// target, so a concurrent reader never observes a partial write.
func writePIDFile(path string, pid int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating pid file directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".pid-*")
	if err != nil {
		return fmt.Errorf("creating temp pid file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing pid file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming pid file into place: %w", err)
	}
	return nil
}

// readPIDFile reads a pid file written by writePIDFile.
func readPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, nil
}

func removePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// processAlive reports whether pid resolves to a live OS process, using
// the signal-0 existence check.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// commandMatches performs a best-effort check that pid's command line
// contains wantCommand, used under settings.pidManagement: strict to
// detect a stale PID file whose number has been reused by an unrelated
// process. Linux-only; a no-op (always true) elsewhere since /proc is
// unavailable.
func commandMatches(pid int, wantCommand string) bool {
	if runtime.GOOS != "linux" || wantCommand == "" {
		return true
	}
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		// Can't verify; don't block adoption on an inconclusive check.
		return true
	}
	cmdline := strings.ReplaceAll(string(raw), "\x00", " ")
	return strings.Contains(cmdline, filepath.Base(wantCommand))
}
