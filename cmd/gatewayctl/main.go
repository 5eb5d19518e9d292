// Package main provides gatewayctl, a thin CLI over gatewayd's
// management API: status, reload, and process operations.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagAddr     string
	flagPassword string
)

var rootCmd = &cobra.Command{
	Use:          "gatewayctl",
	Short:        "Operator CLI for a running gatewayd",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "http://127.0.0.1:9080",
		"management listener address")
	rootCmd.PersistentFlags().StringVar(&flagPassword, "password", "",
		"admin password (or GATEWAYD_ADMIN_PASSWORD)")

	processesCmd.AddCommand(processesListCmd, processesRestartCmd, processesStopCmd, processesStartCmd, processesLogsCmd)
	rootCmd.AddCommand(statusCmd, reloadCmd, processesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/api/status", printJSON)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read and apply the configuration files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/api/reload", printJSON)
	},
}

var processesCmd = &cobra.Command{
	Use:     "processes",
	Aliases: []string{"ps"},
	Short:   "Inspect and control supervised processes",
}

var processesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List supervised processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/api/processes", printProcessTable)
	},
}

var processesRestartCmd = &cobra.Command{
	Use:   "restart <id>",
	Short: "Force-kill and respawn a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/api/processes/"+args[0]+"/restart", printJSON)
	},
}

var processesStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Detach from a process without killing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/api/processes/"+args[0]+"/stop", printJSON)
	},
}

var processesStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start (or re-adopt) a stopped process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/api/processes/"+args[0]+"/start", printJSON)
	},
}

var processesLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Show a process's recent log lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/api/processes/"+args[0]+"/logs", func(body []byte) error {
			var resp struct {
				Lines []string `json:"lines"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return err
			}
			for _, line := range resp.Lines {
				fmt.Print(line)
				if !strings.HasSuffix(line, "\n") {
					fmt.Println()
				}
			}
			return nil
		})
	},
}

func call(method, path string, render func([]byte) error) error {
	req, err := http.NewRequest(method, strings.TrimSuffix(flagAddr, "/")+path, nil)
	if err != nil {
		return err
	}

	password := flagPassword
	if password == "" {
		password = os.Getenv("GATEWAYD_ADMIN_PASSWORD")
	}
	if password != "" {
		req.Header.Set("X-Admin-Password", password)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", flagAddr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return render(body)
}

func printJSON(body []byte) error {
	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printProcessTable(body []byte) error {
	var procs []struct {
		ID           string `json:"id"`
		PID          int    `json:"pid"`
		Running      bool   `json:"running"`
		Reconnected  bool   `json:"reconnected"`
		RestartCount int    `json:"restart_count"`
		State        string `json:"state"`
	}
	if err := json.Unmarshal(body, &procs); err != nil {
		return err
	}

	fmt.Printf("%-20s %-8s %-9s %-11s %-8s %s\n", "ID", "PID", "RUNNING", "RECONNECTED", "RESTARTS", "STATE")
	for _, p := range procs {
		pid := "-"
		if p.PID > 0 {
			pid = fmt.Sprint(p.PID)
		}
		fmt.Printf("%-20s %-8s %-9t %-11t %-8d %s\n", p.ID, pid, p.Running, p.Reconnected, p.RestartCount, p.State)
	}
	return nil
}
