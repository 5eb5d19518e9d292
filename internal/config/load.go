package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// loadYAMLSubstituted reads path, parses it into a node tree, applies
// ${VAR} substitution to every string scalar (per substitute.go), then
// decodes the substituted tree into out. Substituting on the node tree
// rather than a decoded map keeps mapping order, which rewrite rules
// depend on.
func loadYAMLSubstituted(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if doc.Kind == 0 {
		// Empty file: leave out at its zero value.
		return nil
	}

	substituteNode(&doc)

	if err := doc.Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// loadMain loads and defaults main.yaml. proxyPort is the loaded proxy
// port, used to compute the management port default (proxyPort + 1000)
// when none is configured; loadAll loads proxy.yaml first for this reason.
func loadMain(path string, proxyPort int) (*MainConfig, error) {
	m := &MainConfig{}
	if err := loadYAMLSubstituted(path, m); err != nil {
		return nil, err
	}
	applyMainDefaults(m, proxyPort)
	return m, nil
}

// loadProxy loads and defaults proxy.yaml, returning the resolved absolute
// path of its legacy processConfigFile reference (empty if absent).
func loadProxy(path string) (*ProxyConfig, string, error) {
	p := &ProxyConfig{}
	if err := loadYAMLSubstituted(path, p); err != nil {
		return nil, "", err
	}
	applyProxyDefaults(p)

	var legacyProcessPath string
	if p.ProcessConfigFile != "" {
		if filepath.IsAbs(p.ProcessConfigFile) {
			legacyProcessPath = p.ProcessConfigFile
		} else {
			legacyProcessPath = filepath.Join(filepath.Dir(path), p.ProcessConfigFile)
		}
	}
	return p, legacyProcessPath, nil
}

// loadProcesses loads and defaults processes.yaml. A missing path is not
// an error here — process configuration is optional.
func loadProcesses(path string) (*ProcessesConfig, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	pc := &ProcessesConfig{}
	if err := loadYAMLSubstituted(path, pc); err != nil {
		return nil, err
	}
	if pc.Processes == nil {
		pc.Processes = map[string]ProcessConfig{}
	}
	applyProcessDefaults(pc)
	return pc, nil
}

// Paths is the resolved set of files a Snapshot depends on, used both to
// load it and to know which files the Reload Coordinator must watch.
type Paths struct {
	Main      string
	Proxy     string
	Processes string // may be empty
}

// loadAll loads and validates all three files given the main config path,
// resolving the proxy/process paths from main.yaml's `config` block (or
// from the legacy processConfigFile reference inside proxy.yaml).
func loadAll(mainPath string) (*Snapshot, Paths, error) {
	// Two-pass load of main.yaml: first to discover config.proxy / config.processes
	// paths (proxy port isn't known yet), then again once the proxy port is
	// known so the management port default reflects it.
	prelim := &MainConfig{}
	if err := loadYAMLSubstituted(mainPath, prelim); err != nil {
		return nil, Paths{}, err
	}

	baseDir := filepath.Dir(mainPath)
	proxyPath := resolvePath(baseDir, prelim.ConfigPaths.Proxy, "proxy.yaml")

	proxy, legacyProcessPath, err := loadProxy(proxyPath)
	if err != nil {
		return nil, Paths{}, err
	}
	applyEnvOverrides(proxy)

	main, err := loadMain(mainPath, proxy.Port)
	if err != nil {
		return nil, Paths{}, err
	}

	processesPath := prelim.ConfigPaths.Processes
	if processesPath != "" {
		processesPath = resolvePath(baseDir, processesPath, "")
	} else {
		processesPath = legacyProcessPath
	}

	procs, err := loadProcesses(processesPath)
	if err != nil {
		return nil, Paths{}, err
	}

	if err := Validate(main, proxy, procsOrEmpty(procs)); err != nil {
		return nil, Paths{}, err
	}

	snap := &Snapshot{
		Main:      main,
		Proxy:     proxy,
		Processes: procs,
	}
	paths := Paths{Main: mainPath, Proxy: proxyPath, Processes: processesPath}
	return snap, paths, nil
}

func procsOrEmpty(p *ProcessesConfig) *ProcessesConfig {
	if p != nil {
		return p
	}
	return &ProcessesConfig{Processes: map[string]ProcessConfig{}}
}

func resolvePath(baseDir, configured, fallback string) string {
	if configured == "" {
		configured = fallback
	}
	if configured == "" {
		return ""
	}
	if filepath.IsAbs(configured) {
		return configured
	}
	return filepath.Join(baseDir, configured)
}
