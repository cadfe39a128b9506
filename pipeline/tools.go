package pipeline

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"relic.dev/relic/ident"
)

// findTools enumerates executables in dirs whose names end in suffix
// (plus ".exe" on windows), in directory order.
func findTools(dirs []string, suffix string) []string {
	var out []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			matched := strings.HasSuffix(name, suffix)
			if runtime.GOOS == "windows" {
				matched = matched || strings.HasSuffix(name, suffix+".exe")
			}
			if !matched {
				continue
			}
			path := filepath.Join(dir, name)
			if info, err := e.Info(); err == nil {
				if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
					continue
				}
			}
			out = append(out, path)
		}
	}
	return out
}

// forwardedFlags mirrors the module configuration to a spawned tool.
func (m *Module) forwardedFlags() []string {
	var out []string
	if len(m.cfg.LocalPaths) > 0 {
		out = append(out, "--resource-local-path", strings.Join(m.cfg.LocalPaths, ";"))
	}
	if m.cfg.SourcePath != "" {
		out = append(out, "--resource-local-source", m.cfg.SourcePath)
	}
	if m.cfg.RemoteSourced != "" {
		out = append(out, "--resource-remote-sourced", m.cfg.RemoteSourced)
	}
	return out
}

func runTool(path string, args []string) error {
	cmd := exec.Command(path, args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tool %s: %w", filepath.Base(path), err)
	}
	return nil
}

// runCompileTools tries every external "*compile" tool until one exits 0.
func (m *Module) runCompileTools(id ident.UUID) error {
	tools := findTools(m.cfg.ToolPaths, "compile")
	if len(tools) == 0 {
		return fmt.Errorf("resource: no compile tool accepted %s", id)
	}
	var lastErr error
	for _, tool := range tools {
		args := append([]string{id.String()}, m.forwardedFlags()...)
		if err := runTool(tool, args); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// runImportTools tries every external "*import" tool until one exits 0.
func (m *Module) runImportTools(path string, id ident.UUID) error {
	tools := findTools(m.cfg.ToolPaths, "import")
	if len(tools) == 0 {
		return fmt.Errorf("resource: no import tool accepted %s", path)
	}
	var lastErr error
	for _, tool := range tools {
		args := append([]string{path, id.String()}, m.forwardedFlags()...)
		if err := runTool(tool, args); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
