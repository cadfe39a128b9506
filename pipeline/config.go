package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Config holds the resource module configuration. LoadConfig makes its
// paths absolute; ValidateConfig does not touch them.
type Config struct {
	// LocalPaths is the ordered local-cache search list.
	LocalPaths []string
	// SourcePath is the source root; empty disables local source storage.
	SourcePath string
	// BasePath is the import base path governing the import map.
	BasePath string
	// AutoimportPaths are the directories watched for source edits.
	AutoimportPaths []string
	// ToolPaths are searched for external import and compile tools.
	ToolPaths []string
	// RemoteSourced and RemoteCompiled are endpoint addresses,
	// ";"/","-separated for fallback lists. Empty disables the client.
	RemoteSourced  string
	RemoteCompiled string

	// BindSourced and BindCompiled are the server listen addresses.
	BindSourced  string
	BindCompiled string
}

// pathList accepts a JSON string (";"/","-separated) or array of strings.
type pathList []string

func (p *pathList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*p = SplitList(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	var out []string
	for _, v := range many {
		out = append(out, SplitList(v)...)
	}
	*p = out
	return nil
}

type fileConfig struct {
	Resource struct {
		LocalPath      pathList `json:"local_path"`
		SourcePath     string   `json:"source_path"`
		BasePath       string   `json:"base_path"`
		AutoimportPath pathList `json:"autoimport_path"`
		ToolPath       pathList `json:"tool_path"`
		RemoteSourced  string   `json:"remote_sourced"`
		RemoteCompiled string   `json:"remote_compiled"`
		BindSourced    string   `json:"bind_sourced"`
		BindCompiled   string   `json:"bind_compiled"`
	} `json:"resource"`
}

// SplitList splits a ";"/","-separated value, trimming blanks and
// dropping duplicates while preserving order.
func SplitList(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' }) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// LoadConfig reads the JSON configuration at path. Relative paths are made
// absolute against the config file's directory.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return cfg, err
	}
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	absAll := func(ps []string) []string {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			out = append(out, abs(p))
		}
		return out
	}

	cfg.LocalPaths = absAll(fc.Resource.LocalPath)
	cfg.SourcePath = abs(fc.Resource.SourcePath)
	cfg.BasePath = abs(fc.Resource.BasePath)
	cfg.AutoimportPaths = absAll(fc.Resource.AutoimportPath)
	cfg.ToolPaths = absAll(fc.Resource.ToolPath)
	cfg.RemoteSourced = fc.Resource.RemoteSourced
	cfg.RemoteCompiled = fc.Resource.RemoteCompiled
	cfg.BindSourced = fc.Resource.BindSourced
	cfg.BindCompiled = fc.Resource.BindCompiled
	return cfg, nil
}

// ValidateConfig rejects configurations the module cannot run on.
func ValidateConfig(cfg Config) error {
	if cfg.SourcePath == "" && cfg.RemoteSourced == "" {
		return errors.New("one of source_path or remote_sourced is required")
	}
	for _, addr := range EndpointAddrs(cfg.RemoteSourced) {
		if err := validateAddr(addr); err != nil {
			return fmt.Errorf("invalid remote_sourced %q: %w", addr, err)
		}
	}
	for _, addr := range EndpointAddrs(cfg.RemoteCompiled) {
		if err := validateAddr(addr); err != nil {
			return fmt.Errorf("invalid remote_compiled %q: %w", addr, err)
		}
	}
	for _, bind := range []string{cfg.BindSourced, cfg.BindCompiled} {
		if bind == "" {
			continue
		}
		if err := validateAddr(bind); err != nil {
			return fmt.Errorf("invalid bind address %q: %w", bind, err)
		}
	}
	return nil
}

// EndpointAddrs expands an endpoint value into its host:port list. The
// "tcp://" scheme prefix is accepted and stripped.
func EndpointAddrs(raw string) []string {
	var out []string
	for _, tok := range SplitList(raw) {
		tok = strings.TrimPrefix(tok, "tcp://")
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}
