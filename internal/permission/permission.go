// Package permission renders the config's command allowlist and file
// access globs to the settings file agent CLIs read at startup.
package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/randalmurphal/drover/internal/config"
)

// Settings is the exported settings.json shape.
type Settings struct {
	Permissions ToolPermissions   `json:"permissions"`
	Env         map[string]string `json:"env,omitempty"`
}

// ToolPermissions holds allow rules, one per permitted operation.
type ToolPermissions struct {
	Allow []string `json:"allow"`
}

// Build assembles settings from config. Command allowlists become
// Bash(...) rules, file globs become Read/Edit rules. Globs are
// validated so a typo fails the export instead of silently denying.
func Build(cfg *config.Config) (*Settings, error) {
	var allow []string

	for name, variants := range cfg.Commands {
		if len(variants) == 0 {
			allow = append(allow, fmt.Sprintf("Bash(%s:*)", name))
			continue
		}
		for _, v := range variants {
			allow = append(allow, fmt.Sprintf("Bash(%s)", v))
		}
	}

	for _, glob := range cfg.FileOps.Read {
		if !doublestar.ValidatePattern(glob) {
			return nil, fmt.Errorf("invalid read glob %q", glob)
		}
		allow = append(allow, fmt.Sprintf("Read(%s)", glob))
	}
	for _, glob := range cfg.FileOps.Write {
		if !doublestar.ValidatePattern(glob) {
			return nil, fmt.Errorf("invalid write glob %q", glob)
		}
		allow = append(allow, fmt.Sprintf("Edit(%s)", glob))
	}

	sort.Strings(allow)
	return &Settings{Permissions: ToolPermissions{Allow: allow}}, nil
}

// Write renders settings to path, creating parent directories.
func Write(s *Settings, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// Export builds and writes in one step, returning the rendered rules
// for display.
func Export(cfg *config.Config, path string) (*Settings, error) {
	s, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := Write(s, path); err != nil {
		return nil, err
	}
	return s, nil
}
