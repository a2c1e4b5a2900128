// Package config resolves and loads Anima's two configuration scopes:
// the app-level registry directory (spec.md §6, <app-config-dir>) and
// each project's human-authored .anima/config.json, watched for changes
// per spec.md §3's "read on startup and on file change."
//
// Grounded on bureau-foundation/bureau's lib/pipelinedef.Parse
// (jsonc.ToJSON before json.Unmarshal) for tolerating a hand-edited
// config file with comments, and steveyegge/gastown's internal/doctor
// and internal/bdcmd use of os.UserHomeDir/os.UserConfigDir for
// resolving an application-level directory outside any one project.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/saltbo/anima/internal/store"
)

// AppConfigDir resolves <app-config-dir> from spec.md §6: the OS user
// config directory under an "anima" subdirectory, created if absent.
func AppConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving user config dir: %w", err)
	}
	dir := filepath.Join(base, "anima")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config: creating %s: %w", dir, err)
	}
	return dir, nil
}

// LoadProjectConfig reads <project-root>/.anima/config.json, stripping
// JSONC comments and trailing commas first so a human can annotate the
// file by hand (spec.md §6: "ProjectConfig ... is human-authored").
func LoadProjectConfig(path string) (*store.ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	stripped := jsonc.ToJSON(data)

	var cfg store.ProjectConfig
	if err := json.Unmarshal(stripped, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the invariants spec.md §3's ProjectConfig row lists:
// intervalMinutes > 0 when type=interval, and times[] non-empty with
// "HH:MM" entries when type=times.
func Validate(cfg *store.ProjectConfig) error {
	switch cfg.WakeSchedule.Type {
	case store.WakeInterval:
		if cfg.WakeSchedule.IntervalMinutes <= 0 {
			return fmt.Errorf("config: wakeSchedule.intervalMinutes must be > 0 for type=interval")
		}
	case store.WakeTimes:
		if len(cfg.WakeSchedule.Times) == 0 {
			return fmt.Errorf("config: wakeSchedule.times must be non-empty for type=times")
		}
		for _, t := range cfg.WakeSchedule.Times {
			if !isHHMM(t) {
				return fmt.Errorf("config: wakeSchedule.times entry %q is not \"HH:MM\"", t)
			}
		}
	case store.WakeManual:
		// No additional fields required.
	default:
		return fmt.Errorf("config: unknown wakeSchedule.type %q", cfg.WakeSchedule.Type)
	}
	return nil
}

func isHHMM(s string) bool {
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	for i, c := range s {
		if i == 2 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	hh := int(s[0]-'0')*10 + int(s[1]-'0')
	mm := int(s[3]-'0')*10 + int(s[4]-'0')
	return hh >= 0 && hh <= 23 && mm >= 0 && mm <= 59
}
