// Package settings persists generated hub secrets under the data
// directory. The settings file is created with mode 0600 and holds the
// CLI API token and the relay auth key; both follow the precedence
// environment variable > settings file > auto-generate.
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hapihub/hapi/internal/hub/id"
)

const (
	// Env overrides, checked before the settings file.
	EnvCLIAPIToken = "HAPI_CLI_API_TOKEN"
	EnvRelayKey    = "HAPI_RELAY_AUTH_KEY"

	fileName = "settings.json"
)

// Settings holds the hub's persisted secrets and UI flags.
type Settings struct {
	CLIAPIToken  string `json:"cliApiToken"`
	RelayAuthKey string `json:"relayAuthKey"`

	// User-chosen UI flags, passed through to web clients untouched.
	UIFlags map[string]bool `json:"uiFlags,omitempty"`
}

// Load reads the settings file under dataDir, fills in any missing
// secrets (env first, then auto-generate), and writes the file back if
// anything changed. The data directory is tightened to 0700 and the
// file to 0600.
func Load(dataDir string) (*Settings, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.Chmod(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("chmod data dir: %w", err)
	}

	path := filepath.Join(dataDir, fileName)
	s := &Settings{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", fileName, err)
		}
	case os.IsNotExist(err):
		// First run: start from an empty settings document.
	default:
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}

	changed := false

	if env := os.Getenv(EnvCLIAPIToken); env != "" {
		if s.CLIAPIToken != env {
			s.CLIAPIToken = env
			changed = true
		}
	} else if s.CLIAPIToken == "" {
		s.CLIAPIToken = id.Generate()
		changed = true
		slog.Info("generated CLI API token")
	}

	if env := os.Getenv(EnvRelayKey); env != "" {
		if s.RelayAuthKey != env {
			s.RelayAuthKey = env
			changed = true
		}
	} else if s.RelayAuthKey == "" {
		s.RelayAuthKey = id.Generate()
		changed = true
		slog.Info("generated relay auth key")
	}

	if changed {
		if err := s.save(path); err != nil {
			return nil, err
		}
	}
	// Tighten permissions even when the file pre-existed.
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("chmod %s: %w", fileName, err)
	}

	return s, nil
}

func (s *Settings) save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	// Write via a temp file so a crash never leaves a truncated settings file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename settings: %w", err)
	}
	return nil
}
