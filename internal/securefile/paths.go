package securefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DataDir resolves the agent's data directory.
// An explicit override wins; otherwise <UserConfigDir>/<app>/<env?>.
// QA_ENV adds a local/ or develop/ subfolder.
func DataDir(app, override string) (string, error) {
	if strings.TrimSpace(override) != "" {
		return filepath.Clean(override), nil
	}
	if app == "" {
		return "", errors.New("app must not be empty")
	}

	envFolder, err := EnvFolder()
	if err != nil {
		return "", err
	}

	base := ""
	switch {
	case os.Getenv("SNAP_REAL_HOME") != "":
		base = filepath.Join(os.Getenv("SNAP_REAL_HOME"), ".config")
	default:
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("UserConfigDir: %w", err)
		}
		base = dir
	}

	dir := filepath.Join(base, app)
	if envFolder != "" {
		dir = filepath.Join(dir, envFolder)
	}
	return dir, nil
}

// EnvFolder maps QA_ENV to a subfolder name. Empty means production layout.
func EnvFolder() (string, error) {
	raw := strings.TrimSpace(os.Getenv("QA_ENV"))
	if raw == "" {
		return "", nil
	}
	switch strings.ToLower(raw) {
	case "local":
		return "local", nil
	case "dev", "develop", "development":
		return "develop", nil
	case "prod", "production":
		return "", nil
	default:
		return "", fmt.Errorf("invalid QA_ENV %q (allowed: local, develop, empty)", raw)
	}
}
