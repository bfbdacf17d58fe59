package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	AppConfigDir = ".config/federator"
	// HomeEnv moves config.yaml and the database out of the user config dir,
	// which is how containers and multi-node test setups separate instances
	HomeEnv = "FEDERATOR_HOME"
)

// GetConfigDir returns $FEDERATOR_HOME, or ~/.config/federator when unset,
// and creates it if it doesn't exist
func GetConfigDir() (string, error) {
	configDir := os.Getenv(HomeEnv)
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, AppConfigDir)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return configDir, nil
}

// ResolveFilePath finds a relative config or database file in the working
// directory first, then in the config dir, where it is created when missing.
// Absolute paths and sqlite in-memory or file: DSNs are returned unchanged.
func ResolveFilePath(filename string) string {
	if isLiteralPath(filename) {
		return filename
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(configDir, filename)
}

func isLiteralPath(filename string) bool {
	return filename == "" ||
		filepath.IsAbs(filename) ||
		strings.HasPrefix(filename, ":memory:") ||
		strings.HasPrefix(filename, "file:")
}
