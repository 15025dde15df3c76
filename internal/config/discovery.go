package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DiscoverConfigPath finds a config file by checking standard locations.
// Priority order: $UNMANNED_CONFIG, ./unmanned.yaml, ./.jarvis/config.yaml,
// ~/.config/unmanned/config.yaml, /etc/unmanned/config.yaml.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		if fileExists(path) || dirExists(path) {
			return path, nil
		}
		return "", fmt.Errorf("%s points to %s which does not exist", EnvConfig, path)
	}

	candidates := []string{
		"unmanned.yaml",
		filepath.Join(".jarvis", "config.yaml"),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "unmanned", "config.yaml"))
	}
	candidates = append(candidates, "/etc/unmanned/config.yaml")

	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $%s, %v)", EnvConfig, candidates)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
