package log

import (
	"os"
	"path/filepath"
	"runtime"
)

func defaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return platformDir(runtime.GOOS, home, os.Getenv), nil
}

// platformDir keeps logs where each OS expects them. On Linux they sit next
// to config.toml.
func platformDir(goos, home string, getenv func(string) string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "nexus")
	case "windows":
		base := getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Local")
		}
		return filepath.Join(base, "nexus", "logs")
	}
	base := getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "nexus", "logs")
}
