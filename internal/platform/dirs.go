// Package platform locates the per-user directories vidtranscribe reads and
// writes: the config file, downloaded model weights and logs.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "vidtranscribe"

// Dirs are the per-user roots for one operating system.
type Dirs struct {
	Config string
	Data   string
}

func (d Dirs) ConfigFile() string { return filepath.Join(d.Config, "config.yaml") }
func (d Dirs) ModelDir() string   { return filepath.Join(d.Data, "models") }
func (d Dirs) LogFile() string    { return filepath.Join(d.Data, "logs", appName+".log") }

// DirsFor derives the roots for goos from a home directory and an
// environment lookup. XDG variables are honored on Linux, APPDATA and
// LOCALAPPDATA on Windows.
func DirsFor(goos, homeDir string, getenv func(string) string) (Dirs, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if homeDir == "" {
		return Dirs{}, errors.New("home directory is empty")
	}

	switch goos {
	case "linux", "freebsd", "openbsd":
		config := envOr(getenv, "XDG_CONFIG_HOME", filepath.Join(homeDir, ".config"))
		data := envOr(getenv, "XDG_DATA_HOME", filepath.Join(homeDir, ".local", "share"))
		return Dirs{Config: filepath.Join(config, appName), Data: filepath.Join(data, appName)}, nil
	case "darwin":
		root := filepath.Join(homeDir, "Library", "Application Support", appName)
		return Dirs{Config: root, Data: root}, nil
	case "windows":
		config := envOr(getenv, "APPDATA", filepath.Join(homeDir, "AppData", "Roaming"))
		data := envOr(getenv, "LOCALAPPDATA", filepath.Join(homeDir, "AppData", "Local"))
		return Dirs{Config: filepath.Join(config, appName), Data: filepath.Join(data, appName)}, nil
	default:
		return Dirs{}, fmt.Errorf("unsupported OS: %s", goos)
	}
}

// UserDirs resolves the roots for the running process.
func UserDirs() (Dirs, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}, fmt.Errorf("resolve user home: %w", err)
	}
	return DirsFor(runtime.GOOS, homeDir, os.Getenv)
}

func ResolveModelDir(override string) (string, error) {
	return resolve(override, Dirs.ModelDir)
}

func ResolveConfigFile(override string) (string, error) {
	return resolve(override, Dirs.ConfigFile)
}

func ResolveLogFile() (string, error) {
	return resolve("", Dirs.LogFile)
}

func resolve(override string, pick func(Dirs) string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}
	dirs, err := UserDirs()
	if err != nil {
		return "", err
	}
	return pick(dirs), nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}
