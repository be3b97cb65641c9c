// Package paths resolves where fieldsync keeps its configuration and its
// local store. Each location follows flag > environment > default.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "fieldsync"

// DefaultDataDirName is the CWD-relative data directory used when nothing
// else selects one.
const DefaultDataDirName = ".fieldsync"

// Environment variables that override the defaults.
const (
	EnvConfigDir = "FIELDSYNC_CONFIG_DIR"
	EnvDataDir   = "FIELDSYNC_DATA_DIR"
)

// platformDir is swapped out in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
	getwd         func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
	getwd:         os.Getwd,
}

// xdgDir returns $xdgVar/fieldsync on Linux, falling back to
// ~/<fallback...>/fieldsync. Other platforms use os.UserConfigDir.
func xdgDir(xdgVar string, fallback ...string) (string, error) {
	if runtime.GOOS != "linux" {
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, appName), nil
	}
	if xdg := os.Getenv(xdgVar); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := platformDir.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append(append([]string{home}, fallback...), appName)...), nil
}

// DefaultConfigDir returns the platform configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/fieldsync (fallback ~/.config/fieldsync)
// macOS:   ~/Library/Application Support/fieldsync
// Windows: %APPDATA%/fieldsync
func DefaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform data directory. It is not used as
// the fallback of ResolveDataDir, which prefers the working directory.
//
// Linux:   $XDG_DATA_HOME/fieldsync (fallback ~/.local/share/fieldsync)
// macOS and Windows: same as DefaultConfigDir.
func DefaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// ResolveConfigDir returns flag, else $FIELDSYNC_CONFIG_DIR, else
// DefaultConfigDir. Explicit values are made absolute.
func ResolveConfigDir(flag string) (string, error) {
	for _, v := range []string{flag, os.Getenv(EnvConfigDir)} {
		if v != "" {
			return filepath.Abs(v)
		}
	}
	return DefaultConfigDir()
}

// ResolveDataDir returns flag, else the data_dir from config.yaml, else
// $FIELDSYNC_DATA_DIR, else $(CWD)/.fieldsync.
func ResolveDataDir(flag, configValue string) (string, error) {
	for _, v := range []string{flag, configValue, os.Getenv(EnvDataDir)} {
		if v != "" {
			return filepath.Abs(v)
		}
	}
	cwd, err := platformDir.getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultDataDirName), nil
}
