package conf

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "audiobridge"

// GetDefaultConfigPaths returns the directories searched for config.yaml, most
// specific first. Missing directories are skipped by viper.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}

	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "windows" {
			paths = append(paths, filepath.Join(home, "AppData", "Roaming", appDirName))
		} else {
			paths = append(paths, filepath.Join(home, ".config", appDirName))
		}
	}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Dir(exe))
	}
	if runtime.GOOS != "windows" {
		paths = append(paths, filepath.Join("/etc", appDirName))
	}
	return paths
}

// UserConfigPath is where WriteDefault puts a fresh config.yaml.
func UserConfigPath() string {
	paths := GetDefaultConfigPaths()
	if len(paths) > 1 {
		return filepath.Join(paths[1], "config.yaml")
	}
	return "config.yaml"
}
