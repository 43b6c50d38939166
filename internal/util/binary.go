// Package util holds small helpers shared across packages.
package util

import (
	"fmt"
	"os"
	"os/exec"
)

// FindBinary locates an external executable such as ffmpeg or a stage
// worker. Resolution order: the env var override when set, then ./name
// next to the server (the development layout), then PATH. Candidates
// that are missing, directories, or not executable are skipped rather
// than reported, so a stale override falls through to PATH.
func FindBinary(name string, envVar string) (string, error) {
	if envVar != "" {
		if override := os.Getenv(envVar); override != "" && isExecutable(override) {
			return override, nil
		}
	}

	if local := "./" + name; isExecutable(local) {
		return local, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
