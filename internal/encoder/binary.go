// Package encoder launches and supervises the external FFmpeg process
// that turns the camera's elementary streams into a live fragmented MP4.
package encoder

import (
	"fmt"
	"os"
	"os/exec"
)

// defaultBinaryName is resolved from PATH when no path is configured.
const defaultBinaryName = "ffmpeg"

// ResolveBinary returns the ffmpeg binary path to use. A configured path
// must exist; otherwise PATH is searched.
func ResolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured ffmpeg binary %s: %w", configured, err)
		}
		return configured, nil
	}

	path, err := exec.LookPath(defaultBinaryName)
	if err != nil {
		return "", fmt.Errorf("locating %s in PATH: %w", defaultBinaryName, err)
	}
	return path, nil
}
