// ABOUTME: Staging of transient helper artifacts in the configured staging directory.
// ABOUTME: Files are timestamp-named and removed on success and failure paths alike.

package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Stage writes content to a transient file in dir, named with a
// timestamp-based identifier, and returns its path plus a cleanup func.
// Cleanup is best effort and safe to call exactly once on every exit path.
func Stage(dir, prefix, ext string, content []byte) (string, func(), error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("creating staging directory: %w", err)
	}

	name := fmt.Sprintf("%s-%d%s", prefix, time.Now().UnixNano(), ext)
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", nil, fmt.Errorf("staging %s: %w", name, err)
	}

	return path, func() { os.Remove(path) }, nil
}

// StageExecutable is Stage with the executable bit set, for helper scripts.
func StageExecutable(dir, prefix, ext string, content []byte) (string, func(), error) {
	path, cleanup, err := Stage(dir, prefix, ext, content)
	if err != nil {
		return "", nil, err
	}
	if err := os.Chmod(path, 0700); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("marking %s executable: %w", filepath.Base(path), err)
	}
	return path, cleanup, nil
}
