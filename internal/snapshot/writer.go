package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Writer renders one high-quality still from a self-contained
// init+fragment seed via a transient FFmpeg invocation.
type Writer struct {
	logger *slog.Logger
	binary string
	dir    string
	hashes *HashStore

	onSaved func(serial string)
}

// NewWriter creates a writer storing stills under dir.
func NewWriter(logger *slog.Logger, binary, dir string, hashes *HashStore) *Writer {
	return &Writer{
		logger: logger.With(slog.String("component", "snapshot")),
		binary: binary,
		dir:    dir,
		hashes: hashes,
	}
}

// OnSaved registers the callback fired after a successful save, used to
// publish the snapshotSaved broker event.
func (w *Writer) OnSaved(fn func(serial string)) {
	w.onSaved = fn
}

// Path returns where the still for serial is stored.
func (w *Writer) Path(serial string) string {
	return filepath.Join(w.dir, serial+".jpg")
}

// Save decodes seed and writes exactly one frame as a JPEG still. On
// success the sidecar timestamp is recorded and onSaved fires. Failures
// are logged by the caller; the sidecar is left untouched.
func (w *Writer) Save(ctx context.Context, serial string, seed []byte) error {
	if len(seed) == 0 {
		return fmt.Errorf("empty snapshot seed for %s", serial)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	outPath := w.Path(serial)
	cmd := exec.CommandContext(ctx, w.binary,
		"-loglevel", "error",
		"-hide_banner",
		"-y",
		"-i", "pipe:0",
		"-frames:v", "1",
		"-q:v", "2",
		outPath,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening snapshot input: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning snapshot encoder: %w", err)
	}

	// FFmpeg exits as soon as it has its frame; a broken pipe on the
	// remainder of the seed is expected.
	_, _ = stdin.Write(seed)
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("snapshot encoder failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	hash, err := hashFile(outPath)
	if err != nil {
		w.logger.Warn("hashing snapshot", slog.String("error", err.Error()))
	}
	if err := w.hashes.RecordSnapshot(serial, hash, time.Now()); err != nil {
		w.logger.Warn("recording snapshot sidecar", slog.String("error", err.Error()))
	}

	w.logger.Info("snapshot saved",
		slog.String("serial", serial),
		slog.String("path", outPath),
		slog.Int("seedBytes", len(seed)))

	if w.onSaved != nil {
		w.onSaved(serial)
	}
	return nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
