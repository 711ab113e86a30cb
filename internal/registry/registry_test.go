package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/laviprog/speech-transcription/internal/logger"
)

// TestEnsureUnknownModel rejects ids outside the catalog without touching
// the network.
func TestEnsureUnknownModel(t *testing.T) {
	d := NewDownloader(t.TempDir(), logger.New("error"))

	if _, err := d.Ensure(context.Background(), "gigantic"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// TestEnsureUsesExistingWeights verifies a present artifact short-circuits
// the download.
func TestEnsureUsesExistingWeights(t *testing.T) {
	root := t.TempDir()
	want := filepath.Join(root, "ggml-tiny.bin")
	if err := os.WriteFile(want, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := NewDownloader(root, logger.New("error"))
	got, err := d.Ensure(context.Background(), "tiny")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got != want {
		t.Fatalf("path = %s, want %s", got, want)
	}
}
