package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/laviprog/speech-transcription/internal/config"
	"github.com/laviprog/speech-transcription/internal/registry"
)

// New builds the inference engine selected by configuration.
func New(ctx context.Context, cfg config.Settings, log *logrus.Logger) (Engine, error) {
	switch cfg.Engine {
	case "", "whisper-cli":
		weights := registry.NewDownloader(cfg.DownloadRoot, log)
		return NewWhisperCLI(cfg.WhisperBin, weights, cfg.BatchSize, cfg.ChunkSize, log), nil
	case "google":
		return NewGoogleSpeech(ctx, cfg.GoogleCredsFile)
	default:
		return nil, fmt.Errorf("unsupported engine: %s (supported: whisper-cli, google)", cfg.Engine)
	}
}
