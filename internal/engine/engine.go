package engine

import (
	"context"
	"fmt"

	"github.com/laviprog/speech-transcription/internal/models"
)

// ModelSpec identifies a loadable model instance: which weights, on which
// device, at which numeric precision.
type ModelSpec struct {
	ModelID      string
	Device       string // "cpu" or an accelerator id like "cuda:0"
	Precision    string // "float32", "float16", "int8"
	DownloadRoot string
	BatchSize    int
	ChunkSize    int
}

func (s ModelSpec) String() string {
	return fmt.Sprintf("%s@%s/%s", s.ModelID, s.Device, s.Precision)
}

// Request carries one inference call.
type Request struct {
	AudioPath  string
	Language   string // empty means autodetect
	Align      bool   // word-level timestamps
	Preprocess bool   // vocal separation / denoise before inference
}

// Model is a loaded, ready-to-use model instance. Transcribe honors ctx
// where the backend supports mid-flight interruption; otherwise
// cancellation takes effect at completion.
type Model interface {
	Transcribe(ctx context.Context, req Request) (*models.Transcript, error)
	Close() error
}

// Engine loads models. Implementations classify their failures with
// ModelLoadError and InferenceError so the scheduler can decide on retries.
type Engine interface {
	Name() string
	Load(ctx context.Context, spec ModelSpec) (Model, error)
	Close() error
}
