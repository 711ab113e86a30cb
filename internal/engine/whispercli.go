package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/laviprog/speech-transcription/internal/models"
	"github.com/laviprog/speech-transcription/internal/registry"
)

// WhisperCLI runs local inference through a whisper.cpp style binary
// (installed as whisper-cli by Homebrew, whisper-cpp elsewhere).
type WhisperCLI struct {
	binPath   string
	weights   *registry.Downloader
	batchSize int
	chunkSize int
	log       *logrus.Logger
}

func NewWhisperCLI(binPath string, weights *registry.Downloader, batchSize, chunkSize int, log *logrus.Logger) *WhisperCLI {
	if binPath == "" {
		binPath = "whisper-cli"
	}
	return &WhisperCLI{
		binPath:   binPath,
		weights:   weights,
		batchSize: batchSize,
		chunkSize: chunkSize,
		log:       log,
	}
}

func (e *WhisperCLI) Name() string { return "whisper-cli" }

func (e *WhisperCLI) Close() error { return nil }

// Load ensures the binary and the weight artifact are present. The actual
// process is spawned per Transcribe call; the handle pins the resolved
// weight path for its lifetime.
func (e *WhisperCLI) Load(ctx context.Context, spec ModelSpec) (Model, error) {
	if _, err := exec.LookPath(e.binPath); err != nil {
		if _, serr := os.Stat(e.binPath); serr != nil {
			return nil, &ModelLoadError{ModelID: spec.ModelID, Err: fmt.Errorf("whisper binary %q not found", e.binPath)}
		}
	}

	path, err := e.weights.Ensure(ctx, spec.ModelID)
	if err != nil {
		return nil, &ModelLoadError{ModelID: spec.ModelID, Err: err}
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, &ModelLoadError{ModelID: spec.ModelID, Err: fmt.Errorf("weight artifact %s missing or empty", path)}
	}

	return &whisperModel{engine: e, spec: spec, modelPath: path}, nil
}

type whisperModel struct {
	engine    *WhisperCLI
	spec      ModelSpec
	modelPath string
}

func (m *whisperModel) Close() error { return nil }

// Transcribe shells out to the whisper binary with JSON output and parses
// the segment list. Cancelling ctx kills the process mid-flight.
func (m *whisperModel) Transcribe(ctx context.Context, req Request) (*models.Transcript, error) {
	outBase := strings.TrimSuffix(req.AudioPath, filepath.Ext(req.AudioPath))

	args := []string{
		"-m", m.modelPath,
		"-f", req.AudioPath,
		"-oj",
		"-of", outBase,
	}
	if req.Language != "" {
		args = append(args, "-l", req.Language)
	}
	if m.spec.Device == "cpu" {
		args = append(args, "-ng")
	}
	if m.engine.batchSize > 0 {
		args = append(args, "-p", strconv.Itoa(m.engine.batchSize))
	}
	if req.Align {
		args = append(args, "-ml", "1")
	}

	m.engine.log.WithFields(logrus.Fields{
		"model":  m.spec.ModelID,
		"device": m.spec.Device,
		"audio":  filepath.Base(req.AudioPath),
	}).Debug("running whisper")

	cmd := exec.CommandContext(ctx, m.engine.binPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyWhisperFailure(err, string(out))
	}

	jsonPath := outBase + ".json"
	defer os.Remove(jsonPath)

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, &InferenceError{Reason: "missing whisper output", Err: err}
	}
	return parseWhisperJSON(data)
}

func classifyWhisperFailure(err error, output string) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "out of memory") || strings.Contains(lower, "failed to allocate"):
		return &InferenceError{Reason: "resource exhaustion", Retryable: true, Err: err}
	case strings.Contains(lower, "failed to read") || strings.Contains(lower, "failed to open") || strings.Contains(lower, "invalid"):
		return &InferenceError{Reason: "malformed audio input", Err: err}
	default:
		return &InferenceError{Reason: strings.TrimSpace(firstLine(output)), Err: err}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// whisperOutput matches the -oj JSON layout of whisper.cpp. Offsets are in
// milliseconds.
type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseWhisperJSON(data []byte) (*models.Transcript, error) {
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &InferenceError{Reason: "unparsable whisper output", Err: err}
	}

	tr := &models.Transcript{Language: out.Result.Language}
	for i, seg := range out.Transcription {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		tr.Segments = append(tr.Segments, models.Segment{
			Number: i + 1,
			Start:  float64(seg.Offsets.From) / 1000,
			End:    float64(seg.Offsets.To) / 1000,
			Text:   text,
		})
	}
	return tr, nil
}
