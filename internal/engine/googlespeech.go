package engine

import (
	"context"
	"os"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/laviprog/speech-transcription/internal/models"
)

// GoogleSpeech delegates inference to the Cloud Speech-to-Text API. Device
// slots still bound concurrency; there is nothing to load locally, so
// handles are cheap.
type GoogleSpeech struct {
	client *speech.Client
}

func NewGoogleSpeech(ctx context.Context, credentialsFile string) (*GoogleSpeech, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GoogleSpeech{client: c}, nil
}

func (e *GoogleSpeech) Name() string { return "google" }

func (e *GoogleSpeech) Close() error { return e.client.Close() }

func (e *GoogleSpeech) Load(ctx context.Context, spec ModelSpec) (Model, error) {
	return &googleModel{client: e.client, spec: spec}, nil
}

type googleModel struct {
	client *speech.Client
	spec   ModelSpec
}

func (m *googleModel) Close() error { return nil }

func (m *googleModel) Transcribe(ctx context.Context, req Request) (*models.Transcript, error) {
	audio, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return nil, &InferenceError{Reason: "unreadable audio input", Err: err}
	}

	language := req.Language
	if language == "" {
		language = "en"
	}

	resp, err := m.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            16000,
			LanguageCode:               language,
			EnableAutomaticPunctuation: true,
			EnableWordTimeOffsets:      req.Align,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyRPCFailure(err)
	}

	tr := &models.Transcript{Language: language}
	var cursor float64
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		end := r.ResultEndTime.AsDuration().Seconds()
		tr.Segments = append(tr.Segments, models.Segment{
			Number: len(tr.Segments) + 1,
			Start:  cursor,
			End:    end,
			Text:   alt.Transcript,
		})
		cursor = end
		for _, w := range alt.Words {
			tr.Words = append(tr.Words, models.Word{
				Start: w.StartTime.AsDuration().Seconds(),
				End:   w.EndTime.AsDuration().Seconds(),
				Word:  w.Word,
			})
		}
	}
	return tr, nil
}

func classifyRPCFailure(err error) error {
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return &InferenceError{Reason: "speech api unavailable", Retryable: true, Err: err}
	case codes.InvalidArgument:
		return &InferenceError{Reason: "malformed audio input", Err: err}
	default:
		return &InferenceError{Reason: "speech api error", Err: err}
	}
}
