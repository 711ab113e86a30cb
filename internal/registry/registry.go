package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/laviprog/speech-transcription/internal/models"
)

// ErrNotFound means the model id is not in the catalog.
var ErrNotFound = errors.New("model not found in catalog")

// DownloadError wraps transport failures while fetching weights.
type DownloadError struct {
	ModelID string
	Err     error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.ModelID, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Downloader resolves a model id to a local weight artifact, downloading it
// into the configured root on first use.
type Downloader struct {
	root   string
	client *http.Client
	log    *logrus.Logger

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex
}

func NewDownloader(root string, log *logrus.Logger) *Downloader {
	return &Downloader{
		root:     root,
		client:   &http.Client{Timeout: 30 * time.Minute},
		log:      log,
		inFlight: map[string]*sync.Mutex{},
	}
}

// Ensure returns the local path for a model's weights, fetching them if
// absent. Concurrent calls for the same model share one download.
func (d *Downloader) Ensure(ctx context.Context, modelID string) (string, error) {
	opt, ok := models.LookupModel(modelID)
	if !ok {
		return "", ErrNotFound
	}

	lock := d.lockFor(modelID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(d.root, opt.FileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	d.log.WithFields(logrus.Fields{"model": modelID, "url": opt.URL}).Info("downloading model weights")

	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return "", &DownloadError{ModelID: modelID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opt.URL, nil)
	if err != nil {
		return "", &DownloadError{ModelID: modelID, Err: err}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", &DownloadError{ModelID: modelID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &DownloadError{ModelID: modelID, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	tmp, err := os.CreateTemp(d.root, opt.FileName+".partial-*")
	if err != nil {
		return "", &DownloadError{ModelID: modelID, Err: err}
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &DownloadError{ModelID: modelID, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", &DownloadError{ModelID: modelID, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", &DownloadError{ModelID: modelID, Err: err}
	}

	d.log.WithField("model", modelID).Info("model weights ready")
	return path, nil
}

func (d *Downloader) lockFor(modelID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.inFlight[modelID]; ok {
		return m
	}
	m := &sync.Mutex{}
	d.inFlight[modelID] = m
	return m
}
