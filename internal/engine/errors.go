package engine

import "fmt"

// ModelLoadError reports missing, corrupt, or unloadable weights. Load
// failures are retryable a bounded number of times.
type ModelLoadError struct {
	ModelID string
	Err     error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("model load %s: %v", e.ModelID, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError reports a failed inference call. Resource exhaustion is
// retryable; malformed input is not.
type InferenceError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *InferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inference: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("inference: %s", e.Reason)
}

func (e *InferenceError) Unwrap() error { return e.Err }
