package nn

import "fmt"

// ModelLoadError is returned when model weights can't be found or parsed
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("Failed to load model '%v': %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// InferenceError is returned when the model rejects an input image
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("Inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
