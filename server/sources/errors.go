package sources

import (
	"errors"
	"fmt"
)

var ErrInboxEmpty = errors.New("No images in the inbox")
var ErrUnsupportedType = errors.New("Unsupported image type")

// ImageDecodeError is returned when an uploaded or fetched file is not an image that we can read
type ImageDecodeError struct {
	Source string // file name or URL
	Err    error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("Unable to read image %v: %v", e.Source, e.Err)
}

func (e *ImageDecodeError) Unwrap() error {
	return e.Err
}

// NetworkError is returned when a URL fetch fails, or the server replies with a non-2xx status
type NetworkError struct {
	URL        string
	StatusCode int // Zero if we never got a response
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("Failed to fetch %v: HTTP %v", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("Failed to fetch %v: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
