package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEncoding          = errors.New("encoding error")
	ErrUnknownAlgorithm  = errors.New("unknown algorithm")
	ErrUnknownParameter  = errors.New("unknown parameter")
	ErrNoImage           = errors.New("no image")
	ErrProcessingFailure = errors.New("processing failure")
	ErrHistoryFetch      = errors.New("history fetch failure")
	ErrUploadFailure     = errors.New("upload failure")
)

// Error carries one of the sentinel kinds above together with the failing
// operation and its underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var userMessages = []struct {
	kind    error
	message string
}{
	{ErrNoImage, "Upload an image before processing."},
	{ErrEncoding, "Failed to read image. Please try another file."},
	{ErrUploadFailure, "Failed to upload image. Please try again."},
	{ErrUnknownAlgorithm, "The selected algorithm is not available."},
	{ErrUnknownParameter, "That parameter is not supported by the selected algorithm."},
	{ErrProcessingFailure, "Failed to process image. Please try again."},
	{ErrHistoryFetch, "Failed to load processing history"},
}

// UserMessage converts err into a short message that is safe to show.
// The raw cause is never included.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, m := range userMessages {
		if errors.Is(err, m.kind) {
			return m.message
		}
	}
	return "Something went wrong. Please try again."
}
