package delivery

// Package delivery sends detection results back to the chat that supplied the source image.
// The chat is identified by a sidecar file that sits next to the source image.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cyclopcam/logs"
)

// Extension of the sidecar file that holds the recipient of a source image
const SidecarExt = ".chat_id"

// Text notice that precedes the result image
const NoticeText = "Detection result for your image:"

var ErrNoRecipient = errors.New("No recipient")

// Messenger sends messages to a recipient, such as a Telegram chat
type Messenger interface {
	SendText(ctx context.Context, recipient, text string) error
	SendPhoto(ctx context.Context, recipient, filename string, jpeg []byte) error
}

// RecipientResolutionError is returned when the recipient of a source image is unknown
type RecipientResolutionError struct {
	SourcePath string
	Err        error
}

func (e *RecipientResolutionError) Error() string {
	return fmt.Sprintf("Unable to find the recipient of %v: %v", e.SourcePath, e.Err)
}

func (e *RecipientResolutionError) Unwrap() error {
	return e.Err
}

// Return the path of the sidecar file of a source image
func SidecarPath(sourcePath string) string {
	return sourcePath + SidecarExt
}

// Write the sidecar file of a source image
func WriteRecipient(sourcePath, recipient string) error {
	return os.WriteFile(SidecarPath(sourcePath), []byte(recipient), 0644)
}

// ResolveRecipient reads the sidecar file of a source image.
// A missing or blank sidecar is a RecipientResolutionError.
func ResolveRecipient(sourcePath string) (string, error) {
	raw, err := os.ReadFile(SidecarPath(sourcePath))
	if err != nil {
		return "", &RecipientResolutionError{SourcePath: sourcePath, Err: err}
	}
	recipient := strings.TrimSpace(string(raw))
	if recipient == "" {
		return "", &RecipientResolutionError{SourcePath: sourcePath, Err: ErrNoRecipient}
	}
	return recipient, nil
}

type Deliverer struct {
	log       logs.Log
	messenger Messenger
}

func NewDeliverer(log logs.Log, messenger Messenger) *Deliverer {
	return &Deliverer{
		log:       logs.NewPrefixLogger(log, "delivery:"),
		messenger: messenger,
	}
}

// Deliver sends a text notice and then the result image to the recipient of sourcePath.
// There is no retry. Returns the recipient, if it could be resolved.
func (d *Deliverer) Deliver(ctx context.Context, sourcePath, resultName string, resultJPEG []byte) (string, error) {
	recipient, err := ResolveRecipient(sourcePath)
	if err != nil {
		d.log.Warnf("%v", err)
		return "", err
	}
	if err := d.messenger.SendText(ctx, recipient, NoticeText); err != nil {
		d.log.Warnf("Failed to send notice to %v: %v", recipient, err)
		return recipient, fmt.Errorf("Failed to send notice: %w", err)
	}
	if err := d.messenger.SendPhoto(ctx, recipient, resultName, resultJPEG); err != nil {
		d.log.Warnf("Failed to send %v to %v: %v", resultName, recipient, err)
		return recipient, fmt.Errorf("Failed to send image: %w", err)
	}
	d.log.Infof("Sent %v to %v", resultName, recipient)
	return recipient, nil
}
