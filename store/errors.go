package store

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransient marks failures worth retrying, e.g. a lost connection.
	ErrTransient = errors.New("store: transient failure")
	// ErrCorrupt marks a snapshot or log that cannot be decoded or replayed.
	ErrCorrupt = errors.New("store: corrupt data")
	ErrClosed  = errors.New("store: closed")
)

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Corrupt returns an ErrCorrupt error for workspaceID.
func Corrupt(workspaceID string, format string, a ...any) error {
	return fmt.Errorf("%w: workspace %s: %s", ErrCorrupt, workspaceID, fmt.Sprintf(format, a...))
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// ClassifyNetError wraps network and deadline failures as transient and
// leaves everything else untouched. Backends call it on driver errors.
func ClassifyNetError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return err
}
