// Package media holds the frame producers and consumers that sit outside
// the protocol engine: a source of encoded images and a sink for delivered
// ones.
package media

import (
	"context"
	"errors"
)

// ErrNoFrame is returned by a Source that has nothing to offer this tick.
// Callers treat it as a skipped tick, not a failure.
var ErrNoFrame = errors.New("no frame available")

// Source produces encoded frames, typically JPEG images.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Sink consumes delivered frames.
type Sink interface {
	Write(serial uint16, frame []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(serial uint16, frame []byte) error

func (f SinkFunc) Write(serial uint16, frame []byte) error { return f(serial, frame) }
