package media

import (
	"context"
	"errors"
)

var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrNoDevice         = errors.New("media: no device available")
)

// Constraints selects which kinds to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Source acquires local media. Implementations may block until the user
// grants access; ctx bounds the wait.
type Source interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, c Constraints) (*Stream, error)

func (f SourceFunc) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	return f(ctx, c)
}
