package renderer

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-rod/rod"
)

var (
	// ErrTimeout means the page did not reach a loaded state in time.
	ErrTimeout = errors.New("render timeout")
	// ErrNavigation means the target could not be reached or rendered.
	ErrNavigation = errors.New("render navigation error")
	// ErrInternal covers browser launch, protocol and crash failures.
	ErrInternal = errors.New("render internal error")

	errEmptyPage = errors.New("page has no url")
)

// classify maps a failure from step onto the renderer error taxonomy.
func classify(ctx context.Context, step string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNavigation) || errors.Is(err, ErrInternal) {
		return err
	}

	var navErr *rod.NavigationError
	switch {
	case errors.As(err, &navErr), errors.Is(err, errEmptyPage):
		return fmt.Errorf("%w: %s: %w", ErrNavigation, step, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrTimeout, step, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// Rod sometimes surfaces a dead page instead of the context error.
		return fmt.Errorf("%w: %s: %w", ErrTimeout, step, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrInternal, step, err)
	}
}
