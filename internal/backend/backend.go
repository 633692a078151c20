// Package backend defines the two cache invalidation primitives the control
// plane drives, plus adapters that fan them out.
package backend

import (
	"context"
	"errors"
)

// Backend invalidates cached entries by path or by tag. Invalidating a key
// that is already gone must succeed.
type Backend interface {
	InvalidatePath(ctx context.Context, path string) error
	InvalidateTag(ctx context.Context, tag string) error
}

// Funcs adapts plain functions to Backend. A nil func is a no-op.
type Funcs struct {
	Path func(ctx context.Context, path string) error
	Tag  func(ctx context.Context, tag string) error
}

func (f Funcs) InvalidatePath(ctx context.Context, path string) error {
	if f.Path == nil {
		return nil
	}
	return f.Path(ctx, path)
}

func (f Funcs) InvalidateTag(ctx context.Context, tag string) error {
	if f.Tag == nil {
		return nil
	}
	return f.Tag(ctx, tag)
}

// Multi applies each invalidation to every backend in order. All backends are
// attempted; the errors are joined.
type Multi []Backend

func (m Multi) InvalidatePath(ctx context.Context, path string) error {
	var errs []error
	for _, b := range m {
		if err := b.InvalidatePath(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) InvalidateTag(ctx context.Context, tag string) error {
	var errs []error
	for _, b := range m {
		if err := b.InvalidateTag(ctx, tag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
