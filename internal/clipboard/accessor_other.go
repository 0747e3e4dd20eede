//go:build !windows && !((darwin || linux) && cgo)

package clipboard

import "context"

type unavailableAccessor struct{}

// NewPlatformAccessor returns an accessor that always reports
// ErrUnavailable: this build has no system clipboard backend.
func NewPlatformAccessor() Accessor { return unavailableAccessor{} }

func (unavailableAccessor) ReadText(context.Context) (string, error) { return "", ErrUnavailable }

func (unavailableAccessor) WriteText(context.Context, string) error { return ErrUnavailable }

func (unavailableAccessor) ContentType(context.Context) string { return TypeUnknown }
