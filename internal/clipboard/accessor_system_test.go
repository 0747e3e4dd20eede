//go:build (darwin || linux) && cgo

package clipboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemAccessorRoundTrip(t *testing.T) {
	acc := NewPlatformAccessor().(*systemAccessor)
	t.Cleanup(func() { acc.Close() })
	ctx := context.Background()

	if _, err := acc.ReadText(ctx); errors.Is(err, ErrUnavailable) {
		t.Skipf("no system clipboard: %v", err)
	}
	before := acc.Sequence()

	require.NoError(t, acc.WriteText(ctx, "clipbridge round trip"))
	got, err := acc.ReadText(ctx)
	require.NoError(t, err)
	assert.Equal(t, "clipbridge round trip", got)
	assert.Equal(t, TypeText, acc.ContentType(ctx))
	assert.Error(t, acc.WriteText(ctx, ""))

	require.Eventually(t, func() bool { return acc.Sequence() > before }, 3*time.Second, 50*time.Millisecond)
}

func TestSystemAccessorClosedBeforeUse(t *testing.T) {
	acc := NewPlatformAccessor().(*systemAccessor)
	require.NoError(t, acc.Close())

	_, err := acc.ReadText(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, TypeUnknown, acc.ContentType(context.Background()))
}
