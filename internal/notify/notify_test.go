package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipbridge/internal/host"
)

func TestTrackerFirstStartIsSilent(t *testing.T) {
	tr := NewTracker()
	_, ok := tr.Observe(host.Loading, "")
	assert.False(t, ok)
	_, ok = tr.Observe(host.Ready, "")
	assert.False(t, ok)
}

func TestTrackerDegradedAndRecovered(t *testing.T) {
	tr := NewTracker()
	tr.Observe(host.Ready, "")

	m, ok := tr.Observe(host.Degraded, "Core degraded: DLL missing.")
	require.True(t, ok)
	assert.Equal(t, Critical, m.Urgency)
	assert.Contains(t, m.Body, "DLL missing")

	_, ok = tr.Observe(host.Degraded, "again")
	assert.False(t, ok, "no repeat while still degraded")

	_, ok = tr.Observe(host.Loading, "")
	assert.False(t, ok)
	m, ok = tr.Observe(host.Ready, "")
	require.True(t, ok)
	assert.Equal(t, "ClipBridge connected", m.Title)
}

func TestTrackerShutdownIsSilent(t *testing.T) {
	tr := NewTracker()
	tr.Observe(host.Ready, "")
	_, ok := tr.Observe(host.ShuttingDown, "")
	assert.False(t, ok)
	_, ok = tr.Observe(host.NotLoaded, "")
	assert.False(t, ok)
}

func TestMemoryAndNoop(t *testing.T) {
	var m Memory
	require.NoError(t, m.Notify(context.Background(), Message{Title: "a"}))
	assert.Equal(t, []Message{{Title: "a"}}, m.Messages())
	assert.NoError(t, Noop{}.Notify(context.Background(), Message{}))
}
