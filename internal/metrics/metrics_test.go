package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipbridge/internal/envelope"
	"clipbridge/internal/fetch"
	"clipbridge/internal/host"
	"clipbridge/internal/ingest"
	"clipbridge/internal/pump"
	"clipbridge/internal/sink"
)

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, "FFI_ERR", ErrorCode(fmt.Errorf("wrapped: %w", &envelope.CoreError{Code: "FFI_ERR"})))
	assert.Equal(t, CodeNotReady, ErrorCode(&host.NotReadyError{Op: "list_history", State: host.Degraded}))
	assert.Equal(t, CodeTimeout, ErrorCode(context.DeadlineExceeded))
	assert.Equal(t, CodePanic, ErrorCode(&host.PanicError{Value: "boom"}))
	assert.Equal(t, CodeOther, ErrorCode(errors.New("x")))
}

func TestObserveCall(t *testing.T) {
	m := New(NewRegistry(false))

	m.ObserveCall("list_history", 3*time.Millisecond, nil)
	m.ObserveCall("list_history", time.Millisecond, &envelope.CoreError{Code: "FFI_ERR"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HostCallsTotal.WithLabelValues("list_history", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HostCallsTotal.WithLabelValues("list_history", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HostCallErrors.WithLabelValues("list_history", "FFI_ERR")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HostCallDuration))
}

func TestObserveStateIsOneHot(t *testing.T) {
	m := New(NewRegistry(false))
	m.ObserveState(host.Loading)
	m.ObserveState(host.Ready)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HostState.WithLabelValues("Ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HostState.WithLabelValues("Loading")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HostState.WithLabelValues("NotLoaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("Ready")))
}

func TestDecisionsAndApplies(t *testing.T) {
	m := New(NewRegistry(false))
	m.ObserveDecision(ingest.Decision{Allow: true, Reason: ingest.ReasonPass}, nil)
	m.ObserveDecision(ingest.Decision{Allow: true, Reason: ingest.ReasonPass}, errors.New("engine"))
	m.ObserveDecision(ingest.Decision{Reason: ingest.ReasonDuplicate}, nil)
	m.ObserveApply(time.Second, nil)
	m.ObserveSweep(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IngestDecisions.WithLabelValues("Pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestDecisions.WithLabelValues("Duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AppliesTotal.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SweptTotal))
}

func TestPumpObserverAndBindings(t *testing.T) {
	reg := NewRegistry(false)
	m := New(reg)
	corr := fetch.New()
	p := pump.New(pump.Config{Sinks: sink.New(0), Correlator: corr})
	m.BindPump(p)
	m.BindCorrelator(corr)

	obs := m.PumpObserver()
	obs(pump.Event{Kind: pump.KindItemMeta}, nil, time.Millisecond)
	obs(pump.Event{}, errors.New("bad"), time.Millisecond)

	corr.Resolve("t1", envelope.LocalContentRef{TextUTF8: "x"})
	p.Enqueue(`{"type":"ITEM_ADDED"}`)

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2.0, snap["events_total"])
	assert.Equal(t, 1.0, snap["correlator_stashed"])
	assert.Equal(t, 1.0, snap["pump_backlog"])
	assert.Equal(t, 1.0, snap["host_state"], "exactly one state is set")
	assert.Contains(t, SortedKeys(snap), "uptime_seconds")
}

func TestHandlerServesExposition(t *testing.T) {
	reg := NewRegistry(true)
	m := New(reg)
	m.ObserveCall("get_status", time.Millisecond, nil)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `clipbridge_host_calls_total{op="get_status",result="ok"} 1`))
	assert.Contains(t, body, "go_goroutines")
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
