package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipbridge/internal/bridge"
	"clipbridge/internal/clipboard"
	"clipbridge/internal/envelope"
	"clipbridge/internal/host"
	"clipbridge/internal/ipc"
)

type fakeDaemon struct {
	mu      sync.Mutex
	capture bool
	query   envelope.HistoryQuery
	logQ    envelope.LogQuery
}

func (f *fakeDaemon) Status(context.Context) bridge.Status {
	return bridge.Status{State: "Degraded", LastError: "engine missing", History: 1, Capture: f.CaptureEnabled()}
}
func (f *fakeDaemon) Diagnostics() host.Diagnostics {
	return host.Diagnostics{State: "Degraded", DLLLoadError: "not found"}
}
func (f *fakeDaemon) Reinitialize(context.Context) error {
	return host.ErrDegraded
}
func (f *fakeDaemon) History(_ context.Context, q envelope.HistoryQuery) (bridge.HistoryResult, error) {
	f.mu.Lock()
	f.query = q
	f.mu.Unlock()
	return bridge.HistoryResult{
		HistoryPage: envelope.HistoryPage{Items: []envelope.ItemMeta{{
			ItemID: "i1", Kind: "text", CreatedTsMs: 1_700_000_000_000, SourceDeviceName: "laptop",
			Preview: &envelope.ItemPreview{Text: "hello\n  world"},
		}}},
		Cached: true,
	}, nil
}
func (f *fakeDaemon) Peers(context.Context) ([]envelope.PeerMeta, bool, error) {
	return []envelope.PeerMeta{{DeviceID: "d1", Name: "desk", IsOnline: true, State: "connected"}}, false, nil
}
func (f *fakeDaemon) Transfers() []envelope.TransferUpdate { return nil }
func (f *fakeDaemon) Logs(_ context.Context, q envelope.LogQuery) ([]envelope.LogRow, error) {
	f.mu.Lock()
	f.logQ = q
	f.mu.Unlock()
	return []envelope.LogRow{{ID: 3, Level: envelope.LevelWarn, Category: "net", Message: "slow peer"}}, nil
}
func (f *fakeDaemon) Fetch(context.Context, string) (clipboard.ApplyResult, error) {
	return clipboard.ApplyResult{}, host.ErrNotReady
}
func (f *fakeDaemon) CancelTransfer(context.Context, string) error { return nil }
func (f *fakeDaemon) SetCapture(on bool) {
	f.mu.Lock()
	f.capture = on
	f.mu.Unlock()
}
func (f *fakeDaemon) CaptureEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capture
}
func (f *fakeDaemon) Subscribe(func(bridge.Event)) func() { return func() {} }

func startDaemon(t *testing.T) (*fakeDaemon, string) {
	t.Helper()
	f := &fakeDaemon{}
	path := filepath.Join(t.TempDir(), "ctl.sock")
	s := ipc.NewServer(ipc.ServerConfig{SocketPath: path, Version: "test"}, ipc.NewDaemonHandler(f))
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return f, path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"status", "diag", "history", "peers", "transfers", "fetch", "cancel", "capture", "logs", "reinit", "watch", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := root.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
	format := root.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "--format", "yaml", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDaemonNotRunning(t *testing.T) {
	_, err := run(t, "--socket", filepath.Join(t.TempDir(), "none.sock"), "status")
	require.Error(t, err)
	assert.Equal(t, ExitNotRunning, GetExitCode(err))
}

func TestStatusJSON(t *testing.T) {
	_, sock := startDaemon(t)
	out, err := run(t, "--socket", sock, "--format", "json", "status")
	require.NoError(t, err)

	var st bridge.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "Degraded", st.State)
	assert.Equal(t, "engine missing", st.LastError)
}

func TestStatusText(t *testing.T) {
	_, sock := startDaemon(t)
	out, err := run(t, "--socket", sock, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Degraded")
	assert.Contains(t, out, "engine missing")
	assert.Contains(t, out, "capture")
}

func TestHistoryFlags(t *testing.T) {
	f, sock := startDaemon(t)
	out, err := run(t, "--socket", sock, "history", "-n", "5", "--cursor", "99", "--kind", "text", "--filter", "inv")
	require.NoError(t, err)
	assert.Contains(t, out, "cached history")
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "laptop")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 5, f.query.Limit)
	require.NotNil(t, f.query.Cursor)
	assert.Equal(t, int64(99), *f.query.Cursor)
	require.NotNil(t, f.query.Filter)
	assert.Equal(t, "inv", f.query.Filter.FilterText)
}

func TestHistoryWithoutFilterSendsNone(t *testing.T) {
	q := historyOptions{Limit: 20}.query()
	assert.Nil(t, q.Filter)
	assert.Nil(t, q.Cursor)
}

func TestLogsLevel(t *testing.T) {
	f, sock := startDaemon(t)
	out, err := run(t, "--socket", sock, "logs", "--level", "warn", "--after", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "slow peer")
	assert.Contains(t, out, "WARN")

	f.mu.Lock()
	assert.Equal(t, envelope.LevelWarn, f.logQ.LevelMin)
	assert.Equal(t, int64(2), f.logQ.AfterID)
	f.mu.Unlock()

	_, err = run(t, "--socket", sock, "logs", "--level", "loud")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCaptureAndFetchErrors(t *testing.T) {
	f, sock := startDaemon(t)
	out, err := run(t, "--socket", sock, "capture", "on")
	require.NoError(t, err)
	assert.Contains(t, out, "capture on")
	assert.True(t, f.CaptureEnabled())

	_, err = run(t, "--socket", sock, "capture", "maybe")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = run(t, "--socket", sock, "fetch", "i1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, host.ErrNotReady)
}

func TestReinitDegradedExitsNonZero(t *testing.T) {
	_, sock := startDaemon(t)
	out, err := run(t, "--socket", sock, "reinit")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "engine Degraded")
}

func TestPeersText(t *testing.T) {
	_, sock := startDaemon(t)
	out, err := run(t, "--socket", sock, "peers")
	require.NoError(t, err)
	assert.Contains(t, out, "desk")
	assert.Contains(t, out, "connected")
	assert.NotContains(t, out, "cached")
}

type stubStatus struct{}

func (stubStatus) Status(context.Context) (*ipc.StatusResponse, error) {
	return &bridge.Status{State: "Ready", History: 4}, nil
}

func TestWatchModel(t *testing.T) {
	events := make(chan ipc.Event, 1)
	m := newWatchModel(stubStatus{}, events, "Loading")

	next, _ := m.Update(eventMsg(ipc.Event{Type: bridge.EventState, Previous: "Loading", State: "Ready"}))
	m = next.(watchModel)
	assert.Equal(t, "Ready", m.state)
	require.Len(t, m.lines, 1)
	assert.Contains(t, m.lines[0], "Loading → Ready")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	m = next.(watchModel)
	assert.True(t, m.paused)
	next, _ = m.Update(eventMsg(ipc.Event{Type: bridge.EventItem, Item: &envelope.ItemMeta{ItemID: "x", Kind: "text"}}))
	m = next.(watchModel)
	assert.Len(t, m.lines, 1)

	next, _ = m.Update(statusMsg{st: &bridge.Status{State: "Degraded", History: 4}})
	m = next.(watchModel)
	assert.Equal(t, "Degraded", m.state)
	assert.Contains(t, m.View(), "history 4")

	next, cmd := m.Update(streamClosedMsg{})
	m = next.(watchModel)
	assert.ErrorIs(t, m.err, ipc.ErrConnectionLost)
	require.NotNil(t, cmd)
}

func TestDescribeItem(t *testing.T) {
	long := strings.Repeat("a", 80)
	assert.Len(t, []rune(describeItem(envelope.ItemMeta{Kind: "text", Preview: &envelope.ItemPreview{Text: long}})), 60)
	assert.Equal(t, "[image 10x20]", describeItem(envelope.ItemMeta{Kind: "image", Preview: &envelope.ItemPreview{ImageHint: &envelope.ImageHint{W: 10, H: 20}}}))
	assert.Equal(t, "[file]", describeItem(envelope.ItemMeta{Kind: "file"}))
}
