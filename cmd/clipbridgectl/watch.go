package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"clipbridge/internal/bridge"
	"clipbridge/internal/ipc"
)

const (
	watchMaxLines    = 200
	watchStatusEvery = 5 * time.Second
)

type (
	eventMsg        ipc.Event
	streamClosedMsg struct{}
	statusMsg       struct {
		st  *bridge.Status
		err error
	}
	statusTickMsg struct{}
)

// statusFetcher is the part of the client the watch view polls.
type statusFetcher interface {
	Status(ctx context.Context) (*ipc.StatusResponse, error)
}

type watchModel struct {
	client statusFetcher
	events <-chan ipc.Event

	status *bridge.Status
	state  string
	lines  []string
	paused bool
	err    error

	width, height int
}

func newWatchModel(client statusFetcher, events <-chan ipc.Event, state string) watchModel {
	return watchModel{client: client, events: events, state: state}
}

func waitForEvent(events <-chan ipc.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func fetchStatus(c statusFetcher) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := c.Status(ctx)
		return statusMsg{st: st, err: err}
	}
}

func statusTick() tea.Cmd {
	return tea.Tick(watchStatusEvery, func(time.Time) tea.Msg { return statusTickMsg{} })
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), fetchStatus(m.client), statusTick())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "p":
			m.paused = !m.paused
		case "c":
			m.lines = nil
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case eventMsg:
		ev := ipc.Event(msg)
		if ev.Type == bridge.EventState {
			m.state = ev.State
		}
		if !m.paused {
			m.lines = append(m.lines, formatEvent(ev))
			if len(m.lines) > watchMaxLines {
				m.lines = m.lines[len(m.lines)-watchMaxLines:]
			}
		}
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.err = ipc.ErrConnectionLost
		return m, tea.Quit

	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.status = msg.st
			m.state = msg.st.State
		}
		return m, nil

	case statusTickMsg:
		return m, tea.Batch(fetchStatus(m.client), statusTick())
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ClipBridge watch") + "  " + stateStyle(m.state).Render("● "+m.state))
	if m.status != nil {
		b.WriteString(dimStyle.Render(fmt.Sprintf("   history %d  peers %d  transfers %d  capture %s",
			m.status.History, m.status.Peers, m.status.Transfers, onOff(m.status.Capture))))
	}
	if m.paused {
		b.WriteString("  " + cachedStyle.Render("paused"))
	}
	b.WriteString("\n")

	lines := m.lines
	if avail := m.height - 5; avail > 0 && len(lines) > avail {
		lines = lines[len(lines)-avail:]
	}
	body := dimStyle.Render("waiting for events…")
	if len(lines) > 0 {
		body = strings.Join(lines, "\n")
	}
	box := boxStyle
	if m.width > 4 {
		box = box.Width(m.width - 2)
	}
	b.WriteString(box.Render(body) + "\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(m.err.Error()) + "\n")
	}
	b.WriteString(dimStyle.Render("q quit · p pause · c clear"))
	return b.String()
}

func formatEvent(ev ipc.Event) string {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := dimStyle.Render(at.Local().Format("15:04:05"))
	label := lipgloss.NewStyle().Foreground(colorTeal).Width(9).Render(ev.Type)

	var detail string
	switch ev.Type {
	case bridge.EventState:
		detail = ev.Previous + " → " + stateStyle(ev.State).Render(ev.State)
	case bridge.EventItem:
		if ev.Item != nil {
			detail = fmt.Sprintf("%s %s %s", ev.Item.Kind, describeItem(*ev.Item), dimStyle.Render(ev.Item.ItemID))
		}
	case bridge.EventPeer:
		if ev.Peer != nil {
			online := "offline"
			if ev.Peer.IsOnline {
				online = "online"
			}
			detail = fmt.Sprintf("%s %s (%s)", ev.Peer.Name, online, ev.Peer.State)
		}
	case bridge.EventTransfer:
		if ev.Transfer != nil {
			detail = fmt.Sprintf("%s %s %s", ev.Transfer.TransferID, ev.Transfer.State, progress(*ev.Transfer))
		}
		if ev.Reason != "" {
			detail += " " + errorStyle.Render(ev.Reason)
		}
	case bridge.EventLog:
		detail = dimStyle.Render("engine log written")
	}
	return ts + " " + label + " " + detail
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow daemon events live",
		Long: `Follow state changes, history, peers and transfers as they happen.

With --format json, events are printed one JSON object per line instead of
the interactive view.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			events, err := c.Subscribe(ctx, types...)
			cancel()
			if err != nil {
				c.Close()
				return WrapExitError(ExitFailure, "subscribe", err)
			}
			defer c.Close()

			if opts.Format == "json" {
				return streamJSON(cmd, events)
			}
			final, err := tea.NewProgram(newWatchModel(c, events, c.State()), tea.WithAltScreen()).Run()
			if err != nil {
				return WrapExitError(ExitFailure, "watch", err)
			}
			if m, ok := final.(watchModel); ok && errors.Is(m.err, ipc.ErrConnectionLost) {
				return WrapExitError(ExitFailure, "watch", m.err)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "events", nil, "event types to follow (state,item,peer,transfer,log)")
	return cmd
}

func streamJSON(cmd *cobra.Command, events <-chan ipc.Event) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return WrapExitError(ExitFailure, "watch", ipc.ErrConnectionLost)
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
}
