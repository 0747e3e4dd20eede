package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"clipbridge/internal/bridge"
	"clipbridge/internal/envelope"
	"clipbridge/internal/ipc"
)

const (
	colorGreen   lipgloss.Color = "#a6e3a1"
	colorRed     lipgloss.Color = "#f38ba8"
	colorYellow  lipgloss.Color = "#f9e2af"
	colorTeal    lipgloss.Color = "#94e2d5"
	colorOverlay lipgloss.Color = "#7f849c"
	colorText    lipgloss.Color = "#cdd6f4"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	keyStyle    = lipgloss.NewStyle().Foreground(colorOverlay).Width(11)
	dimStyle    = lipgloss.NewStyle().Foreground(colorOverlay)
	cachedStyle = lipgloss.NewStyle().Foreground(colorYellow).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(colorRed)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func stateStyle(state string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	switch state {
	case "Ready":
		return s.Foreground(colorGreen)
	case "Degraded":
		return s.Foreground(colorRed)
	case "Loading", "ShuttingDown":
		return s.Foreground(colorYellow)
	default:
		return s.Foreground(colorOverlay)
	}
}

func row(b *strings.Builder, key, value string) {
	b.WriteString(keyStyle.Render(key))
	b.WriteString(value)
	b.WriteByte('\n')
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func renderStatus(w io.Writer, st *bridge.Status) {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ClipBridge") + "  " + stateStyle(st.State).Render("● "+st.State) + "\n\n")
	row(&b, "capture", onOff(st.Capture))
	if st.Uptime != "" {
		row(&b, "uptime", st.Uptime)
	}
	row(&b, "history", fmt.Sprintf("%d items, %d peers, %d transfers", st.History, st.Peers, st.Transfers))
	row(&b, "events", fmt.Sprintf("%d processed, %d failed, %d ignored, %d dropped (backlog %d)",
		st.Pump.Processed, st.Pump.Failed, st.Pump.Ignored, st.Pump.Dropped, st.PumpBacklog))
	row(&b, "fetch", fmt.Sprintf("%d waiting, %d stashed", st.Correlator.Waiters, st.Correlator.Stashed))
	row(&b, "logship", fmt.Sprintf("%d shipped, %d stashed, %d replayed, %d dropped",
		st.Logship.Shipped, st.Logship.Stashed, st.Logship.Replayed, st.Logship.Dropped))
	if st.Store != nil {
		row(&b, "cache", fmt.Sprintf("%d items, %d peers, %d stashed logs (schema %d)",
			st.Store.CachedItems, st.Store.CachedPeers, st.Store.StashedLogs, st.Store.SchemaVersion))
	}
	if st.LastError != "" {
		row(&b, "last error", errorStyle.Render(st.LastError))
	}
	if st.CoreError != "" {
		row(&b, "core", errorStyle.Render(st.CoreError))
	} else if len(st.Core) > 0 {
		row(&b, "core", string(st.Core))
	}
	fmt.Fprintln(w, boxStyle.Render(strings.TrimRight(b.String(), "\n")))
}

func renderDiagnostics(w io.Writer, d *ipc.DiagnosticsResponse) {
	fmt.Fprintln(w, d.SupportText)
}

// describeItem is the one-line summary of an item's content.
func describeItem(it envelope.ItemMeta) string {
	if it.Preview != nil {
		switch {
		case it.Preview.Text != "":
			return truncate(oneLine(it.Preview.Text), 60)
		case it.Preview.ImageHint != nil:
			return fmt.Sprintf("[image %dx%d]", it.Preview.ImageHint.W, it.Preview.ImageHint.H)
		case it.Preview.FileCount > 0:
			return fmt.Sprintf("[%d files]", it.Preview.FileCount)
		}
	}
	if it.SizeBytes > 0 {
		return fmt.Sprintf("[%s, %d bytes]", it.Kind, it.SizeBytes)
	}
	return "[" + it.Kind + "]"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func msTime(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("01-02 15:04:05")
}

func renderHistory(w io.Writer, res *ipc.HistoryResponse) {
	if res.Cached {
		fmt.Fprintln(w, cachedStyle.Render("engine not ready: showing cached history"))
	}
	if len(res.Items) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no history"))
		return
	}
	for _, it := range res.Items {
		device := it.SourceDeviceName
		if device == "" {
			device = it.SourceDeviceID
		}
		fmt.Fprintf(w, "%s  %-5s  %-14s  %s  %s\n",
			dimStyle.Render(msTime(it.CreatedTsMs)), it.Kind, truncate(device, 14),
			describeItem(it), dimStyle.Render(it.ItemID))
	}
	if res.NextCursor != nil {
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("more: --cursor %d", *res.NextCursor)))
	}
}

func renderPeers(w io.Writer, res *ipc.PeersResponse) {
	if res.Cached {
		fmt.Fprintln(w, cachedStyle.Render("engine not ready: showing cached peers"))
	}
	if len(res.Peers) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no peers"))
		return
	}
	for _, p := range res.Peers {
		mark := stateStyle("NotLoaded").Render("○")
		if p.IsOnline {
			mark = stateStyle("Ready").Render("●")
		}
		fmt.Fprintf(w, "%s %-20s %-10s share:%-3s accept:%-3s %s\n",
			mark, truncate(p.Name, 20), p.State, onOff(p.ShareToPeer), onOff(p.AcceptFromPeer), dimStyle.Render(p.DeviceID))
	}
}

func progress(t envelope.TransferUpdate) string {
	if t.BytesTotal <= 0 {
		return fmt.Sprintf("%d bytes", t.BytesDone)
	}
	return fmt.Sprintf("%3d%% of %d bytes", t.BytesDone*100/t.BytesTotal, t.BytesTotal)
}

func renderTransfers(w io.Writer, ts []envelope.TransferUpdate) {
	if len(ts) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no transfers"))
		return
	}
	for _, t := range ts {
		line := fmt.Sprintf("%-36s  %-10s  %s", t.TransferID, t.State, progress(t))
		if t.Message != "" || t.Code != "" {
			line += "  " + errorStyle.Render(strings.TrimSpace(t.Code+" "+t.Message))
		}
		fmt.Fprintln(w, line)
	}
}

var engineLevels = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "CRIT"}

func levelName(l int) string {
	if l >= 0 && l < len(engineLevels) {
		return engineLevels[l]
	}
	return fmt.Sprintf("L%d", l)
}

func levelStyle(l int) lipgloss.Style {
	switch {
	case l >= envelope.LevelError:
		return errorStyle
	case l == envelope.LevelWarn:
		return lipgloss.NewStyle().Foreground(colorYellow)
	case l == envelope.LevelInfo:
		return lipgloss.NewStyle().Foreground(colorTeal)
	default:
		return dimStyle
	}
}

func renderLogs(w io.Writer, rows []envelope.LogRow) {
	for _, r := range rows {
		ts := time.UnixMilli(r.TimeUnix).Local().Format("15:04:05.000")
		cat := r.Category
		if r.Component != "" {
			cat = r.Component + "/" + cat
		}
		fmt.Fprintf(w, "%6d %s %s %s %s\n", r.ID, dimStyle.Render(ts),
			levelStyle(r.Level).Render(fmt.Sprintf("%-5s", levelName(r.Level))), dimStyle.Render(cat), r.Message)
		if r.Exception != nil && *r.Exception != "" {
			fmt.Fprintln(w, errorStyle.Render("       "+*r.Exception))
		}
	}
}
