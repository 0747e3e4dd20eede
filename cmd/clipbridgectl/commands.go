package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"clipbridge/internal/envelope"
	"clipbridge/internal/ipc"
	"clipbridge/internal/logging"
	"clipbridge/internal/logship"
)

// withClient runs fn against a connected client and maps daemon errors to
// ExitFailure.
func withClient(opts *rootOptions, cmd *cobra.Command, what string, fn func(c *ipc.IPCClient, cmd *cobra.Command) error) error {
	c, ctx, cancel, err := opts.connect(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()
	cmd.SetContext(ctx)
	if err := fn(c, cmd); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		return WrapExitError(ExitFailure, what, err)
	}
	return nil
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and engine status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd, "status", func(c *ipc.IPCClient, cmd *cobra.Command) error {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, st, func(w io.Writer) { renderStatus(w, st) })
			})
		},
	}
}

func newDiagCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diag",
		Short: "Print engine diagnostics for support",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd, "diagnostics", func(c *ipc.IPCClient, cmd *cobra.Command) error {
				d, err := c.Diagnostics(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, d.Diagnostics, func(w io.Writer) { renderDiagnostics(w, d) })
			})
		},
	}
}

type historyOptions struct {
	Limit  int
	Cursor int64
	Filter string
	Kind   string
	Device string
}

func (o historyOptions) query() envelope.HistoryQuery {
	q := envelope.HistoryQuery{Limit: o.Limit}
	if o.Cursor > 0 {
		c := o.Cursor
		q.Cursor = &c
	}
	if o.Filter != "" || o.Kind != "" || o.Device != "" {
		q.Filter = &envelope.HistoryFilter{FilterText: o.Filter, Kind: o.Kind, DeviceID: o.Device}
	}
	return q
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	ho := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List clipboard history, newest first",
		Example: `  clipbridgectl history --limit 50
  clipbridgectl history --filter invoice --kind text
  clipbridgectl history --cursor 1718000000000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ho.Limit < 0 {
				return WrapExitError(ExitCommandError, "invalid --limit", fmt.Errorf("%d", ho.Limit))
			}
			return withClient(opts, cmd, "history", func(c *ipc.IPCClient, cmd *cobra.Command) error {
				res, err := c.History(cmd.Context(), ho.query())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) { renderHistory(w, res) })
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&ho.Limit, "limit", "n", envelope.DefaultHistoryLimit, "page size")
	f.Int64Var(&ho.Cursor, "cursor", 0, "continue from a previous page's cursor")
	f.StringVar(&ho.Filter, "filter", "", "text to search for")
	f.StringVar(&ho.Kind, "kind", "", "only items of this kind (text|image|file)")
	f.StringVar(&ho.Device, "device", "", "only items from this device id")
	return cmd
}

func newPeersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List known peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd, "peers", func(c *ipc.IPCClient, cmd *cobra.Command) error {
				res, err := c.Peers(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) { renderPeers(w, res) })
			})
		},
	}
}

func newTransfersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transfers",
		Short: "List content transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd, "transfers", func(c *ipc.IPCClient, cmd *cobra.Command) error {
				ts, err := c.Transfers(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, ts, func(w io.Writer) { renderTransfers(w, ts) })
			})
		},
	}
}

func newFetchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <item-id>",
		Short: "Download an item and put it on the clipboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd, "fetch", func(c *ipc.IPCClient, cmd *cobra.Command) error {
				res, err := c.Fetch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) {
					if res.Applied {
						fmt.Fprintf(w, "applied %s to the clipboard\n", args[0])
					} else {
						fmt.Fprintf(w, "cached %s (not text; clipboard unchanged)\n", args[0])
					}
					if res.Ref.LocalPath != "" {
						fmt.Fprintln(w, dimStyle.Render(res.Ref.LocalPath))
					}
				})
			})
		},
	}
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <transfer-id>",
		Short: "Cancel a content transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd, "cancel", func(c *ipc.IPCClient, cmd *cobra.Command) error {
				if err := c.CancelTransfer(cmd.Context(), args[0]); err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, map[string]string{"cancelled": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "cancelled %s\n", args[0])
				})
			})
		},
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func newCaptureCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "capture on|off",
		Short:     "Turn local clipboard capture on or off",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "capture", err)
			}
			return withClient(opts, cmd, "capture", func(c *ipc.IPCClient, cmd *cobra.Command) error {
				now, err := c.SetCapture(cmd.Context(), on)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, map[string]bool{"capture": now}, func(w io.Writer) {
					fmt.Fprintf(w, "capture %s\n", onOff(now))
				})
			})
		},
	}
}

type logsOptions struct {
	After int64
	Level string
	Like  string
	Limit int
}

func (o logsOptions) query() (envelope.LogQuery, error) {
	q := envelope.LogQuery{AfterID: o.After, Like: o.Like, Limit: o.Limit}
	if o.Level != "" {
		lvl, err := logging.ParseLevel(o.Level)
		if err != nil {
			return q, err
		}
		q.LevelMin = logship.EngineLevel(lvl)
	}
	return q, nil
}

func newLogsCommand(opts *rootOptions) *cobra.Command {
	lo := &logsOptions{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Read the engine's log store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := lo.query()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --level", err)
			}
			return withClient(opts, cmd, "logs", func(c *ipc.IPCClient, cmd *cobra.Command) error {
				rows, err := c.Logs(cmd.Context(), q)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, rows, func(w io.Writer) { renderLogs(w, rows) })
			})
		},
	}
	f := cmd.Flags()
	f.Int64Var(&lo.After, "after", 0, "only rows with an id above this")
	f.StringVar(&lo.Level, "level", "", "minimum level (trace|debug|info|warn|error)")
	f.StringVar(&lo.Like, "like", "", "only messages containing this text")
	f.IntVarP(&lo.Limit, "limit", "n", 200, "maximum rows")
	return cmd
}

func newReinitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reinit",
		Short: "Shut the engine down and initialize it again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd, "reinit", func(c *ipc.IPCClient, cmd *cobra.Command) error {
				res, err := c.Reinitialize(cmd.Context())
				if err != nil {
					return err
				}
				if err := emit(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) {
					fmt.Fprintf(w, "engine %s\n", stateStyle(res.State).Render(res.State))
					if res.Error != "" {
						fmt.Fprintln(w, errorStyle.Render(res.Error))
					}
				}); err != nil {
					return err
				}
				if res.Error != "" {
					return &ExitError{Code: ExitFailure, Message: "engine degraded"}
				}
				return nil
			})
		},
	}
}
