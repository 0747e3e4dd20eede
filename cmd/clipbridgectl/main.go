// clipbridgectl talks to a running clipbridged over its local socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"clipbridge/internal/config"
	"clipbridge/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

type rootOptions struct {
	ConfigPath string
	Socket     string
	Format     string
	Timeout    time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "clipbridgectl",
		Short: "Control a running clipbridged",
		Long: `clipbridgectl queries and drives the ClipBridge daemon.

While the sync engine is degraded, history and peers are served from the
daemon's local cache and marked as cached.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError, "invalid format", fmt.Errorf("%q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "daemon config file used to find the socket")
	pf.StringVar(&opts.Socket, "socket", "", "daemon socket path (overrides the config)")
	pf.StringVar(&opts.Format, "format", "text", "output format (text|json)")
	pf.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(
		newStatusCommand(opts),
		newDiagCommand(opts),
		newHistoryCommand(opts),
		newPeersCommand(opts),
		newTransfersCommand(opts),
		newFetchCommand(opts),
		newCancelCommand(opts),
		newCaptureCommand(opts),
		newLogsCommand(opts),
		newReinitCommand(opts),
		newWatchCommand(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the client version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "clipbridgectl", Version)
			},
		},
	)
	return cmd
}

func (o *rootOptions) socketPath() (string, error) {
	if o.Socket != "" {
		return o.Socket, nil
	}
	path := o.ConfigPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg.IPC.SocketPath, nil
}

// connect dials the daemon. The returned context carries the request
// timeout.
func (o *rootOptions) connect(cmd *cobra.Command) (*ipc.IPCClient, context.Context, context.CancelFunc, error) {
	socket, err := o.socketPath()
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)

	cfg := ipc.DefaultClientConfig(socket)
	cfg.ClientVersion = Version
	cfg.RequestTimeout = o.Timeout
	c, err := ipc.Dial(ctx, cfg)
	if err != nil {
		cancel()
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, nil, nil, WrapExitError(ExitNotRunning, "clipbridged is not running", err)
		}
		return nil, nil, nil, WrapExitError(ExitFailure, "connect", err)
	}
	return c, ctx, cancel, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clipbridgectl:", err)
		os.Exit(GetExitCode(err))
	}
}
