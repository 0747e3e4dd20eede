// clipbridged runs the clipboard bridge: it loads the sync engine, mirrors
// its history and peers, captures local copies and serves clipbridgectl
// over a local socket.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clipbridge/internal/config"
)

// Version is set at build time.
var Version = "dev"

type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "clipbridged",
		Short:         "ClipBridge clipboard sync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts.ConfigPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (default: platform config dir)")

	cmd.AddCommand(newCheckConfigCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "clipbridged", Version)
		},
	})
	return cmd
}

func newCheckConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ConfigPath
			if path == "" {
				path = config.ConfigPath()
			}
			cfg, err := config.NewLoader(path).Load()
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, v := range verrs {
						fmt.Fprintln(cmd.ErrOrStderr(), v.Error())
					}
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (version %d)\n", path, cfg.Version)
			fmt.Fprintf(out, "  engine library: %s\n", describeLibrary(cfg))
			fmt.Fprintf(out, "  core data dir:  %s\n", cfg.CoreDataDir())
			fmt.Fprintf(out, "  ipc socket:     %s\n", cfg.IPC.SocketPath)
			return nil
		},
	}
}

func describeLibrary(cfg *config.Config) string {
	path, err := cfg.Locator().Locate()
	if err != nil {
		return "not found (" + err.Error() + ")"
	}
	return path
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clipbridged:", err)
		os.Exit(1)
	}
}
