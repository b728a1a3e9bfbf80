package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/automaton/internal/relay"
)

// NewRelayCommand creates the relay command, serving the WebSocket
// rendezvous point for a performance.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		port int
		path string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the performance message relay",
		Long: `Run the WebSocket relay that engines and remote displays connect to.
Each received message is rebroadcast to every other connected client.
Stops cleanly on SIGINT or SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := relay.New(path)
			addr := fmt.Sprintf(":%d", port)
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				return WrapExitError(ExitCommandError, "relay", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", relay.DefaultPort, "listen port")
	cmd.Flags().StringVar(&path, "path", relay.DefaultPath, "WebSocket endpoint path")
	return cmd
}
