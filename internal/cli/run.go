package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/automaton/internal/config"
	"github.com/roach88/automaton/internal/playback"
	"github.com/roach88/automaton/internal/score"
	"github.com/roach88/automaton/internal/transport"
)

// NewRunCommand creates the run command: live playback of a composition.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		configSource string
		sectionID    string
		role         string
		player       int
		localOnly    bool
	)

	cmd := &cobra.Command{
		Use:   "run <composition.yaml>",
		Short: "Play a composition",
		Long: `Load a composition and play it, broadcasting beats, section changes,
and events to connected displays over the relay. Runs until the
composition is stopped with SIGINT or SIGTERM.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{
				Format:    rootOpts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Verbose:   rootOpts.Verbose,
			}

			comp, warnings, err := score.Load(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "load composition", err)
			}
			for _, w := range warnings {
				formatter.VerboseLog("warning: %s: %s", w.Field, w.Message)
			}

			cfg, _ := config.Load(configSource)
			messenger := buildMessenger(cfg, role, player, localOnly, formatter)
			defer messenger.Close()

			ctrl, err := playback.New(comp, playback.Options{Messenger: messenger})
			if err != nil {
				return WrapExitError(ExitCommandError, "build controller", err)
			}
			wireRemoteControl(messenger, ctrl)

			if err := ctrl.Play(sectionID); err != nil {
				return WrapExitError(ExitFailure, "start playback", err)
			}
			formatter.VerboseLog("playing %q", comp.Title)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			ctrl.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&configSource, "config", "", "runtime config file or URL")
	cmd.Flags().StringVar(&sectionID, "section", "", "section to start from (default first)")
	cmd.Flags().StringVar(&role, "role", "conductor", "role announced to peers")
	cmd.Flags().IntVar(&player, "player", 0, "player number, for performer roles")
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "disable the relay connection")
	return cmd
}

func buildMessenger(cfg config.Config, role string, player int, localOnly bool, formatter *OutputFormatter) *transport.Messenger {
	var bus *transport.Bus
	if cfg.EnableLocalBroadcast {
		bus = transport.NewBus()
	}

	var ws *transport.WSClient
	if cfg.EnableRemoteSync && !localOnly {
		url := transport.RelayURL(cfg.WebSocketHost, cfg.WebSocketPort, cfg.WebSocketPath, role, player)
		ws = transport.NewWSClient(url)
		go ws.Run()
	}

	identity := transport.Identity{Role: role, PlayerNumber: player}
	return transport.NewMessenger(identity, bus, ws,
		transport.WithStatusFunc(func(s transport.Status) {
			formatter.VerboseLog("transport: websocket=%s attempts=%d", s.WebSocket, s.ReconnectAttempts)
		}))
}

// wireRemoteControl lets a remote conductor resolve trigger-wait and
// conductor-cue events: cue messages whose action names the signal.
func wireRemoteControl(m *transport.Messenger, ctrl *playback.Controller) {
	m.OnMessage(func(msg transport.Message) {
		if msg.Type != transport.TypeCue {
			return
		}
		payload, err := transport.DecodePayload(msg)
		if err != nil {
			return
		}
		p := payload.(transport.EventPayload)
		switch p.Action {
		case "trigger":
			ctrl.Trigger(p.Target)
		case "conductor-cue":
			ctrl.ConductorCue(p.Target)
		}
	})
}
