package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sync/cmd/arcsync/tui"
	"github.com/gezibash/arc-sync/internal/cli"
	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a CoValue as it changes",
		Long: "Follow a CoValue as it changes. On a terminal this opens a live view;\n" +
			"otherwise, or with --plain, every change is printed as it arrives.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCoID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				c, err := s.Load(ctx, id)
				if err != nil {
					return err
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				updates, unsubscribe := tui.Subscribe(c)
				defer unsubscribe()

				connected := func() bool {
					select {
					case <-s.Peer.Done():
						return false
					default:
						return true
					}
				}

				if !plain && out.Format() == cli.FormatText && isTerminal(out.Writer()) {
					return tui.Run(tui.NewWatchModel(c, updates, connected))
				}
				return watchPlain(ctx, c, updates, s.Peer.Done(), out)
			})
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print changes instead of opening the live view")
	return cmd
}

// watchPlain prints the CoValue once, then every change until ctx ends
// or the server goes away. Text output prints one line per changed key;
// other formats re-render the whole CoValue.
func watchPlain(ctx context.Context, c *covalue.Core, updates <-chan struct{}, disconnected <-chan struct{}, out *cli.Output) error {
	if err := out.CoValue(c).Render(); err != nil {
		return err
	}
	prev := tui.TakeSnapshot(c)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-disconnected:
			return fmt.Errorf("watch %s: %w", c.ID(), arcerrors.ErrNotConnected)
		case <-updates:
		}

		next := tui.TakeSnapshot(c)
		changed := tui.ChangedKeys(prev.Content, next.Content)
		prev = next
		if len(changed) == 0 {
			continue
		}
		if out.Format() != cli.FormatText {
			if err := out.CoValue(c).Render(); err != nil {
				return err
			}
			continue
		}
		stamp := next.At.Format(time.TimeOnly)
		for _, k := range changed {
			if _, err := fmt.Fprintf(out.Writer(), "%s %s = %s\n", stamp, k, cli.FormatValue(next.Content[k])); err != nil {
				return err
			}
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
