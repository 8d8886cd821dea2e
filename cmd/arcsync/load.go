package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sync/internal/cli"
)

func newLoadCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "load <id>",
		Short: "Load a CoValue and print its header, sessions and content",
		Args:  cobra.ExactArgs(1),
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
				return out.CoValue(c).Render()
			})
		},
	}
}
