package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sync/internal/cli"
	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/media"
)

func newImageCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Store images in several resolutions and fetch them back",
	}
	cmd.AddCommand(
		newImageCreateCmd(v),
		newImageGetCmd(v),
	)
	return cmd
}

func newImageCreateCmd(v *viper.Viper) *cobra.Command {
	var (
		groupID  string
		maxSize  int
		trusting bool
	)

	cmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Upload a PNG, JPEG or GIF image",
		Long: "Upload an image with a placeholder and downscaled copies at 256, 1024\n" +
			"and 2048 pixels. --max-size stops at that step and leaves out the original.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch maxSize {
			case 0, 256, 1024, 2048:
			default:
				return fmt.Errorf("%w: --max-size must be 256, 1024 or 2048", arcerrors.ErrInvalidInput)
			}
			data, err := os.ReadFile(args[0]) //nolint:gosec // G304: intentional CLI file read
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			opts := []media.CreateOption{media.WithMaxSize(maxSize)}
			if trusting {
				opts = append(opts, media.WithPrivacy(covalue.PrivacyTrusting))
			}

			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				var g *covalue.Group
				if groupID != "" {
					id, err := parseCoID(groupID)
					if err != nil {
						return err
					}
					if g, err = s.Group(ctx, id); err != nil {
						return err
					}
				} else if g, err = s.Node.CreateGroup(nil); err != nil {
					return err
				}

				def, err := media.CreateImage(ctx, g, data, opts...)
				if err != nil {
					return err
				}
				w, h, _ := media.OriginalSize(def)
				return out.Result("image-created", "Image created").
					With("Image", string(def.ID())).
					With("Group", string(g.ID())).
					With("Original", media.ResolutionKey(w, h)).
					With("Resolutions", media.Resolutions(def.Content(), 0)).
					Render()
			})
		},
	}
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "owning group ID")
	cmd.Flags().IntVar(&maxSize, "max-size", 0, "largest step to store (256, 1024 or 2048)")
	cmd.Flags().BoolVar(&trusting, "trusting", false, "store the image unencrypted")
	return cmd
}

func newImageGetCmd(v *viper.Viper) *cobra.Command {
	var (
		maxWidth int
		outFile  string
	)

	cmd := &cobra.Command{
		Use:   "get <image>",
		Short: "Fetch the widest resolution of an image",
		Long: "Fetch an image progressively, smallest resolution first, and write the\n" +
			"widest one within --max-width to --out.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCoID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				def, err := s.Load(ctx, id)
				if err != nil {
					return err
				}
				resolutions := media.Resolutions(def.Content(), maxWidth)
				if len(resolutions) == 0 {
					return fmt.Errorf("image %s: no resolution within %d pixels: %w", id, maxWidth, arcerrors.ErrNotFound)
				}
				target := resolutions[len(resolutions)-1]

				got := make(chan media.Progress, 1)
				stop := media.LoadImage(ctx, s.Node, id, maxWidth, func(p media.Progress) {
					if p.Resolution == target {
						got <- p
					}
				})
				defer stop()

				var p media.Progress
				select {
				case p = <-got:
				case <-ctx.Done():
					return fmt.Errorf("image %s: %w", id, arcerrors.ErrTimeout)
				}

				res := out.Result("image-loaded", "Image loaded").
					With("Image", string(id)).
					With("Resolution", p.Resolution).
					With("Type", p.MimeType).
					With("Bytes", len(p.Data))
				if outFile != "" {
					if err := os.WriteFile(outFile, p.Data, 0o600); err != nil {
						return fmt.Errorf("write image: %w", err)
					}
					res = res.With("File", outFile)
				}
				return res.Render()
			})
		},
	}
	cmd.Flags().IntVar(&maxWidth, "max-width", 0, "skip resolutions wider than this (0 for no limit)")
	cmd.Flags().StringVarP(&outFile, "out", "O", "", "file to write the image to")
	return cmd
}
