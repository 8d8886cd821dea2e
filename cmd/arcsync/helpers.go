package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sync/internal/cli"
	"github.com/gezibash/arc-sync/internal/config"
	"github.com/gezibash/arc-sync/internal/keyring"
	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

func baseConfig(v *viper.Viper) (config.BaseConfig, error) {
	var cfg config.BaseConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func openKeyring(v *viper.Viper) (*keyring.Keyring, error) {
	cfg, err := baseConfig(v)
	if err != nil {
		return nil, err
	}
	return keyring.New(cfg.KeyringDir()), nil
}

func output(cmd *cobra.Command, v *viper.Viper) *cli.Output {
	return cli.NewOutput(cli.ParseFormat(v.GetString("output")), cmd.OutOrStdout())
}

// run executes fn in a session acting as the configured account.
func run(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, s *cli.Session, out *cli.Output) error) error {
	return cli.RunCommand(cmd.Context(), cli.CommandConfig{
		Viper: v,
		Out:   cmd.OutOrStdout(),
		Run:   fn,
	})
}

func parseCoID(s string) (covalue.CoID, error) {
	s = strings.TrimSpace(s)
	if !covalue.IsCoID(s) {
		return "", fmt.Errorf("%w: %q is not a CoValue ID", arcerrors.ErrInvalidInput, s)
	}
	return covalue.CoID(s), nil
}

// parseRole accepts the roles a member can be given directly.
func parseRole(s string) (covalue.Role, error) {
	r := covalue.Role(strings.TrimSpace(s))
	switch r {
	case covalue.RoleAdmin, covalue.RoleWriter, covalue.RoleReader, covalue.RoleWriteOnly, covalue.RoleRevoked:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q (admin, writer, reader, writeOnly, revoked)", arcerrors.ErrInvalidInput, s)
}
