package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sync/internal/cli"
	"github.com/gezibash/arc-sync/internal/keyring"
	"github.com/gezibash/arc-sync/pkg/covalue"
)

func newAccountCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
		Long: "Manage accounts. Credentials are stored in <data-dir>/keyring/ with\n" +
			"a keyring.json alias map; the account CoValue lives on the server.",
	}
	cmd.AddCommand(
		newAccountCreateCmd(v),
		newAccountListCmd(v),
		newAccountShowCmd(v),
		newAccountUseCmd(v),
		newAccountAliasCmd(v),
		newAccountDeleteCmd(v),
	)
	return cmd
}

func newAccountCreateCmd(v *viper.Viper) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create [alias]",
		Short: "Create an account and store it on the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alias := keyring.DefaultAlias
			if len(args) > 0 {
				alias = args[0]
			}
			kr, err := openKeyring(v)
			if err != nil {
				return err
			}
			if _, err := kr.Load(cmd.Context(), alias); err == nil {
				return fmt.Errorf("account alias %q already exists", alias)
			}

			n, acct, err := covalue.NewNodeWithNewAccount()
			if err != nil {
				return fmt.Errorf("create account: %w", err)
			}

			return cli.RunCommand(cmd.Context(), cli.CommandConfig{
				Viper:   v,
				Out:     cmd.OutOrStdout(),
				Session: cli.SessionOptions{Node: n},
				Run: func(ctx context.Context, s *cli.Session, out *cli.Output) error {
					if err := s.Flush(ctx); err != nil {
						return fmt.Errorf("store account on server: %w", err)
					}
					saved, err := kr.Save(ctx, acct, alias, name)
					if err != nil {
						return err
					}
					out.WithAccount(string(saved.ID()))
					res := out.Result("account-created", "Account created: "+alias).
						With("Account", string(saved.ID())).
						With("Agent", string(acct.AgentID()))
					if name != "" {
						res.With("Name", name)
					}
					return res.Render()
				},
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name kept in the keyring")
	return cmd
}

func newAccountListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kr, err := openKeyring(v)
			if err != nil {
				return err
			}
			infos, err := kr.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}

			out := output(cmd, v)
			if len(infos) == 0 && out.Format() == cli.FormatText {
				_, _ = fmt.Fprintln(out.Writer(), "No accounts found. Create one with: arcsync account create")
				return nil
			}

			t := out.Table("accounts", "Account", "Name", "Aliases", "Default")
			for _, info := range infos {
				aliases := slices.Sorted(slices.Values(info.Aliases))
				def := ""
				if info.IsDefault {
					def = "*"
				}
				t.AddRow(string(info.AccountID), info.Name, strings.Join(aliases, ", "), def)
			}
			return t.Render()
		},
	}
}

func newAccountShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show [alias|id]",
		Short: "Show a stored account (the default when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, err := openKeyring(v)
			if err != nil {
				return err
			}
			var acct *keyring.Account
			if len(args) > 0 {
				acct, err = kr.Load(cmd.Context(), args[0])
			} else {
				acct, err = kr.LoadDefault(cmd.Context())
			}
			if err != nil {
				return err
			}

			out := output(cmd, v).WithAccount(string(acct.ID()))
			kv := out.KV("account").
				Set("Account", string(acct.ID())).
				Set("Agent", string(acct.Controlled.AgentID()))
			if acct.Metadata != nil {
				if acct.Metadata.Name != "" {
					kv.Set("Name", acct.Metadata.Name)
				}
				kv.Set("Created", acct.Metadata.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return kv.Render()
		},
	}
}

func newAccountUseCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "use <alias>",
		Short: "Make an alias the default account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, err := openKeyring(v)
			if err != nil {
				return err
			}
			if err := kr.SetDefault(args[0]); err != nil {
				return err
			}
			return output(cmd, v).Result("account-default", "Default account: "+args[0]).Render()
		},
	}
}

func newAccountAliasCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "alias <alias> <account-id>",
		Short: "Point an alias at a stored account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, err := openKeyring(v)
			if err != nil {
				return err
			}
			if err := kr.SetAlias(args[0], args[1]); err != nil {
				return err
			}
			return output(cmd, v).Result("account-alias", fmt.Sprintf("Alias %s -> %s", args[0], args[1])).Render()
		},
	}
}

func newAccountDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <alias|id>",
		Short: "Forget a stored account",
		Long:  "Delete an account's credentials from the keyring. The account CoValue\nstays on the server but can no longer be acted as from this machine.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, err := openKeyring(v)
			if err != nil {
				return err
			}
			if err := kr.Delete(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, keyring.ErrAliasNotFound) {
					return fmt.Errorf("no account %q in the keyring", args[0])
				}
				return err
			}
			return output(cmd, v).Result("account-deleted", "Account deleted: "+args[0]).Render()
		},
	}
}
