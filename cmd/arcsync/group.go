package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sync/internal/cli"
	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/identity"
)

func newGroupCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create groups and manage their members",
	}
	cmd.AddCommand(
		newGroupCreateCmd(v),
		newGroupMembersCmd(v),
		newGroupAddMemberCmd(v),
		newGroupRemoveMemberCmd(v),
		newGroupInviteCmd(v),
		newGroupAcceptCmd(v),
		newGroupExtendCmd(v),
		newGroupRotateCmd(v),
	)
	return cmd
}

func newGroupCreateCmd(v *viper.Viper) *cobra.Command {
	var meta map[string]string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group administered by the current account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, func(_ context.Context, s *cli.Session, out *cli.Output) error {
				g, err := s.Node.CreateGroup(headerMeta(meta))
				if err != nil {
					return fmt.Errorf("create group: %w", err)
				}
				return out.Result("group-created", "Group created").
					With("Group", string(g.ID())).
					Render()
			})
		},
	}
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "header metadata key=value (repeatable)")
	return cmd
}

func newGroupMembersCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "members <group>",
		Short: "List a group's members and their roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCoID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				g, err := s.Group(ctx, id)
				if err != nil {
					return err
				}
				members := g.Members()
				t := out.Table("group-members", "Member", "Role", "Effective")
				for _, m := range slices.Sorted(maps.Keys(members)) {
					t.AddRow(m, string(members[m]), string(g.RoleOf(m)))
				}
				return t.Render()
			})
		},
	}
}

func newGroupAddMemberCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "add-member <group> <member> <role>",
		Short: "Give an account, agent or everyone a role in a group",
		Long: "Give a member a role. The member is an account ID, an agent ID or\n" +
			"\"everyone\". Roles: admin, writer, reader, writeOnly, revoked.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCoID(args[0])
			if err != nil {
				return err
			}
			member := strings.TrimSpace(args[1])
			role, err := parseRole(args[2])
			if err != nil {
				return err
			}
			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				g, err := s.Group(ctx, id)
				if err != nil {
					return err
				}
				if err := loadMember(ctx, s, member); err != nil {
					return err
				}
				if err := g.AddMember(member, role); err != nil {
					return fmt.Errorf("add member: %w", err)
				}
				return out.Result("group-member-added", fmt.Sprintf("%s is now %s", member, role)).
					With("Group", string(id)).
					With("Member", member).
					With("Role", string(role)).
					Render()
			})
		},
	}
}

func newGroupRemoveMemberCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-member <group> <member>",
		Short: "Revoke a member and rotate the group's read key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCoID(args[0])
			if err != nil {
				return err
			}
			member := strings.TrimSpace(args[1])
			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				g, err := s.Group(ctx, id)
				if err != nil {
					return err
				}
				if err := g.RemoveMember(member); err != nil {
					return fmt.Errorf("remove member: %w", err)
				}
				return out.Result("group-member-removed", member+" revoked").
					With("Group", string(id)).
					With("Member", member).
					Render()
			})
		},
	}
}

func newGroupInviteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "invite <group> <role>",
		Short: "Create an invite secret granting a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCoID(args[0])
			if err != nil {
				return err
			}
			role, err := parseRole(args[1])
			if err != nil {
				return err
			}
			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				g, err := s.Group(ctx, id)
				if err != nil {
					return err
				}
				secret, err := g.CreateInvite(role)
				if err != nil {
					return fmt.Errorf("create invite: %w", err)
				}
				return out.Result("group-invite", "Invite created").
					With("Group", string(id)).
					With("Role", string(role)).
					With("Secret", string(secret)).
					With("Accept", fmt.Sprintf("arcsync group accept %s <secret>", id)).
					Render()
			})
		},
	}
}

func newGroupAcceptCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <group> <secret>",
		Short: "Join a group with an invite secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCoID(args[0])
			if err != nil {
				return err
			}
			secret := identity.AgentSecret(strings.TrimSpace(args[1]))
			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				g, err := s.Group(ctx, id)
				if err != nil {
					return err
				}
				if err := covalue.AcceptInvite(ctx, s.Node, id, secret); err != nil {
					return fmt.Errorf("accept invite: %w", err)
				}
				return out.Result("group-joined", "Joined group").
					With("Group", string(id)).
					With("Role", string(g.RoleOf(s.Node.Actor().ID()))).
					Render()
			})
		},
	}
}

func newGroupExtendCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "extend <child> <parent>",
		Short: "Make a group inherit the members of a parent group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			childID, err := parseCoID(args[0])
			if err != nil {
				return err
			}
			parentID, err := parseCoID(args[1])
			if err != nil {
				return err
			}
			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				child, err := s.Group(ctx, childID)
				if err != nil {
					return err
				}
				parent, err := s.Group(ctx, parentID)
				if err != nil {
					return err
				}
				if err := child.Extend(parent); err != nil {
					return fmt.Errorf("extend: %w", err)
				}
				return out.Result("group-extended", "Group extended").
					With("Child", string(childID)).
					With("Parent", string(parentID)).
					Render()
			})
		},
	}
}

func newGroupRotateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <group>",
		Short: "Rotate a group's read key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCoID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				g, err := s.Group(ctx, id)
				if err != nil {
					return err
				}
				if err := g.RotateReadKey(); err != nil {
					return fmt.Errorf("rotate: %w", err)
				}
				return out.Result("group-rotated", "Read key rotated").
					With("Group", string(id)).
					Render()
			})
		},
	}
}

// loadMember fetches the account CoValue of an account member so its
// agent can be revealed the read key.
func loadMember(ctx context.Context, s *cli.Session, member string) error {
	switch {
	case member == covalue.EveryoneKey:
		return nil
	case covalue.IsCoID(member):
		if _, err := s.Load(ctx, covalue.CoID(member)); err != nil {
			return fmt.Errorf("load member account: %w", err)
		}
		return nil
	case identity.IsAgentID(member):
		return nil
	}
	return fmt.Errorf("%w: member %q must be an account ID, agent ID or %q", arcerrors.ErrInvalidInput, member, covalue.EveryoneKey)
}

// headerMeta converts --meta flags into header metadata.
func headerMeta(kv map[string]string) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	meta := make(map[string]any, len(kv))
	for k, v := range kv {
		meta[k] = v
	}
	return meta
}
