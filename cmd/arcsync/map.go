package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"github.com/gezibash/arc-sync/internal/cli"
	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

func newMapCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Create, write and read CoMaps",
	}
	cmd.AddCommand(
		newMapCreateCmd(v),
		newMapSetCmd(v),
		newMapGetCmd(v),
	)
	return cmd
}

func newMapCreateCmd(v *viper.Viper) *cobra.Command {
	var (
		groupID string
		meta    map[string]string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a map owned by a group",
		Long:  "Create a map owned by --group, or by a new group administered by the\ncurrent account when --group is omitted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				var (
					g   *covalue.Group
					err error
				)
				if groupID != "" {
					id, perr := parseCoID(groupID)
					if perr != nil {
						return perr
					}
					g, err = s.Group(ctx, id)
				} else {
					g, err = s.Node.CreateGroup(nil)
				}
				if err != nil {
					return err
				}
				c, err := g.CreateMap(headerMeta(meta))
				if err != nil {
					return fmt.Errorf("create map: %w", err)
				}
				return out.Result("map-created", "Map created").
					With("Map", string(c.ID())).
					With("Group", string(g.ID())).
					Render()
			})
		},
	}
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "owning group ID")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "header metadata key=value (repeatable)")
	return cmd
}

func newMapSetCmd(v *viper.Viper) *cobra.Command {
	var (
		private bool
		asJSON  bool
		file    string
	)

	cmd := &cobra.Command{
		Use:   "set <map> [key value]",
		Short: "Write keys to a map",
		Long: "Write one key, or every key of a JSON object read from --file (comments\n" +
			"and trailing commas allowed). All keys go into a single transaction.",
		Args: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCoID(args[0])
			if err != nil {
				return err
			}

			var changes []covalue.Change
			if file != "" {
				changes, err = changesFromFile(file)
			} else {
				changes, err = changeFromArgs(args[1], args[2], asJSON)
			}
			if err != nil {
				return err
			}

			privacy := covalue.PrivacyTrusting
			if private {
				privacy = covalue.PrivacyPrivate
			}

			return run(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				c, err := s.Load(ctx, id)
				if err != nil {
					return err
				}
				txID := c.NextTransactionID()
				if err := c.MakeTransaction(changes, privacy); err != nil {
					return fmt.Errorf("write: %w", err)
				}
				if !accepted(c, changes[0].Key, txID) {
					return fmt.Errorf("%w: account cannot write to %s", arcerrors.ErrPermission, id)
				}
				keys := make([]string, 0, len(changes))
				for _, ch := range changes {
					keys = append(keys, ch.Key)
				}
				return out.Result("map-set", fmt.Sprintf("Wrote %d key(s)", len(changes))).
					With("Map", string(id)).
					With("Keys", keys).
					With("Privacy", string(privacy)).
					Render()
			})
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "encrypt the transaction with the group's read key")
	cmd.Flags().BoolVar(&asJSON, "json", false, "parse value as JSON instead of a plain string")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON object of keys to write (.json or .jsonc)")
	return cmd
}

func newMapGetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "get <map> [key]",
		Short: "Read a map, or one key of it",
		Args:  cobra.RangeArgs(1, 2),
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
				content := c.Content()
				if len(args) == 1 {
					kv := out.KV("map")
					for _, k := range content.Keys() {
						val, _ := content.Get(k)
						kv.Set(k, cli.FormatValue(val))
					}
					return kv.Render()
				}
				val, ok := content.Get(args[1])
				if !ok {
					return fmt.Errorf("key %q: %w", args[1], arcerrors.ErrNotFound)
				}
				if out.Format() == cli.FormatText {
					_, err := fmt.Fprintln(out.Writer(), cli.FormatValue(val))
					return err
				}
				return out.KV("map-key").Set(args[1], val).Render()
			})
		},
	}
}

// accepted reports whether the transaction at txID made it into key's
// materialized history.
func accepted(c *covalue.Core, key string, txID covalue.TransactionID) bool {
	for _, op := range c.Content().History(key) {
		if op.TxID == txID {
			return true
		}
	}
	return false
}

func changeFromArgs(key, raw string, asJSON bool) ([]covalue.Change, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", arcerrors.ErrInvalidInput)
	}
	if !asJSON {
		return []covalue.Change{covalue.Set(key, raw)}, nil
	}
	val, err := decodeJSON([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: value for %q: %w", arcerrors.ErrInvalidInput, key, err)
	}
	return []covalue.Change{covalue.Set(key, val)}, nil
}

// changesFromFile reads a JSON or JSONC object and returns one change
// per key, in key order.
func changesFromFile(path string) ([]covalue.Change, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	val, err := decodeJSON(jsonc.ToJSON(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", arcerrors.ErrInvalidInput, path, err)
	}
	obj, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: top level must be an object", arcerrors.ErrInvalidInput, path)
	}
	if len(obj) == 0 {
		return nil, fmt.Errorf("%w: %s: no keys", arcerrors.ErrInvalidInput, path)
	}
	changes := make([]covalue.Change, 0, len(obj))
	for _, k := range slices.Sorted(maps.Keys(obj)) {
		changes = append(changes, covalue.Set(k, obj[k]))
	}
	return changes, nil
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var val any
	if err := dec.Decode(&val); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return normalizeNumbers(val), nil
}

// normalizeNumbers turns whole floats into int64 so integers keep their
// type in the transaction encoding.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	}
	return v
}
