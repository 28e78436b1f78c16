// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"grimm.is/bricks/internal/config"
	"grimm.is/bricks/internal/ctlplane"
	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/filter"
	"grimm.is/bricks/internal/protocol"
)

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Errorf(errors.KindValidation, "invalid filter id %q", s)
	}
	return id, nil
}

func insertCmd() *cobra.Command {
	var (
		spec  config.RuleSpec
		limit config.LimitSpec
		mod   config.ModifySpec
	)
	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Install a filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := finishSpec(spec, limit, mod).Record()
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				id, err := c.Insert(ctx, rec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
				return nil
			})
		},
	}
	ruleFlags(cmd, &spec, &limit, &mod)
	return cmd
}

func modifyCmd() *cobra.Command {
	var (
		spec  config.RuleSpec
		limit config.LimitSpec
		mod   config.ModifySpec
	)
	cmd := &cobra.Command{
		Use:   "modify [id]",
		Short: "Replace a filter by ID, or by its key when no ID is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id uint64
			if len(args) == 1 {
				var err error
				if id, err = parseID(args[0]); err != nil {
					return err
				}
			}
			rec, err := finishSpec(spec, limit, mod).Record()
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				got, err := c.Modify(ctx, id, rec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", got)
				return nil
			})
		},
	}
	ruleFlags(cmd, &spec, &limit, &mod)
	return cmd
}

func deleteCmd() *cobra.Command {
	var (
		spec  config.RuleSpec
		limit config.LimitSpec
		mod   config.ModifySpec
		byKey bool
	)
	cmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Remove a filter by ID, or by key with --key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !byKey {
				if len(args) != 1 {
					return errors.New(errors.KindValidation, "delete needs an id or --key")
				}
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
					return c.Delete(ctx, id)
				})
			}

			rec, err := keyRecord(finishSpec(spec, limit, mod))
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				id, err := c.DeleteKey(ctx, rec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
				return nil
			})
		},
	}
	ruleFlags(cmd, &spec, &limit, &mod)
	cmd.Flags().BoolVar(&byKey, "key", false, "address the filter by type, match, interface, proto and target")
	return cmd
}

// keyRecord builds a record for key lookups. Target parameters are not
// part of the key, so placeholders satisfy validation.
func keyRecord(spec config.RuleSpec) (*filter.Record, error) {
	switch spec.Target {
	case "limit":
		if spec.Limit == nil {
			spec.Limit = &config.LimitSpec{Burst: 1}
		}
	case "pkt_notify", "byte_notify":
		if spec.Threshold == 0 {
			spec.Threshold = 1
		}
	case "modify":
		if spec.Modify == nil {
			spec.Modify = &config.ModifySpec{Field: "ipv4.ttl", Value: "00"}
		}
	}
	return spec.Record()
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <id>",
		Short: "Show a filter's counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				st, err := c.Stats(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "hits %d\nbytes %d\ndrops %d\n", st.Hits, st.Bytes, st.Drops)
				return nil
			})
		},
	}
}

func applyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply -f rules.yaml",
		Short: "Install every filter in a rules file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := config.LoadRules(file)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				failed := 0
				for _, s := range specs {
					rec, err := s.Record()
					var id uint64
					if err == nil {
						id, err = c.Insert(ctx, rec)
					}
					if err != nil {
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s: %v\n", s.Describe(), protocol.StatusFor(err), err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", id, s.Describe())
				}
				if failed > 0 {
					return errors.Errorf(errors.KindValidation, "%d of %d filters failed", failed, len(specs))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rules file")
	cmd.MarkFlagRequired("file")
	return cmd
}
