// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command bricksctl manages the filters of a running bricksd over the
// binary control protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/bricks/internal/config"
	"grimm.is/bricks/internal/ctlplane"
)

var (
	addr    string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "bricksctl",
	Short:         "Manage bricksd filters.",
	Long:          `bricksctl installs, modifies, deletes and inspects filters on a running bricksd.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "127.0.0.1:1111", "control-plane address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(insertCmd())
	rootCmd.AddCommand(modifyCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(applyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bricksctl: %v\n", err)
		os.Exit(1)
	}
}

// withClient dials the daemon and runs fn under the request timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ctlplane.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := ctlplane.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// ruleFlags binds the filter description flags shared by insert, modify
// and delete --key.
func ruleFlags(cmd *cobra.Command, spec *config.RuleSpec, limit *config.LimitSpec, mod *config.ModifySpec) {
	f := cmd.Flags()
	f.StringVarP(&spec.Interface, "iface", "i", "", "interface the filter applies to (empty = all)")
	f.StringVarP(&spec.Type, "type", "t", "", "filter type: none, connection, flow, ip, mac")
	f.StringVarP(&spec.Target, "target", "j", "", "target: modify, drop, share, copy, write, limit, pkt_notify, byte_notify, whitelist")
	f.StringVar(&spec.MAC, "mac", "", "MAC address (mac filters)")
	f.StringVar(&spec.IP, "ip", "", "address or IPv4 prefix (ip filters)")
	f.StringVar(&spec.Src, "src", "", "source address (connection filters)")
	f.StringVar(&spec.Dst, "dst", "", "destination address (connection filters)")
	f.Uint16Var(&spec.SrcPort, "sport", 0, "source port")
	f.Uint16Var(&spec.DstPort, "dport", 0, "destination port")
	f.StringVarP(&spec.Proto, "proto", "p", "", "IP protocol: tcp, udp, icmp or a number")
	f.StringVar(&spec.Start, "start", "", "start time (RFC 3339, default now)")
	f.StringVarP(&spec.Duration, "duration", "d", "", "lifetime, e.g. 60s (default open-ended)")
	f.Uint32Var(&limit.Burst, "burst", 0, "limit: bucket size")
	f.Uint32Var(&limit.Rate, "rate", 0, "limit: refill in packets per second")
	f.Uint64Var(&spec.Threshold, "threshold", 0, "notify: packet or byte threshold")
	f.BoolVar(&spec.NotifyReset, "reset", false, "notify: restart counting after each notification")
	f.StringVar(&mod.Field, "field", "", "modify: field selector, e.g. tcp.dstport")
	f.StringVar(&mod.Value, "value", "", "modify: hex value")
}

// finishSpec attaches the optional parameter blocks that were set.
func finishSpec(spec config.RuleSpec, limit config.LimitSpec, mod config.ModifySpec) config.RuleSpec {
	if limit.Burst != 0 || limit.Rate != 0 {
		spec.Limit = &limit
	}
	if mod.Field != "" {
		spec.Modify = &mod
	}
	return spec
}
