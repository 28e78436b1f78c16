// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package datapath

import (
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/logging"
)

// SteerTable is the nftables table owning the queue rules.
const SteerTable = "bricks"

// Steer describes an interface whose traffic is queued to the workers.
type Steer struct {
	Interface string
	Hook      string
	Bypass    bool
}

// Steering installs and removes the nftables queue rules.
type Steering struct {
	queue   uint16
	workers uint16
	rules   []Steer
	logger  *logging.Logger
}

// NewSteering queues each rule's traffic to queues [queue, queue+workers).
func NewSteering(queue, workers uint16, rules []Steer, logger *logging.Logger) *Steering {
	if workers == 0 {
		workers = 1
	}
	if logger == nil {
		logger = logging.WithComponent("steer")
	}
	return &Steering{queue: queue, workers: workers, rules: rules, logger: logger}
}

func chainHook(hook string) (*nftables.ChainHook, error) {
	switch strings.ToLower(hook) {
	case "", "prerouting":
		return nftables.ChainHookPrerouting, nil
	case "input":
		return nftables.ChainHookInput, nil
	case "forward":
		return nftables.ChainHookForward, nil
	case "output":
		return nftables.ChainHookOutput, nil
	default:
		return nil, errors.Errorf(errors.KindValidation, "unknown hook %q", hook)
	}
}

func ifnameBytes(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

// ruleExprs matches the interface and queues the packet. Output hooks
// match the outgoing interface.
func (s *Steering) ruleExprs(r Steer) []expr.Any {
	key := expr.MetaKeyIIFNAME
	if strings.EqualFold(r.Hook, "output") {
		key = expr.MetaKeyOIFNAME
	}
	var flag expr.QueueFlag
	if s.workers > 1 {
		flag |= expr.QueueFlagFanout
	}
	if r.Bypass {
		flag |= expr.QueueFlagBypass
	}
	return []expr.Any{
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameBytes(r.Interface)},
		&expr.Queue{Num: s.queue, Total: s.workers, Flag: flag},
	}
}

// Install replaces the steering table with the configured rules.
func (s *Steering) Install() error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "open nftables")
	}

	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: SteerTable}
	// Adding then deleting makes the delete succeed whether or not the
	// table exists; both land in the same batch.
	conn.AddTable(table)
	conn.DelTable(table)
	table = conn.AddTable(table)

	chains := make(map[string]*nftables.Chain)
	for _, r := range s.rules {
		hookName := strings.ToLower(r.Hook)
		if hookName == "" {
			hookName = "prerouting"
		}
		chain, ok := chains[hookName]
		if !ok {
			hook, err := chainHook(hookName)
			if err != nil {
				return err
			}
			chain = conn.AddChain(&nftables.Chain{
				Name:     hookName,
				Table:    table,
				Type:     nftables.ChainTypeFilter,
				Hooknum:  hook,
				Priority: nftables.ChainPriorityFilter,
			})
			chains[hookName] = chain
		}
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: s.ruleExprs(r)})
	}

	if err := conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "install steering rules")
	}
	s.logger.Info("steering installed", "rules", len(s.rules), "queue", s.queue, "workers", s.workers)
	return nil
}

// Remove deletes the steering table.
func (s *Steering) Remove() error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "open nftables")
	}
	conn.DelTable(&nftables.Table{Family: nftables.TableFamilyINet, Name: SteerTable})
	if err := conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "remove steering rules")
	}
	return nil
}
