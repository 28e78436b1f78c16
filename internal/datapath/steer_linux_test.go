// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package datapath

import (
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bricks/internal/testutil"
)

func TestSteering_RuleExprs(t *testing.T) {
	s := NewSteering(10, 4, nil, nil)

	exprs := s.ruleExprs(Steer{Interface: "eth0", Bypass: true})
	require.Len(t, exprs, 3)

	meta := exprs[0].(*expr.Meta)
	assert.Equal(t, expr.MetaKeyIIFNAME, meta.Key)

	cmp := exprs[1].(*expr.Cmp)
	assert.Len(t, cmp.Data, 16)
	assert.Equal(t, "eth0", string(cmp.Data[:4]))
	assert.Zero(t, cmp.Data[4])

	q := exprs[2].(*expr.Queue)
	assert.Equal(t, uint16(10), q.Num)
	assert.Equal(t, uint16(4), q.Total)
	assert.Equal(t, expr.QueueFlagBypass|expr.QueueFlagFanout, q.Flag)

	out := NewSteering(0, 1, nil, nil).ruleExprs(Steer{Interface: "wan", Hook: "output"})
	assert.Equal(t, expr.MetaKeyOIFNAME, out[0].(*expr.Meta).Key)
	assert.Zero(t, out[2].(*expr.Queue).Flag)
}

func TestChainHook(t *testing.T) {
	h, err := chainHook("")
	require.NoError(t, err)
	assert.Equal(t, nftables.ChainHookPrerouting, h)

	h, err = chainHook("FORWARD")
	require.NoError(t, err)
	assert.Equal(t, nftables.ChainHookForward, h)

	_, err = chainHook("postrouting")
	assert.Error(t, err)
}

func TestSteering_InstallRequiresVM(t *testing.T) {
	testutil.RequireVM(t)

	s := NewSteering(4242, 1, []Steer{{Interface: "lo", Bypass: true}}, nil)
	require.NoError(t, s.Install())
	assert.NoError(t, s.Remove())
}
