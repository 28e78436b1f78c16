// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package datapath

import (
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

// Steering is a stub for non-Linux systems.
type Steering struct{}

func NewSteering(queue, workers uint16, rules []Steer, logger *logging.Logger) *Steering {
	return &Steering{}
}

// Install returns an error on non-Linux systems.
func (s *Steering) Install() error {
	return errors.New(errors.KindUnavailable, "nftables steering is only supported on Linux")
}

func (s *Steering) Remove() error { return nil }
