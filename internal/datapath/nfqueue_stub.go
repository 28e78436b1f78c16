// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package datapath

import (
	"context"
	"fmt"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/logging"
)

// NFQueueOptions configures one NFQUEUE binding.
type NFQueueOptions struct {
	Queue        uint16
	MaxQueueLen  uint32
	MaxPacketLen uint32
	FailOpen     bool
	Logger       *logging.Logger
}

// NFQueueSource is a stub for non-Linux systems.
type NFQueueSource struct {
	opts NFQueueOptions
}

// OpenNFQueue returns an error on non-Linux systems.
func OpenNFQueue(opts NFQueueOptions) (*NFQueueSource, error) {
	return nil, errors.New(errors.KindUnavailable, "nfqueue is only supported on Linux")
}

func (s *NFQueueSource) Name() string { return fmt.Sprintf("nfqueue/%d", s.opts.Queue) }

func (s *NFQueueSource) Run(ctx context.Context, h Handler) error {
	return errors.New(errors.KindUnavailable, "nfqueue is only supported on Linux")
}

func (s *NFQueueSource) Close() error { return nil }
