// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/key"
	"github.com/gogpu/vrast/internal/stage"
)

// FillsExpand is the fills-expand stage, one invocation per record. Every
// prim of the record's path becomes a rasterize command, written to the
// command list of its kind. A record whose path was never allocated is
// marked failed and expands to nothing.
func FillsExpand(m *Memory, s *Scratch) compute.Launch {
	cmds := s.Cmds.Words()
	return compute.Launch{
		Stage: stage.FillsExpand,
		Shape: stage.ForShape(stage.FillsExpand, uint32(len(s.Records))),
		Kernel: func(gid uint32) {
			rec := &s.Records[gid]
			head := m.BlockOf(rec.Path)
			if head == block.Invalid {
				atomic.StoreUint32(&s.meta(gid)[MetaStatus], statusNoPath)
				return
			}
			rec.Block = head
			m.walkPath(head, nil, func(t key.Tagged) {
				k := t.Tag()
				i := s.KindBase[k] + s.cursors[k].Add(1) - 1
				if i >= s.commands {
					s.overflow.Store(1)
					return
				}
				cmds[2*i] = gid
				cmds[2*i+1] = uint32(t)
			})
		},
		Check: func() error {
			if s.Overflowed() {
				return fmt.Errorf("%w: command list", ErrScratchOverflow)
			}
			return nil
		},
	}
}
