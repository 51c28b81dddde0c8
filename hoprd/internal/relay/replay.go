// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"crypto/rand"
	"sync"

	"github.com/yawning/bloom"
)

// replayFilter remembers recently seen packet IDs.  Two generations of
// bloom filters rotate as the active one fills, so memory stays bounded
// while the detection window covers at least a full generation.
type replayFilter struct {
	sync.Mutex

	cur  *bloom.Filter
	prev *bloom.Filter

	mLn2 int
	p    float64
}

func newReplayFilter(mLn2 int, p float64) (*replayFilter, error) {
	f, err := bloom.New(rand.Reader, mLn2, p)
	if err != nil {
		return nil, err
	}
	return &replayFilter{cur: f, mLn2: mLn2, p: p}, nil
}

// isReplay marks the packet ID as seen and returns true iff it was seen
// before.
func (f *replayFilter) isReplay(id [16]byte) bool {
	f.Lock()
	defer f.Unlock()

	if f.prev != nil && f.prev.Test(id[:]) {
		return true
	}
	if f.cur.TestAndSet(id[:]) {
		return true
	}
	if f.cur.Entries() >= f.cur.MaxEntries() {
		next, err := bloom.New(rand.Reader, f.mLn2, f.p)
		if err == nil {
			f.prev, f.cur = f.cur, next
		}
	}
	return false
}
