package clock

import (
	"sync/atomic"

	"xpdb/pkg/types"
)

// AtomicClock hands out sequence numbers. Val is the last published one.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.SeqN) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() types.SeqN {
	return ac.Load()
}

func (ac *AtomicClock) Set(t types.SeqN) {
	ac.Store(t)
}
