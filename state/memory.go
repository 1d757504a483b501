package state

import (
	"errors"
	"sync/atomic"
)

var ErrNoMemory = errors.New("rpl: memory limit reached")

// AllocOverhead is charged on top of every block to approximate allocator bookkeeping.
const AllocOverhead = 8

// Block is a charge against the RPL memory budget.
type Block struct {
	size int
}

func (b Block) Size() int {
	return b.size
}

// Memory accounts the bytes held by RPL structures. It is mutated from the
// dispatch goroutine only; the counters are atomic so that statistics
// collectors can read them concurrently.
type Memory struct {
	soft, hard int
	total      atomic.Int64
	overflows  atomic.Uint64
}

// SetLimits sets the soft and hard limits. hard == 0 means unlimited.
func (m *Memory) SetLimits(soft, hard int) {
	m.soft = soft
	m.hard = hard
}

func (m *Memory) Limits() (soft, hard int) {
	return m.soft, m.hard
}

func (m *Memory) Total() int {
	return int(m.total.Load())
}

func (m *Memory) Overflows() uint64 {
	return m.overflows.Load()
}

// Alloc charges size bytes plus overhead. It fails without charging anything
// if the hard limit would be exceeded.
func (m *Memory) Alloc(size int) (Block, bool) {
	charge := size + AllocOverhead
	if m.hard != 0 && m.Total()+charge > m.hard {
		m.overflows.Add(1)
		return Block{}, false
	}
	m.total.Add(int64(charge))
	return Block{size: charge}, true
}

// Realloc resizes a block. Growth is subject to the hard limit like Alloc.
func (m *Memory) Realloc(b Block, size int) (Block, bool) {
	charge := size + AllocOverhead
	delta := charge - b.size
	if b.size == 0 {
		return m.Alloc(size)
	}
	if delta > 0 && m.hard != 0 && m.Total()+delta > m.hard {
		m.overflows.Add(1)
		return b, false
	}
	m.total.Add(int64(delta))
	return Block{size: charge}, true
}

func (m *Memory) Free(b Block) {
	if b.size == 0 {
		return
	}
	m.total.Add(-int64(b.size))
}

// OverSoft reports whether usage exceeds the soft limit, which makes the slow
// tick purge evictable items.
func (m *Memory) OverSoft() bool {
	return m.soft != 0 && m.Total() > m.soft
}
