package state

import (
	"sync/atomic"

	"github.com/encodeous/rpl/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats counts protocol events. Counters are written by the dispatch goroutine
// and collected by prometheus from any goroutine.
type Stats struct {
	Malformed      atomic.Uint64
	PolicyRejected atomic.Uint64
	DaoAckTimeouts atomic.Uint64
	DaoNacks       atomic.Uint64
	ParentDrops    atomic.Uint64
	CycleBreaks    atomic.Uint64
	Purged         atomic.Uint64
	Rx             [4]atomic.Uint64 // indexed by control message code
	Tx             [4]atomic.Uint64

	mem *Memory

	malformedDesc *prometheus.Desc
	rejectedDesc  *prometheus.Desc
	timeoutDesc   *prometheus.Desc
	nackDesc      *prometheus.Desc
	dropDesc      *prometheus.Desc
	cycleDesc     *prometheus.Desc
	purgedDesc    *prometheus.Desc
	rxDesc        *prometheus.Desc
	txDesc        *prometheus.Desc
	memDesc       *prometheus.Desc
	overflowDesc  *prometheus.Desc
}

func NewStats(mem *Memory) *Stats {
	return &Stats{
		mem:           mem,
		malformedDesc: prometheus.NewDesc("rpl_malformed_messages_total", "RPL messages dropped as malformed.", nil, nil),
		rejectedDesc:  prometheus.NewDesc("rpl_policy_rejected_total", "DIOs rejected by policy.", nil, nil),
		timeoutDesc:   prometheus.NewDesc("rpl_dao_ack_timeouts_total", "DAO-ACKs that never arrived.", nil, nil),
		nackDesc:      prometheus.NewDesc("rpl_dao_nacks_total", "DAO-ACKs with a rejecting status.", nil, nil),
		dropDesc:      prometheus.NewDesc("rpl_parent_drops_total", "Parents dropped after exhausting DAO retries.", nil, nil),
		cycleDesc:     prometheus.NewDesc("rpl_root_cycle_breaks_total", "Edges cut to break loops in the root graph.", nil, nil),
		purgedDesc:    prometheus.NewDesc("rpl_purged_items_total", "Items released by memory purge.", nil, nil),
		rxDesc:        prometheus.NewDesc("rpl_rx_messages_total", "RPL control messages received.", []string{"type"}, nil),
		txDesc:        prometheus.NewDesc("rpl_tx_messages_total", "RPL control messages sent.", []string{"type"}, nil),
		memDesc:       prometheus.NewDesc("rpl_memory_bytes", "Bytes accounted to RPL structures.", nil, nil),
		overflowDesc:  prometheus.NewDesc("rpl_memory_overflows_total", "Allocations refused by the hard limit.", nil, nil),
	}
}

var codeNames = [4]string{"dis", "dio", "dao", "dao-ack"}

func (s *Stats) CountRx(code uint8) {
	if int(code) < len(s.Rx) {
		s.Rx[code].Add(1)
	}
}

func (s *Stats) CountTx(m protocol.Message) {
	code := m.Code()
	if int(code) < len(s.Tx) {
		s.Tx[code].Add(1)
	}
}

func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.malformedDesc
	ch <- s.rejectedDesc
	ch <- s.timeoutDesc
	ch <- s.nackDesc
	ch <- s.dropDesc
	ch <- s.cycleDesc
	ch <- s.purgedDesc
	ch <- s.rxDesc
	ch <- s.txDesc
	ch <- s.memDesc
	ch <- s.overflowDesc
}

func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(s.malformedDesc, s.Malformed.Load())
	counter(s.rejectedDesc, s.PolicyRejected.Load())
	counter(s.timeoutDesc, s.DaoAckTimeouts.Load())
	counter(s.nackDesc, s.DaoNacks.Load())
	counter(s.dropDesc, s.ParentDrops.Load())
	counter(s.cycleDesc, s.CycleBreaks.Load())
	counter(s.purgedDesc, s.Purged.Load())
	for i, name := range codeNames {
		counter(s.rxDesc, s.Rx[i].Load(), name)
		counter(s.txDesc, s.Tx[i].Load(), name)
	}
	ch <- prometheus.MustNewConstMetric(s.memDesc, prometheus.GaugeValue, float64(s.mem.Total()))
	counter(s.overflowDesc, s.mem.Overflows())
}

// StatsSnapshot is a plain copy of the counters.
type StatsSnapshot struct {
	Malformed       uint64
	PolicyRejected  uint64
	DaoAckTimeouts  uint64
	DaoNacks        uint64
	ParentDrops     uint64
	CycleBreaks     uint64
	Purged          uint64
	Rx              [4]uint64
	Tx              [4]uint64
	MemoryTotal     int
	MemoryOverflows uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Malformed:       s.Malformed.Load(),
		PolicyRejected:  s.PolicyRejected.Load(),
		DaoAckTimeouts:  s.DaoAckTimeouts.Load(),
		DaoNacks:        s.DaoNacks.Load(),
		ParentDrops:     s.ParentDrops.Load(),
		CycleBreaks:     s.CycleBreaks.Load(),
		Purged:          s.Purged.Load(),
		MemoryTotal:     s.mem.Total(),
		MemoryOverflows: s.mem.Overflows(),
	}
	for i := range s.Rx {
		snap.Rx[i] = s.Rx[i].Load()
		snap.Tx[i] = s.Tx[i].Load()
	}
	return snap
}
