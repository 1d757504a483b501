package sys

import (
	"iter"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/rpl/state"
	"github.com/gaissmai/bart"
)

// RouteEntry is a route installed by RPL, with its expiry.
type RouteEntry struct {
	state.Route
	Expires time.Time // zero never expires
}

// RouteTable is the IPv6 routing table RPL installs into. Several entries may
// exist for one prefix as long as they differ in source or owner; lookups
// prefer the lowest metric.
type RouteTable struct {
	mu    sync.RWMutex
	table bart.Table[[]RouteEntry]
	// Kernel mirrors the best entry of every prefix into the operating system routing table.
	Kernel bool
	Log    *slog.Logger
	now    func() time.Time
}

func NewRouteTable(log *slog.Logger, kernel bool) *RouteTable {
	if log == nil {
		log = slog.Default()
	}
	return &RouteTable{Kernel: kernel, Log: log.With("component", "routes"), now: time.Now}
}

func sameKey(a state.Route, b state.Route) bool {
	return a.Source == b.Source && a.Owner == b.Owner
}

func best(entries []RouteEntry) (RouteEntry, bool) {
	if len(entries) == 0 {
		return RouteEntry{}, false
	}
	return slices.MinFunc(entries, func(a, b RouteEntry) int {
		return int(a.Metric) - int(b.Metric)
	}), true
}

// Insert adds a route, replacing the entry with the same prefix, source and owner.
func (t *RouteTable) Insert(route state.Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	route.Prefix = route.Prefix.Masked()
	entry := RouteEntry{Route: route}
	if route.Lifetime > 0 {
		entry.Expires = t.now().Add(route.Lifetime)
	}
	entries, _ := t.table.Get(route.Prefix)
	entries = slices.DeleteFunc(slices.Clone(entries), func(e RouteEntry) bool { return sameKey(e.Route, route) })
	entries = append(entries, entry)
	t.table.Insert(route.Prefix, entries)
	t.syncKernel(route.Prefix, entries)
}

// Delete removes the entry of prefix installed by source for owner.
func (t *RouteTable) Delete(prefix netip.Prefix, source state.RouteSource, owner state.RouteOwner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleteLocked(prefix.Masked(), func(e RouteEntry) bool { return e.Source == source && e.Owner == owner })
}

func (t *RouteTable) deleteLocked(prefix netip.Prefix, match func(RouteEntry) bool) {
	entries, ok := t.table.Get(prefix)
	if !ok {
		return
	}
	entries = slices.DeleteFunc(slices.Clone(entries), match)
	if len(entries) == 0 {
		t.table.Delete(prefix)
	} else {
		t.table.Insert(prefix, entries)
	}
	t.syncKernel(prefix, entries)
}

// Lookup returns the best route towards addr by longest prefix match.
func (t *RouteTable) Lookup(addr netip.Addr) (RouteEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries, ok := t.table.Lookup(addr)
	if !ok {
		return RouteEntry{}, false
	}
	return best(entries)
}

// Routes iterates over every entry, prefixes in table order.
func (t *RouteTable) Routes() iter.Seq[RouteEntry] {
	return func(yield func(RouteEntry) bool) {
		t.mu.RLock()
		all := make([]RouteEntry, 0)
		for _, entries := range t.table.All() {
			all = append(all, entries...)
		}
		t.mu.RUnlock()
		for _, e := range all {
			if !yield(e) {
				return
			}
		}
	}
}

// Expire drops every entry whose lifetime has run out and returns how many were dropped.
func (t *RouteTable) Expire() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	expired := make([]netip.Prefix, 0)
	for pfx, entries := range t.table.All() {
		for _, e := range entries {
			if !e.Expires.IsZero() && !now.Before(e.Expires) {
				expired = append(expired, pfx)
				break
			}
		}
	}
	n := 0
	for _, pfx := range expired {
		t.deleteLocked(pfx, func(e RouteEntry) bool {
			if !e.Expires.IsZero() && !now.Before(e.Expires) {
				n++
				return true
			}
			return false
		})
	}
	return n
}

func (t *RouteTable) syncKernel(prefix netip.Prefix, entries []RouteEntry) {
	if !t.Kernel {
		return
	}
	var err error
	if b, ok := best(entries); ok {
		err = ConfigureRoute(b.IfID, prefix, b.NextHop)
	} else {
		err = RemoveRoute(prefix)
	}
	if err != nil {
		t.Log.Warn("failed to program kernel route", "prefix", prefix, "error", err)
	}
}
