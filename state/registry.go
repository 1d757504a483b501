package state

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"unsafe"

	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrNotFound = errors.New("rpl: not found")
	ErrExists   = errors.New("rpl: already exists")
	ErrNotRoot  = errors.New("rpl: not the root of this dodag")
	ErrInvalid  = errors.New("rpl: invalid argument")
	// ErrLegacyRemoveStatus is returned by root DODAG removal even when it succeeds,
	// preserving the historical contract of that call.
	ErrLegacyRemoveStatus = errors.New("rpl: dodag remove reports failure status")
)

// Registry is the caller-owned root of all RPL state. It must only be used from
// a single goroutine.
type Registry struct {
	Domains []*Domain
	Memory  Memory
	Policy  Policy
	Stats   *Stats
	Store   SeqStore
	Log     *slog.Logger
	Rand    *rand.Rand
	// DisDedup suppresses repeated unicast DIS for the same DODAG configuration.
	DisDedup *ttlcache.Cache[DisKey, struct{}]

	purgeCursor int
}

func NewRegistry(log *slog.Logger, rng *rand.Rand) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	rs := &Registry{
		Log:      log,
		Rand:     rng,
		DisDedup: ttlcache.New[DisKey, struct{}](ttlcache.WithTTL[DisKey, struct{}](DisDedupTTL), ttlcache.WithDisableTouchOnHit[DisKey, struct{}]()),
	}
	rs.Stats = NewStats(&rs.Memory)
	return rs
}

// DisKey identifies a configuration request sent to one neighbour.
type DisKey struct {
	IfID       int
	Neighbour  netip.Addr
	InstanceID uint8
	DodagID    netip.Addr
}

func (rs *Registry) alloc(size uintptr) (Block, error) {
	b, ok := rs.Memory.Alloc(int(size))
	if !ok {
		return Block{}, ErrNoMemory
	}
	return b, nil
}

func (rs *Registry) Domain(name string) *Domain {
	for _, d := range rs.Domains {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// DomainForInterface returns the domain an interface is attached to.
func (rs *Registry) DomainForInterface(ifID int) *Domain {
	for _, d := range rs.Domains {
		if slices.Contains(d.Interfaces, ifID) {
			return d
		}
	}
	return nil
}

func (rs *Registry) CreateDomain(name string, interfaces ...int) (*Domain, error) {
	if rs.Domain(name) != nil {
		return nil, ErrExists
	}
	for _, ifID := range interfaces {
		if rs.DomainForInterface(ifID) != nil {
			return nil, ErrExists
		}
	}
	mem, err := rs.alloc(unsafe.Sizeof(Domain{}))
	if err != nil {
		return nil, err
	}
	d := &Domain{
		Name:                          name,
		Interfaces:                    slices.Clone(interfaces),
		NonStoringDownstreamInterface: -1,
		Registry:                      rs,
		Log:                           rs.Log.With("domain", name),
		mem:                           mem,
	}
	rs.Domains = append(rs.Domains, d)
	return d, nil
}

// RemoveDomain unlinks an empty domain; callers delete the instances first.
func (rs *Registry) RemoveDomain(d *Domain) {
	rs.Domains = slices.DeleteFunc(rs.Domains, func(x *Domain) bool { return x == d })
	rs.Memory.Free(d.mem)
	d.mem = Block{}
}

// Instances returns every instance across all domains, in creation order.
func (rs *Registry) Instances() []*Instance {
	out := make([]*Instance, 0)
	for _, d := range rs.Domains {
		out = append(out, d.Instances...)
	}
	return out
}

// NextPurgeDomain rotates through domains so that purging is spread evenly.
func (rs *Registry) NextPurgeDomain() *Domain {
	if len(rs.Domains) == 0 {
		return nil
	}
	rs.purgeCursor %= len(rs.Domains)
	d := rs.Domains[rs.purgeCursor]
	rs.purgeCursor++
	return d
}

// DomainCallbacks are the notification hooks a Domain owner may install.
type DomainCallbacks struct {
	Event func(ev Event)
	// Prefix is called for every Prefix Information option accepted from a parent.
	Prefix func(pio PrefixEntry, parent netip.Addr)
	// NewParent vetoes a new candidate neighbour when it returns false.
	NewParent func(ll netip.Addr, ifID int, instanceID uint8, dodagID netip.Addr) bool
}

// Domain associates a set of interfaces with the RPL instances running on them.
type Domain struct {
	Name                          string
	Interfaces                    []int
	Instances                     []*Instance
	ForceLeaf                     bool
	NonStoringDownstreamInterface int
	Callbacks                     DomainCallbacks
	// Addresses are the global addresses assigned on the domain's interfaces.
	Addresses []InterfaceAddr
	Registry  *Registry
	Log       *slog.Logger

	mem Block
}

type InterfaceAddr struct {
	IfID int
	Addr netip.Addr
}

func (d *Domain) Fire(ev Event) {
	if d.Callbacks.Event != nil {
		d.Callbacks.Event(ev)
	}
}

func (d *Domain) OwnsAddress(a netip.Addr) bool {
	for _, ia := range d.Addresses {
		if ia.Addr == a {
			return true
		}
	}
	return false
}

func (d *Domain) Instance(id uint8, dodagID netip.Addr) *Instance {
	for _, inst := range d.Instances {
		if inst.ID != id {
			continue
		}
		// local instance ids are only unique per DODAG
		if id&LocalInstanceFlag != 0 && dodagID.IsValid() && inst.Dodag(dodagID) == nil && len(inst.Dodags) > 0 {
			continue
		}
		return inst
	}
	return nil
}

func (d *Domain) CreateInstance(id uint8) (*Instance, error) {
	mem, err := d.Registry.alloc(unsafe.Sizeof(Instance{}))
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		ID:          id,
		Domain:      d,
		DaoSequence: SeqInit,
		Dtsn:        SeqInit,
		Rank:        InfiniteRank,
		Log:         d.Log.With("instance", id),
		mem:         mem,
	}
	d.Instances = append(d.Instances, inst)
	return inst, nil
}

// RemoveInstance unlinks an instance whose contents were already released.
func (d *Domain) RemoveInstance(inst *Instance) {
	d.Instances = slices.DeleteFunc(d.Instances, func(x *Instance) bool { return x == inst })
	d.Registry.Memory.Free(inst.mem)
	inst.mem = Block{}
}
