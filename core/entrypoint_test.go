package core

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type packet struct {
	IfID int
	Dst  netip.Addr
	Msg  protocol.Message
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []packet
}

func (f *fakeTransport) Send(ifID int, dst netip.Addr, pkt []byte) error {
	msg, err := protocol.Unframe(pkt)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, packet{ifID, dst, msg})
	return nil
}

func (f *fakeTransport) Packets() []packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngineLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	tr := &fakeTransport{}
	reg := prometheus.NewRegistry()
	e, err := NewEngine(state.Config{}, Options{Transport: tr, Registerer: reg, Logger: discardLogger()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- e.MainLoop()
	}()

	dom, err := state.DispatchWait(e.Env, func(s *state.State) (*state.Domain, error) {
		return CreateDomain(s.Registry, "mesh", testIf)
	})
	require.NoError(t, err)

	pkt, err := protocol.Frame(testDIO(protocol.MopStoring, 256, testConf(0)), netip.Addr{}, protocol.AllRplNodes)
	require.NoError(t, err)
	e.Dispatch(func(s *state.State) error {
		HandleRaw(s.Registry, e.Node, testIf, parentA, protocol.AllRplNodes, pkt)
		return nil
	})
	info, err := state.DispatchWait(e.Env, func(s *state.State) (DodagInfo, error) {
		return ReadDodagInfo(dom, 1)
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(1024), info.Rank)

	route, ok := e.Routes.Lookup(netip.MustParseAddr("2001:db8:ffff::1"))
	require.True(t, ok)
	assert.Equal(t, parentA, route.NextHop)
	assert.Equal(t, state.RouteSourceDio, route.Source)

	// the fast tick drives trickle, which advertises our rank
	require.Eventually(t, func() bool {
		for _, p := range tr.Packets() {
			if dio, ok := p.Msg.(*protocol.DIO); ok && dio.Rank == 1024 {
				return p.Dst == protocol.AllRplNodes
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0)
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "rpl_rx_messages_total")
	assert.Contains(t, names, "rpl_memory_bytes")

	e.Cancel(errors.New("test finished"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("main loop did not stop")
	}

	assert.Empty(t, e.Registry.Domains)
	_, ok = e.Routes.Lookup(netip.MustParseAddr("2001:db8:ffff::1"))
	assert.False(t, ok)
	_, err = state.DispatchWait(e.Env, func(s *state.State) (int, error) {
		return 0, nil
	})
	assert.Error(t, err)

	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestEngineConfiguredRoot(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	cfg := state.Config{
		Domains: []state.DomainCfg{{
			Name:       "mesh",
			Interfaces: []string{"rpl0"},
			Roots: []state.RootCfg{{
				InstanceID: 1,
				DodagID:    dodagID,
				Mop:        protocol.MopNonStoring,
				Grounded:   true,
				Prefixes: []state.PrefixCfg{{
					Prefix:        netip.MustParsePrefix("2001:db8::/64"),
					OnLink:        true,
					Autonomous:    true,
					ValidLifetime: 3600,
				}},
			}},
		}},
	}
	resolve := func(name string) (int, error) {
		if name == "rpl0" {
			return testIf, nil
		}
		return 0, errors.New("no such interface")
	}
	e, err := NewEngine(cfg, Options{Transport: &fakeTransport{}, Resolve: resolve, Logger: discardLogger()})
	require.NoError(t, err)

	infos := Instances(e.Registry)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Root)
	assert.Equal(t, dodagID, infos[0].DodagID)
	d := e.Registry.Domains[0].Instance(1, dodagID).CurrentDodag()
	assert.True(t, d.Running)
	require.Len(t, d.Prefixes, 1)

	e.Stop()
}

func TestNewEngineErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	_, err := NewEngine(state.Config{Memory: state.MemoryCfg{Soft: 10, Hard: 5}}, Options{Transport: &fakeTransport{}, Logger: discardLogger()})
	assert.Error(t, err)

	cfg := state.Config{Domains: []state.DomainCfg{{Name: "mesh", Interfaces: []string{"missing0"}}}}
	resolve := func(name string) (int, error) {
		return 0, errors.New("no such interface")
	}
	_, err = NewEngine(cfg, Options{Transport: &fakeTransport{}, Resolve: resolve, Logger: discardLogger()})
	assert.ErrorContains(t, err, "missing0")
}
