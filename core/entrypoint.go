package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/encodeous/rpl/perf"
	"github.com/encodeous/rpl/protocol"
	"github.com/encodeous/rpl/state"
	"github.com/encodeous/rpl/store"
	"github.com/encodeous/rpl/sys"
	"github.com/encodeous/tint"
	"github.com/prometheus/client_golang/prometheus"
	slogmulti "github.com/samber/slog-multi"
)

// Options supplies the collaborators of an Engine. Every field is optional.
type Options struct {
	// Transport replaces the raw ICMPv6 socket. No receive loop runs when it is set,
	// packets are fed in with HandleRaw instead.
	Transport Transport
	Registrar AddressRegistrar
	Etx       func(ifID int, ll netip.Addr) uint16
	// Registerer receives the engine statistics.
	Registerer prometheus.Registerer
	// KernelRoutes mirrors the routing table into the kernel.
	KernelRoutes bool
	// Resolve maps interface names to indices, net.InterfaceByName by default.
	Resolve func(name string) (int, error)
	// Logger replaces the logger built from the configuration.
	Logger *slog.Logger
}

// Engine runs the RPL state on a single goroutine.
type Engine struct {
	*state.State
	Node     *RplNode
	Routes   *sys.RouteTable
	dispatch chan func(*state.State) error
	socket   *sys.ICMPSocket
	store    *store.SQLite
	stats    prometheus.Registerer
	started  atomic.Bool
	stopping atomic.Bool
}

// NewLogger builds the stderr logger, fanned out to cfg.LogPath when set.
func NewLogger(cfg *state.Config) (*slog.Logger, error) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: "rpl",
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if cfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(cfg.LogPath), 0700)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), nil
}

func resolveInterface(name string) (int, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}

// NewEngine builds the registry and collaborators and applies the configured
// domains and roots. Nothing runs until MainLoop.
func NewEngine(cfg state.Config, opts Options) (*Engine, error) {
	if err := state.ConfigValidator(&cfg); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = NewLogger(&cfg)
		if err != nil {
			return nil, err
		}
	}
	if opts.Resolve == nil {
		opts.Resolve = resolveInterface
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	dispatch := make(chan func(*state.State) error, 128)
	e := &Engine{
		State: &state.State{
			Env: &state.Env{
				DispatchChannel: dispatch,
				Config:          cfg,
				Context:         ctx,
				Cancel:          cancel,
				Log:             logger,
			},
			Registry: state.NewRegistry(logger, nil),
		},
		dispatch: dispatch,
		Routes:   sys.NewRouteTable(logger, opts.KernelRoutes),
		stats:    opts.Registerer,
	}
	if err := e.init(cfg, opts); err != nil {
		e.cleanup()
		cancel(err)
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(cfg state.Config, opts Options) error {
	rs := e.Registry
	rs.Policy = cfg.Policy
	if err := SetMemoryLimits(rs, cfg.Memory.Soft, cfg.Memory.Hard); err != nil {
		return err
	}

	var err error
	if cfg.StorePath != "" {
		e.store, err = store.New(e.Context, cfg.StorePath, e.Log)
	} else {
		e.store, err = store.NewInMemory(e.Context, e.Log)
	}
	if err != nil {
		return err
	}
	rs.Store = e.store

	if e.stats != nil {
		if err := e.stats.Register(rs.Stats); err != nil {
			return fmt.Errorf("failed to register statistics: %w", err)
		}
	}

	e.Node = &RplNode{Env: e.Env, Transport: opts.Transport, Routes: e.Routes, Registrar: opts.Registrar, Etx: opts.Etx}

	var interfaces []int
	for _, dc := range cfg.Domains {
		ids := make([]int, 0, len(dc.Interfaces))
		for _, name := range dc.Interfaces {
			id, err := opts.Resolve(name)
			if err != nil {
				return fmt.Errorf("domain %s: interface %s: %w", dc.Name, name, err)
			}
			ids = append(ids, id)
		}
		interfaces = append(interfaces, ids...)
		if err := e.initDomain(dc, ids, opts.Resolve); err != nil {
			return err
		}
	}

	if opts.Transport == nil {
		e.socket, err = sys.ListenICMP(interfaces, e.Log)
		if err != nil {
			return err
		}
		e.Node.Transport = e.socket
		for _, id := range interfaces {
			e.loadAddresses(id)
		}
	}
	return nil
}

func (e *Engine) initDomain(dc state.DomainCfg, ids []int, resolve func(string) (int, error)) error {
	rs := e.Registry
	dom, err := CreateDomain(rs, dc.Name, ids...)
	if err != nil {
		return err
	}
	dom.ForceLeaf = dc.ForceLeaf
	if dc.Downstream != "" {
		id, err := resolve(dc.Downstream)
		if err != nil {
			return fmt.Errorf("domain %s: downstream interface %s: %w", dc.Name, dc.Downstream, err)
		}
		dom.NonStoringDownstreamInterface = id
	}
	for _, rc := range dc.Roots {
		gMopPrf := protocol.MakeGMopPrf(rc.Grounded, rc.Mop, rc.Preference)
		if _, err := CreateRootDodag(rs, dom, rc.InstanceID, rc.DodagID, gMopPrf, rc.DodagConf()); err != nil {
			return fmt.Errorf("domain %s: root %d/%s: %w", dc.Name, rc.InstanceID, rc.DodagID, err)
		}
		for _, pc := range rc.Prefixes {
			if err := UpdatePrefix(rs, dom, rc.InstanceID, rc.DodagID, pc.PrefixInfo()); err != nil {
				return err
			}
		}
		for _, rtc := range rc.Routes {
			if err := UpdateRoute(rs, dom, rc.InstanceID, rc.DodagID, rtc.RouteInfo()); err != nil {
				return err
			}
		}
		if err := StartDodag(rs, dom, rc.InstanceID, rc.DodagID); err != nil {
			return err
		}
	}
	return nil
}

// loadAddresses publishes the global addresses already assigned to an interface.
func (e *Engine) loadAddresses(ifID int) {
	ifi, err := net.InterfaceByIndex(ifID)
	if err != nil {
		return
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		e.Log.Warn("failed to read interface addresses", "if", ifi.Name, "error", err)
		return
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipn.IP); ok && addr.Unmap().Is6() {
			AddressChanged(e.Registry, ifID, addr.Unmap(), true)
		}
	}
}

func (e *Engine) receiveLoop() {
	buf := make([]byte, 1500)
	for {
		n, ifID, src, dst, err := e.socket.Receive(buf)
		if err != nil {
			if e.Context.Err() != nil {
				return
			}
			e.Log.Debug("receive failed", "error", err)
			continue
		}
		perf.RecvPacketPerSecond.Add(1)
		perf.RecvBytesPerSecond.Add(float64(n))
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		e.Dispatch(func(s *state.State) error {
			HandleRaw(s.Registry, e.Node, ifID, src, dst, pkt)
			return nil
		})
	}
}

// Start runs an engine for cfg until SIGINT or SIGTERM.
func Start(cfg state.Config, opts Options) error {
	e, err := NewEngine(cfg, opts)
	if err != nil {
		return err
	}
	e.Log.Info("rpl has been initialized. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			e.Cancel(errors.New("received shutdown signal"))
		case <-e.Context.Done():
			return
		}
	}()
	return e.MainLoop()
}

// Bootstrap loads the configuration at configPath and runs it.
func Bootstrap(configPath, logPath string, verbose bool) error {
	cfg, err := state.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logPath != "" {
		cfg.LogPath = logPath
	}
	cfg.Verbose = cfg.Verbose || verbose
	return Start(*cfg, Options{KernelRoutes: true})
}

// MainLoop starts the timers and runs dispatched work until the context is
// cancelled, then tears everything down.
func (e *Engine) MainLoop() error {
	if e.started.Swap(true) {
		return errors.New("main loop already started")
	}
	e.RepeatTask(func(s *state.State) error {
		start := time.Now()
		FastTick(s.Registry, e.Node, 1)
		perf.FastTickLatency.Add(float64(time.Since(start).Microseconds()))
		return nil
	}, state.FastTick)
	e.RepeatTask(func(s *state.State) error {
		SlowTick(s.Registry, e.Node, 1)
		if n := e.Routes.Expire(); n > 0 {
			s.Log.Debug("expired routes", "count", n)
		}
		return nil
	}, state.SlowTick)
	if e.socket != nil {
		go e.receiveLoop()
	}

	e.Log.Debug("started main loop")
	for {
		select {
		case fun := <-e.dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(e.State)
			if err != nil {
				e.Log.Error("error occurred during dispatch: ", "error", err)
				e.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				e.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(e.dispatch))
			}
		case <-e.Context.Done():
			goto endLoop
		}
	}
endLoop:
	e.Log.Info("stopped main loop", "reason", context.Cause(e.Context).Error())
	e.Stop()
	return nil
}

// Stop cancels every timer, deletes every domain and releases the collaborators.
// It runs on the main goroutine when MainLoop exits.
func (e *Engine) Stop() {
	if e.stopping.Swap(true) {
		return // don't stop twice
	}
	e.Cancel(context.Canceled)
	close(e.dispatch)
	for len(e.Registry.Domains) > 0 {
		DeleteDomain(e.Registry, e.Node, e.Registry.Domains[0])
	}
	e.cleanup()
	e.Log.Info("stopped")
}

func (e *Engine) cleanup() {
	if e.stats != nil {
		e.stats.Unregister(e.Registry.Stats)
	}
	if e.socket != nil {
		if err := e.socket.Close(); err != nil {
			e.Log.Error("failed to close socket", "error", err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.Log.Error("failed to close store", "error", err)
		}
	}
	e.Registry.DisDedup.DeleteAll()
}
