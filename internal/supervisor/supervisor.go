// Package supervisor owns the set of running systems: it starts one
// internal/relay.Manager per configured system, restarts a system whose
// goroutine panics, applies configuration reloads, and coordinates graceful
// shutdown. spec.md §1 treats this as an external collaborator ("the
// supervisor that spawns one runtime per system, restarts on panic, and
// reloads configuration"); here it is implemented, since a complete
// repository needs one.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/duskward/seance/internal/config"
	"github.com/duskward/seance/internal/relay"
	"github.com/duskward/seance/pkg/protocol"
)

// Publisher receives lifecycle events for every system the supervisor runs,
// forwarded onward by internal/wsui.
type Publisher func(relay.LifecycleEvent)

type runningSystem struct {
	name   string
	cfg    config.System
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor tracks every running system and reacts to panics and
// reload/shutdown requests; gateway-closed bot restarts stay inside each
// system's Manager.
// Mirrors the teacher's internal/channels.Manager shape (a map of running
// instances plus Start/StopAll) generalized from "one channel" to "one
// relay runtime per system".
type Supervisor struct {
	mu       sync.Mutex
	systems  map[string]*runningSystem
	publish  Publisher
	requests chan relay.SupervisorRequest
	runID    string
}

// New constructs a Supervisor. publish may be nil if no UI/supervisor event
// consumer is attached. runID distinguishes one daemon process's lifecycle
// events from another's in a shared wsui feed across restarts.
func New(publish Publisher) *Supervisor {
	return &Supervisor{
		systems:  make(map[string]*runningSystem),
		publish:  publish,
		requests: make(chan relay.SupervisorRequest, 100),
		runID:    uuid.NewString(),
	}
}

// Run starts every system in cfg and blocks, servicing restart/reload/
// shutdown requests, until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context, cfg *config.Config) error {
	for name, sys := range cfg.Systems {
		s.startSystem(ctx, name, sys)
	}

	for {
		select {
		case <-ctx.Done():
			s.StopAll()
			return nil
		case req := <-s.requests:
			s.handleRequest(ctx, req)
		}
	}
}

func (s *Supervisor) handleRequest(ctx context.Context, req relay.SupervisorRequest) {
	switch req.Kind {
	case "shutdown":
		s.ShutdownSystem(req.System)
	case "reload":
		// A !reload command arrives here. The supervisor does not know the
		// config file path, so the request is only logged; no reload is
		// performed. Config-file writes reach ReloadConfig directly through
		// the watcher in cmd.runDaemon, not through this path.
		slog.Info("reload requested", "system", req.System)
	}
}

// startSystem constructs a Manager for one system and runs it in its own
// goroutine, recovering a panic at the goroutine boundary and restarting the
// system fresh — spec.md §7 "Panics inside a system task are isolated to
// that system (supervisor catches them)".
func (s *Supervisor) startSystem(ctx context.Context, name string, cfg config.System) {
	sysCtx, cancel := context.WithCancel(ctx)
	rs := &runningSystem{name: name, cfg: cfg, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.systems[name] = rs
	s.mu.Unlock()

	go s.superviseSystem(sysCtx, rs)
}

func (s *Supervisor) superviseSystem(ctx context.Context, rs *runningSystem) {
	defer close(rs.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("system panicked, restarting", "system", rs.name, "panic", r)
			s.publishEvent(relay.LifecycleEvent{Kind: protocol.EventSystemRestarted, System: rs.name})
			select {
			case <-ctx.Done():
			default:
				s.startSystem(ctx, rs.name, rs.cfg)
			}
		}
	}()

	mgr, err := relay.NewManager(rs.name, rs.cfg, s.requests)
	if err != nil {
		slog.Error("failed to construct manager", "system", rs.name, "error", err)
		return
	}
	mgr.Publish = s.publishEvent

	if err := mgr.Start(ctx); err != nil {
		slog.Error("failed to start system", "system", rs.name, "error", err)
		return
	}

	mgr.Run(ctx)
}

func (s *Supervisor) publishEvent(ev relay.LifecycleEvent) {
	if s.publish == nil {
		return
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	ev.Payload["run_id"] = s.runID
	s.publish(ev)
}

// Restart tears down and restarts a named system with its existing
// configuration.
func (s *Supervisor) Restart(name string) error {
	s.mu.Lock()
	rs, ok := s.systems[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown system %q", name)
	}
	rs.cancel()
	<-rs.done
	s.startSystem(context.Background(), name, rs.cfg)
	return nil
}

// ShutdownSystem stops a single named system and removes it from the
// running set.
func (s *Supervisor) ShutdownSystem(name string) {
	s.mu.Lock()
	rs, ok := s.systems[name]
	if ok {
		delete(s.systems, name)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	rs.cancel()
	<-rs.done
}

// ShutdownAll stops every running system.
func (s *Supervisor) ShutdownAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.systems))
	for name := range s.systems {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.ShutdownSystem(name)
	}
}

// StopAll is an alias for ShutdownAll used by Run's context-cancellation
// path, kept distinct so call sites read like the teacher's
// StartAll/StopAll pairing.
func (s *Supervisor) StopAll() {
	s.ShutdownAll()
}

// Systems returns the names of currently running systems.
func (s *Supervisor) Systems() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.systems))
	for name := range s.systems {
		names = append(names, name)
	}
	return names
}

// ReloadConfig reconciles the running system set against a freshly loaded
// configuration tree: systems whose member identity (name + token set) is
// unchanged keep running untouched (spec.md's "[ADDED] Reload does not drop
// in-flight messages" — SPEC_FULL.md §8); systems with a changed token set,
// a new name, or removed from cfg are restarted or stopped; systems newly
// present in cfg are started.
func (s *Supervisor) ReloadConfig(ctx context.Context, cfg *config.Config) {
	s.mu.Lock()
	existing := make(map[string]*runningSystem, len(s.systems))
	for name, rs := range s.systems {
		existing[name] = rs
	}
	s.mu.Unlock()

	for name, rs := range existing {
		newSys, ok := cfg.Systems[name]
		if !ok {
			s.ShutdownSystem(name)
			continue
		}
		if !sameIdentity(rs.cfg, newSys) {
			s.ShutdownSystem(name)
			s.startSystem(ctx, name, newSys)
		}
	}

	for name, sys := range cfg.Systems {
		if _, ok := existing[name]; !ok {
			s.startSystem(ctx, name, sys)
		}
	}
}

// sameIdentity reports whether two System configs have the same members in
// the same order with the same tokens — the bar for an in-place reload
// rather than a restart.
func sameIdentity(a, b config.System) bool {
	if len(a.Members) != len(b.Members) {
		return false
	}
	for i := range a.Members {
		if a.Members[i].Name != b.Members[i].Name || a.Members[i].DiscordToken != b.Members[i].DiscordToken {
			return false
		}
	}
	return true
}
