// Package dispatcher implements the watcher supervisor (C3): the lifecycle
// manager for C2 key-watcher instances. It debounces Create/Destroy
// commands as a replace-by-identity set, periodically reconciles the
// running set against the registry to heal missed events, and is the only
// component that spawns key watchers (the single point of serialization
// that guarantees I1: at most one watcher per key).
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/k8s-consul-mutator/checksum"
	"github.com/hashicorp/k8s-consul-mutator/consul"
	"github.com/hashicorp/k8s-consul-mutator/metrics"
	"github.com/hashicorp/k8s-consul-mutator/registry"
	"github.com/hashicorp/k8s-consul-mutator/types"
	"github.com/hashicorp/k8s-consul-mutator/watch"
)

// Config carries the parameters the supervisor and the watchers it spawns
// need.
type Config struct {
	// CommandCh is bidirectional: the supervisor consumes commands issued
	// by the admission webhook and the Deployment watcher, and the key
	// watchers it spawns reuse the same channel to self-report idle
	// teardown (Destroy), so both paths flow through one debounce set.
	CommandCh chan types.ConsulWatchCommand
	WorkCh    chan<- types.Work

	KV       consul.KV
	Registry registry.Registry
	Checksum checksum.Func
	Log      hclog.Logger

	BlockWait       string
	KeyIdleGrace    time.Duration
	KeyErrorWait    time.Duration
	Debounce        time.Duration
	FirstReconcile  time.Duration
	ReconcilePeriod time.Duration

	NowFunc func() time.Time
}

// Supervisor runs the C3 event loop. The event loop itself is
// single-goroutine; mu only guards pending/running against concurrent
// inspection by tests and the RunningKeys/PendingCount accessors.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]types.ConsulWatchCommand // key -> latest command
	running map[string]context.CancelFunc       // key -> cancel for its watcher
}

// RunningKeys returns the Consul keys currently believed to have a live
// watcher. Safe for concurrent use.
func (s *Supervisor) RunningKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.running))
	for k := range s.running {
		keys = append(keys, k)
	}
	return keys
}

// PendingCount returns the number of commands awaiting debounce. Safe for
// concurrent use.
func (s *Supervisor) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// New returns a Supervisor for cfg. cfg.NowFunc defaults to time.Now.
func New(cfg Config) *Supervisor {
	if cfg.NowFunc == nil {
		cfg.NowFunc = time.Now
	}
	return &Supervisor{
		cfg:     cfg,
		pending: make(map[string]types.ConsulWatchCommand),
		running: make(map[string]context.CancelFunc),
	}
}

// Run executes the supervisor's biased select loop until ctx is cancelled.
// On return, every watcher it spawned has been cancelled but not waited
// on; the watcher goroutines are not tracked by any WaitGroup.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastReconcile time.Time
	haveLastReconcile := false

	defer func() {
		s.mu.Lock()
		for _, cancel := range s.running {
			cancel()
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cfg.CommandCh:
			s.mu.Lock()
			delete(s.pending, cmd.Key)
			s.pending[cmd.Key] = cmd
			s.mu.Unlock()
		case <-ticker.C:
		}

		now := s.cfg.NowFunc()

		if !haveLastReconcile {
			lastReconcile = now.Add(s.cfg.FirstReconcile)
			haveLastReconcile = true
			continue
		}

		if now.After(lastReconcile) && s.PendingCount() == 0 {
			s.reconcile(ctx)
			lastReconcile = now.Add(s.cfg.ReconcilePeriod)
			continue
		}

		s.drain(ctx, now)
	}
}

// reconcile spawns a watcher for every registry key not already running.
func (s *Supervisor) reconcile(ctx context.Context) {
	for _, key := range s.cfg.Registry.ConsulKeys() {
		s.mu.Lock()
		_, ok := s.running[key]
		s.mu.Unlock()
		if !ok {
			s.spawn(ctx, key)
		}
	}
}

// drain processes pending commands older than the debounce window.
func (s *Supervisor) drain(ctx context.Context, now time.Time) {
	gap := now.Add(-s.cfg.Debounce)

	s.mu.Lock()
	due := make([]types.ConsulWatchCommand, 0, len(s.pending))
	for key, cmd := range s.pending {
		if cmd.Occurred.After(gap) {
			continue // still within the debounce window
		}
		due = append(due, cmd)
		delete(s.pending, key)
	}
	s.mu.Unlock()

	for _, cmd := range due {
		switch cmd.Kind {
		case types.Create:
			s.mu.Lock()
			_, ok := s.running[cmd.Key]
			s.mu.Unlock()
			if !ok {
				s.spawn(ctx, cmd.Key)
			}
		case types.Destroy:
			s.mu.Lock()
			cancel, ok := s.running[cmd.Key]
			if ok {
				delete(s.running, cmd.Key)
			}
			n := len(s.running)
			s.mu.Unlock()
			if ok {
				cancel()
				metrics.SetWatchersActive(n)
			}
		}
	}
}

// spawn starts exactly one watcher goroutine for key. Callers must already
// hold the invariant that key is absent from s.running.
func (s *Supervisor) spawn(ctx context.Context, key string) {
	watchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[key] = cancel
	n := len(s.running)
	s.mu.Unlock()
	metrics.SetWatchersActive(n)

	w := watch.New(watch.Config{
		Key:       key,
		KV:        s.cfg.KV,
		Registry:  s.cfg.Registry,
		Checksum:  s.cfg.Checksum,
		WorkCh:    s.cfg.WorkCh,
		CommandCh: s.cfg.CommandCh,
		Log:       s.cfg.Log.Named("watch"),
		BlockWait: s.cfg.BlockWait,
		IdleGrace: s.cfg.KeyIdleGrace,
		ErrorWait: s.cfg.KeyErrorWait,
		NowFunc:   s.cfg.NowFunc,
	})

	s.cfg.Log.Info("starting key watcher", "key", key)
	go w.Run(watchCtx)
}
