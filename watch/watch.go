// Package watch implements the KV key watcher (C2): one long-running task
// per subscribed Consul key that holds a blocking long-poll read alive,
// writes the latest checksum to the registry, and fans out Work to the
// update channel. Grounded on the blocking-query runloop in
// catalog/to-k8s's Source.Run, generalized from a periodic full-catalog
// poll to a single-key index watch and given the idle-teardown and
// checksum bookkeeping this system's registry requires.
package watch

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/k8s-consul-mutator/checksum"
	"github.com/hashicorp/k8s-consul-mutator/consul"
	"github.com/hashicorp/k8s-consul-mutator/metrics"
	"github.com/hashicorp/k8s-consul-mutator/registry"
	"github.com/hashicorp/k8s-consul-mutator/types"
)

// Config carries the parameters one Watcher instance needs.
type Config struct {
	Key string

	KV         consul.KV
	Registry   registry.Registry
	Checksum   checksum.Func
	WorkCh     chan<- types.Work
	CommandCh  chan<- types.ConsulWatchCommand
	Log        hclog.Logger
	BlockWait  string        // e.g. "10s", passed straight to the KV client
	IdleGrace  time.Duration // CHECK_KEY_IDLE
	ErrorWait  time.Duration // CHECK_KEY_ERROR_WAIT
	NowFunc    func() time.Time
}

// Watcher runs the per-key blocking-read loop described in the component
// design for C2.
type Watcher struct {
	cfg Config
}

// New returns a Watcher for cfg. cfg.NowFunc defaults to time.Now.
func New(cfg Config) *Watcher {
	if cfg.NowFunc == nil {
		cfg.NowFunc = time.Now
	}
	return &Watcher{cfg: cfg}
}

// Run executes the C2 main loop until ctx is cancelled or the key is
// observed idle for IdleGrace. It never panics and never returns an error:
// all failures are logged and retried per the error-handling design.
func (w *Watcher) Run(ctx context.Context) {
	cfg := w.cfg
	log := cfg.Log.With("key", cfg.Key)

	var modifyIndex uint64
	var stopCountdown time.Time
	var haveCountdown bool

	for {
		if ctx.Err() != nil {
			return
		}

		// 1. Idle check.
		count := cfg.Registry.ConsulKeySubscriberCount(cfg.Key)
		now := cfg.NowFunc()
		if count == 0 {
			if !haveCountdown {
				stopCountdown = now.Add(cfg.IdleGrace)
				haveCountdown = true
				log.Debug("key has no subscribers, starting idle countdown")
			} else if now.After(stopCountdown) {
				log.Info("key idle, tearing down watcher")
				w.sendCommand(types.NewDestroy(cfg.Key, now))
				return
			}
		} else if haveCountdown {
			haveCountdown = false
		}

		// 2. Blocking read. A single attempt per loop iteration: on error
		// step 4 sleeps ErrorWait and continues, which re-enters the loop at
		// the idle check above instead of retrying blind inside this call.
		pair, lastIndex, err := cfg.KV.Get(ctx, cfg.Key, modifyIndex, cfg.BlockWait)

		// 3. Cancellation check.
		if ctx.Err() != nil {
			return
		}

		// 4. Error handling.
		if err != nil {
			log.Warn("error reading key, will retry", "err", err)
			sleep(ctx, cfg.ErrorWait)
			continue
		}

		// 5. Empty response.
		if pair == nil {
			log.Debug("key absent, will retry")
			sleep(ctx, cfg.ErrorWait)
			continue
		}

		// 6. No-change.
		if lastIndex == modifyIndex {
			continue
		}

		// 7. Change. Index only advances on strict increase (I4).
		if lastIndex <= modifyIndex {
			continue
		}
		modifyIndex = lastIndex

		if len(pair.Value) == 0 {
			log.Warn("key changed but value is empty, will retry")
			sleep(ctx, cfg.ErrorWait)
			continue
		}

		sum := cfg.Checksum(pair.Value)
		cfg.Registry.Set(cfg.Key, sum)
		metrics.IncrChecksumUpdate()

		subs := cfg.Registry.SubscriptionsForConsulKey(cfg.Key)
		work := types.Work{Occurred: cfg.NowFunc()}
		for _, sub := range subs {
			work.Namespace = sub.Namespace
			work.Deployment = sub.Deployment
			select {
			case cfg.WorkCh <- work:
			default:
				log.Warn("update channel full, dropping work; reconcile will heal", "namespace", sub.Namespace, "deployment", sub.Deployment)
			}
		}
	}
}

func (w *Watcher) sendCommand(cmd types.ConsulWatchCommand) {
	select {
	case w.cfg.CommandCh <- cmd:
	default:
		w.cfg.Log.Warn("command channel full, dropping destroy command", "key", cmd.Key)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
