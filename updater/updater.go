// Package updater implements the deployment update worker (C4): a
// debounced consumer of Work notifications that patches each Deployment's
// annotations with the latest checksums of the keys it subscribes to.
package updater

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/k8s-consul-mutator/annotations"
	"github.com/hashicorp/k8s-consul-mutator/deploy"
	"github.com/hashicorp/k8s-consul-mutator/metrics"
	"github.com/hashicorp/k8s-consul-mutator/registry"
	"github.com/hashicorp/k8s-consul-mutator/types"
)

// Toggles controls which annotation maps receive the checksum and
// last-updated annotations, mirroring the four SET_DEPLOYMENT_* env vars.
type Toggles struct {
	Annotations     bool // SET_DEPLOYMENT_ANNOTATIONS
	SpecAnnotations bool // SET_DEPLOYMENT_SPEC_ANNOTATIONS
	Timestamp       bool // SET_DEPLOYMENT_TIMESTAMP
	SpecTimestamp   bool // SET_DEPLOYMENT_SPEC_TIMESTAMP
}

// Config carries the parameters the update worker needs.
type Config struct {
	WorkCh   <-chan types.Work
	Registry registry.Registry
	Patcher  deploy.Patcher
	Log      hclog.Logger
	Debounce time.Duration
	Toggles  Toggles
	NowFunc  func() time.Time
}

// Worker runs the C4 event loop.
type Worker struct {
	cfg     Config
	pending map[identity]types.Work
}

type identity struct {
	namespace  string
	deployment string
}

// New returns a Worker for cfg. cfg.NowFunc defaults to time.Now.
func New(cfg Config) *Worker {
	if cfg.NowFunc == nil {
		cfg.NowFunc = time.Now
	}
	return &Worker{cfg: cfg, pending: make(map[identity]types.Work)}
}

// Run executes the biased select loop between WorkCh and a 1-second tick
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case work := <-w.cfg.WorkCh:
			// Debounce as set-with-replace: OR semantics (keep only
			// entries whose identity differs), not AND -- see the
			// supervisor's identical rule.
			id := identity{namespace: work.Namespace, deployment: work.Deployment}
			w.pending[id] = work
		case <-ticker.C:
		}

		w.drain(ctx)
	}
}

func (w *Worker) drain(ctx context.Context) {
	now := w.cfg.NowFunc()
	cutoff := now.Add(-w.cfg.Debounce)

	for id, work := range w.pending {
		if work.Occurred.After(cutoff) {
			continue
		}
		delete(w.pending, id)
		w.flush(ctx, work)
	}
}

func (w *Worker) flush(ctx context.Context, work types.Work) {
	log := w.cfg.Log.With("namespace", work.Namespace, "deployment", work.Deployment)

	dep, err := w.cfg.Patcher.Get(ctx, work.Namespace, work.Deployment)
	if err != nil {
		log.Warn("could not look up deployment, dropping", "err", err)
		return
	}
	if dep == nil {
		log.Info("deployment no longer exists, dropping")
		return
	}

	slotChecksums := w.cfg.Registry.DeploymentAnnotations(work.Namespace, work.Deployment)
	if len(slotChecksums) == 0 {
		return
	}

	topAnnotations := make(map[string]string)
	specAnnotations := make(map[string]string)
	for slot, sum := range slotChecksums {
		key := annotations.ChecksumKey(slot)
		if w.cfg.Toggles.Annotations {
			topAnnotations[key] = sum
		}
		if w.cfg.Toggles.SpecAnnotations {
			specAnnotations[key] = sum
		}
	}

	now := w.cfg.NowFunc().UTC().Format(time.RFC3339)
	if w.cfg.Toggles.Timestamp {
		topAnnotations[annotations.LastUpdated] = now
	}
	if w.cfg.Toggles.SpecTimestamp {
		specAnnotations[annotations.LastUpdated] = now
	}

	if len(topAnnotations) == 0 && len(specAnnotations) == 0 {
		return
	}

	patch := deploy.AnnotationPatch{
		Name:                work.Deployment,
		Annotations:         topAnnotations,
		TemplateAnnotations: specAnnotations,
	}

	if err := w.cfg.Patcher.Patch(ctx, work.Namespace, work.Deployment, patch); err != nil {
		log.Warn("failed to patch deployment, will retry on next change", "err", err)
		return
	}
	metrics.IncrDeploymentPatch()
	log.Info("patched deployment checksums", "slots", len(slotChecksums))
}
