// Package registry implements the subscription fabric (C1): the in-memory
// mapping from (namespace, deployment, slot) to a Consul key, the inverse
// indexes needed by the watcher supervisor and the updater, and the
// checksum table.
package registry

import (
	"fmt"
	"sync"

	"github.com/hashicorp/k8s-consul-mutator/metrics"
)

// Subscription is a single (namespace, deployment, slot) -> consul key
// binding.
type Subscription struct {
	Namespace  string
	Deployment string
	Slot       string
	ConsulKey  string
}

type identity struct {
	namespace  string
	deployment string
	slot       string
}

// ConflictError is returned by Watch when an identity already maps to a
// different Consul key than the one requested.
type ConflictError struct {
	Namespace  string
	Deployment string
	Slot       string
	Existing   string
	Requested  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"subscription %s/%s slot %q is already bound to key %q, cannot rebind to %q",
		e.Namespace, e.Deployment, e.Slot, e.Existing, e.Requested,
	)
}

// Registry is the capability interface the admission webhook, the
// Deployment watcher, the key watcher and the update worker share. The
// default implementation, InMemory, is safe for concurrent use.
type Registry interface {
	// Watch records that (ns, dep, slot) depends on key. It returns true
	// iff, after the insert, this is the first subscription with this
	// value of key. It returns false if the identity already mapped to
	// key. It returns a *ConflictError if the identity already mapped to a
	// different key.
	Watch(ns, dep, slot, key string) (bool, error)

	// UnwatchDeployment removes every subscription for (ns, dep) and
	// returns the count removed.
	UnwatchDeployment(ns, dep string) int

	// UnwatchNamespace removes every subscription for ns and returns the
	// count removed.
	UnwatchNamespace(ns string) int

	// Set upserts the checksum table entry for key.
	Set(key, checksum string)

	// Get returns the current checksum for key, and whether one exists.
	Get(key string) (string, bool)

	// SubscriptionsForDeployment returns every Subscription for (ns, dep).
	SubscriptionsForDeployment(ns, dep string) []Subscription

	// SubscriptionsForConsulKey returns every Subscription whose value is
	// key.
	SubscriptionsForConsulKey(key string) []Subscription

	// ConsulKeySubscriberCount returns len(SubscriptionsForConsulKey(key)).
	ConsulKeySubscriberCount(key string) int

	// ConsulKeys returns the distinct set of keys currently subscribed.
	ConsulKeys() []string

	// DeploymentAnnotations pairs each Subscription of (ns, dep) with the
	// current checksum of its key. Slots whose key has no checksum yet are
	// omitted.
	DeploymentAnnotations(ns, dep string) map[string]string
}

// InMemory is the default Registry implementation: a single sync.RWMutex
// guarding two plain maps (writers exclusive, readers shared). Lock hold times are O(table scan) in the worst
// case but subscription tables are small in practice.
type InMemory struct {
	mu            sync.RWMutex
	subscriptions map[identity]string // identity -> consul key
	checksums     map[string]string   // consul key -> checksum
}

// NewInMemory returns an empty InMemory registry.
func NewInMemory() *InMemory {
	return &InMemory{
		subscriptions: make(map[identity]string),
		checksums:     make(map[string]string),
	}
}

var _ Registry = (*InMemory)(nil)

func (r *InMemory) Watch(ns, dep, slot, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := identity{namespace: ns, deployment: dep, slot: slot}
	if existing, ok := r.subscriptions[id]; ok {
		if existing != key {
			return false, &ConflictError{
				Namespace: ns, Deployment: dep, Slot: slot,
				Existing: existing, Requested: key,
			}
		}
		return false, nil
	}

	firstForKey := r.countForKeyLocked(key) == 0
	r.subscriptions[id] = key
	metrics.SetSubscriptions(len(r.subscriptions))
	return firstForKey, nil
}

func (r *InMemory) UnwatchDeployment(ns, dep string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id := range r.subscriptions {
		if id.namespace == ns && id.deployment == dep {
			delete(r.subscriptions, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.SetSubscriptions(len(r.subscriptions))
	}
	return removed
}

func (r *InMemory) UnwatchNamespace(ns string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id := range r.subscriptions {
		if id.namespace == ns {
			delete(r.subscriptions, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.SetSubscriptions(len(r.subscriptions))
	}
	return removed
}

func (r *InMemory) Set(key, checksum string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checksums[key] = checksum
}

func (r *InMemory) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum, ok := r.checksums[key]
	return sum, ok
}

func (r *InMemory) SubscriptionsForDeployment(ns, dep string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for id, key := range r.subscriptions {
		if id.namespace == ns && id.deployment == dep {
			out = append(out, Subscription{Namespace: id.namespace, Deployment: id.deployment, Slot: id.slot, ConsulKey: key})
		}
	}
	return out
}

func (r *InMemory) SubscriptionsForConsulKey(key string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for id, k := range r.subscriptions {
		if k == key {
			out = append(out, Subscription{Namespace: id.namespace, Deployment: id.deployment, Slot: id.slot, ConsulKey: k})
		}
	}
	return out
}

func (r *InMemory) ConsulKeySubscriberCount(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countForKeyLocked(key)
}

func (r *InMemory) countForKeyLocked(key string) int {
	count := 0
	for _, k := range r.subscriptions {
		if k == key {
			count++
		}
	}
	return count
}

func (r *InMemory) ConsulKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, k := range r.subscriptions {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

func (r *InMemory) DeploymentAnnotations(ns, dep string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string)
	for id, key := range r.subscriptions {
		if id.namespace != ns || id.deployment != dep {
			continue
		}
		if sum, ok := r.checksums[key]; ok {
			out[id.slot] = sum
		}
	}
	return out
}
