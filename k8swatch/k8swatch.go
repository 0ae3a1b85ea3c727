// Package k8swatch implements the Kubernetes Deployment watcher (E2): a
// controller.Resource that reconciles Deployment annotations into the
// subscription registry and issues a Create command to C3 whenever a
// Deployment's key-slot annotation binds a Consul key that had no
// subscribers; it issues no Destroy commands. Grounded on
// catalog/from-k8s's ServiceResource, adapted from syncing Services into
// Consul's catalog to syncing Deployment annotations into the registry.
package k8swatch

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/hashicorp/k8s-consul-mutator/annotations"
	"github.com/hashicorp/k8s-consul-mutator/registry"
	"github.com/hashicorp/k8s-consul-mutator/types"
)

// DeploymentResource implements controller.Resource over Deployments.
type DeploymentResource struct {
	Log       hclog.Logger
	Client    kubernetes.Interface
	Registry  registry.Registry
	CommandCh chan<- types.ConsulWatchCommand
	Namespace string // empty watches all namespaces

	NowFunc func() time.Time
}

func (r *DeploymentResource) now() time.Time {
	if r.NowFunc != nil {
		return r.NowFunc()
	}
	return time.Now()
}

// Informer implements controller.Resource.
func (r *DeploymentResource) Informer() cache.SharedIndexInformer {
	return cache.NewSharedIndexInformer(
		&cache.ListWatch{
			ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
				return r.Client.AppsV1().Deployments(r.Namespace).List(context.Background(), options)
			},
			WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
				return r.Client.AppsV1().Deployments(r.Namespace).Watch(context.Background(), options)
			},
		},
		&appsv1.Deployment{},
		0,
		cache.Indexers{},
	)
}

// Upsert implements controller.Resource: it reconciles the registry's view
// of this Deployment's subscriptions with its current annotations.
func (r *DeploymentResource) Upsert(key string, raw interface{}) error {
	dep, ok := raw.(*appsv1.Deployment)
	if !ok {
		r.Log.Warn("upsert got invalid type", "key", key)
		return nil
	}

	slots := annotations.Slots(dep.Annotations)
	if annotations.HasSkip(dep.Annotations) {
		slots = nil
	}

	if r.slotsChanged(dep.Namespace, dep.Name, slots) {
		// The registry has no single-slot unwatch, so a rename or removal
		// is modeled as a full reset: drop every subscription for this
		// Deployment and re-add the slots its current annotations name.
		r.Registry.UnwatchDeployment(dep.Namespace, dep.Name)
	}

	for slot, consulKey := range slots {
		firstForKey, err := r.Registry.Watch(dep.Namespace, dep.Name, slot, consulKey)
		if err != nil {
			r.Log.Warn("conflicting subscription, skipping slot", "namespace", dep.Namespace, "deployment", dep.Name, "slot", slot, "err", err)
			continue
		}
		if firstForKey {
			r.sendCommand(types.NewCreate(consulKey, r.now()))
		}
	}

	return nil
}

// slotsChanged reports whether the registry's current view of this
// Deployment's subscriptions differs from the annotation-derived slots,
// so unchanged resyncs (the common case) skip the unwatch/rewatch reset.
func (r *DeploymentResource) slotsChanged(namespace, name string, slots map[string]string) bool {
	existing := r.Registry.SubscriptionsForDeployment(namespace, name)
	if len(existing) != len(slots) {
		return true
	}
	for _, sub := range existing {
		if slots[sub.Slot] != sub.ConsulKey {
			return true
		}
	}
	return false
}

// Delete implements controller.Resource.
func (r *DeploymentResource) Delete(key string, raw interface{}) error {
	if dep, ok := raw.(*appsv1.Deployment); ok {
		removed := r.Registry.UnwatchDeployment(dep.Namespace, dep.Name)
		r.Log.Debug("deployment deleted, unwatched subscriptions", "namespace", dep.Namespace, "deployment", dep.Name, "removed", removed)
		return nil
	}

	namespace, name, err := cache.SplitMetaNamespaceKey(key)
	if err != nil {
		r.Log.Warn("delete got invalid type and unparseable key", "key", key)
		return nil
	}
	removed := r.Registry.UnwatchDeployment(namespace, name)
	r.Log.Debug("deployment deleted, unwatched subscriptions", "namespace", namespace, "deployment", name, "removed", removed)
	return nil
}

func (r *DeploymentResource) sendCommand(cmd types.ConsulWatchCommand) {
	select {
	case r.CommandCh <- cmd:
	default:
		r.Log.Warn("command channel full, dropping create command", "key", cmd.Key)
	}
}
