// Package controller contains a reusable abstraction for efficiently
// watching for changes to a single resource type in a Kubernetes cluster.
package controller

import (
	"k8s.io/client-go/tools/cache"
)

// ResourceUpsertFunc and ResourceDeleteFunc are the callback types invoked
// when a resource is inserted, updated, or deleted.
type ResourceUpsertFunc func(string, interface{}) error
type ResourceDeleteFunc func(string, interface{}) error

// Resource should be implemented by anything that should be watchable by
// Controller. It knows how to build the Informer responsible for making the
// API calls, and what to do on Upsert and Delete.
type Resource interface {
	// Informer returns the SharedIndexInformer the controller uses to watch
	// for changes. The Informer is the long-running task that holds
	// blocking queries to Kubernetes and stores results in a local cache.
	Informer() cache.SharedIndexInformer

	// Upsert is called when processing the queue of changes from the
	// Informer. If it returns an error, the item will be retried.
	Upsert(key string, obj interface{}) error

	// Delete is called on object deletion. obj is the last known state of
	// the object before deletion, which may be stale. If it returns an
	// error, the item will be retried.
	Delete(key string, obj interface{}) error
}

// NewResource returns a Resource implementation for the given informer,
// upsert handler, and delete handler.
func NewResource(
	informer cache.SharedIndexInformer,
	upsert ResourceUpsertFunc,
	del ResourceDeleteFunc,
) Resource {
	return &basicResource{
		informer: informer,
		upsert:   upsert,
		del:      del,
	}
}

// basicResource is a Resource implementation where all components are given
// as struct fields. It can only be created with NewResource.
type basicResource struct {
	informer cache.SharedIndexInformer
	upsert   ResourceUpsertFunc
	del      ResourceDeleteFunc
}

func (r *basicResource) Informer() cache.SharedIndexInformer  { return r.informer }
func (r *basicResource) Upsert(k string, v interface{}) error { return r.upsert(k, v) }
func (r *basicResource) Delete(k string, v interface{}) error { return r.del(k, v) }
