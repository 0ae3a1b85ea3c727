package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"
)

// Controller is a generic informer-driven controller that watches
// Kubernetes for changes to a set of resources and calls the configured
// callbacks as data changes.
type Controller struct {
	Log      hclog.Logger
	Resource Resource

	informer cache.SharedIndexInformer

	mu         sync.Mutex
	tombstones map[string]interface{} // key -> last-known object, set on delete
}

// Run starts the Controller and blocks until stopCh is closed.
//
// Important: callers must ensure Run is only called once at a time.
func (c *Controller) Run(stopCh <-chan struct{}) {
	defer utilruntime.HandleCrash()

	informer := c.Resource.Informer()
	c.informer = informer
	c.tombstones = make(map[string]interface{})

	var queueOnce sync.Once
	queue := workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter())
	shutdown := func() { queue.ShutDown() }
	defer queueOnce.Do(shutdown)

	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			key, err := cache.MetaNamespaceKeyFunc(obj)
			c.Log.Debug("queue", "op", "add", "key", key)
			if err == nil {
				queue.Add(key)
			}
		},
		UpdateFunc: func(_, newObj interface{}) {
			key, err := cache.MetaNamespaceKeyFunc(newObj)
			c.Log.Debug("queue", "op", "update", "key", key)
			if err == nil {
				queue.Add(key)
			}
		},
		DeleteFunc: func(obj interface{}) {
			key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
			c.Log.Debug("queue", "op", "delete", "key", key)
			if err == nil {
				// The informer removes the object from its store before this
				// fires, so GetByKey in processSingle would come back empty.
				// Stash the last-known object (unwrapping a tombstone) so the
				// delete callback still gets a real object to work from.
				if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
					obj = tombstone.Obj
				}
				c.mu.Lock()
				c.tombstones[key] = obj
				c.mu.Unlock()
				queue.Add(key)
			}
		},
	})

	go func() {
		informer.Run(stopCh)
		queueOnce.Do(shutdown)
	}()

	if !cache.WaitForCacheSync(stopCh, informer.HasSynced) {
		utilruntime.HandleError(fmt.Errorf("error syncing cache"))
		return
	}
	c.Log.Info("initial cache sync complete")

	wait.Until(func() {
		for c.processSingle(queue, informer) {
		}
	}, time.Second, stopCh)
}

// HasSynced reports whether the underlying informer has completed its
// initial list.
func (c *Controller) HasSynced() bool {
	if c.informer == nil {
		return false
	}
	return c.informer.HasSynced()
}

func (c *Controller) processSingle(
	queue workqueue.RateLimitingInterface,
	informer cache.SharedIndexInformer,
) bool {
	key, quit := queue.Get()
	if quit {
		return false
	}
	defer queue.Done(key)

	keyRaw, ok := key.(string)
	if !ok {
		c.Log.Warn("processSingle: dropping non-string key", "key", key)
		return true
	}

	item, exists, err := informer.GetIndexer().GetByKey(keyRaw)
	if err == nil {
		c.Log.Debug("processing object", "key", keyRaw, "exists", exists)
		if !exists {
			c.mu.Lock()
			last := c.tombstones[keyRaw]
			delete(c.tombstones, keyRaw)
			c.mu.Unlock()
			err = c.Resource.Delete(keyRaw, last)
		} else {
			err = c.Resource.Upsert(keyRaw, item)
		}

		if err == nil {
			queue.Forget(key)
		}
	}

	if err != nil {
		if queue.NumRequeues(key) < 5 {
			c.Log.Error("failed processing item, retrying", "key", keyRaw, "error", err)
			queue.AddRateLimited(key)
		} else {
			c.Log.Error("failed processing item, no more retries", "key", keyRaw, "error", err)
			queue.Forget(key)
			utilruntime.HandleError(err)
		}
	}

	return true
}
