package models

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
)

const watchRetryDelay = 2 * time.Second

// ResourceCache keeps an in-memory copy of one resource kind, populated by
// a list followed by a watch that relists whenever the watch breaks.
type ResourceCache struct {
	mu    sync.RWMutex
	items map[string]*unstructured.Unstructured

	client    dynamic.Interface
	gvr       schema.GroupVersionResource
	namespace string
	log       *zap.Logger

	synced   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewResourceCache creates a cache for gvr. An empty namespace watches all namespaces.
func NewResourceCache(client dynamic.Interface, gvr schema.GroupVersionResource, namespace string, log *zap.Logger) *ResourceCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &ResourceCache{
		items:     make(map[string]*unstructured.Unstructured),
		client:    client,
		gvr:       gvr,
		namespace: namespace,
		log:       log.Named("cache").With(zap.String("resource", gvr.Resource)),
		stopCh:    make(chan struct{}),
	}
}

// Start performs the initial list and starts watching for changes.
// An error means the initial list failed and the cache is unusable.
func (c *ResourceCache) Start(ctx context.Context) error {
	rv, err := c.sync(ctx)
	if err != nil {
		return fmt.Errorf("failed initial sync of %s: %w", c.gvr.Resource, err)
	}

	go c.watchLoop(ctx, rv)
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (c *ResourceCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// HasSynced reports whether the initial list completed
func (c *ResourceCache) HasSynced() bool {
	return c.synced.Load()
}

// List returns the cached objects sorted by namespace/name.
// Callers must not mutate them.
func (c *ResourceCache) List() []*unstructured.Unstructured {
	c.mu.RLock()
	out := make([]*unstructured.Unstructured, 0, len(c.items))
	for _, obj := range c.items {
		out = append(out, obj)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return cacheKey(out[i]) < cacheKey(out[j]) })
	return out
}

func (c *ResourceCache) resource() dynamic.ResourceInterface {
	if c.namespace == "" {
		return c.client.Resource(c.gvr)
	}
	return c.client.Resource(c.gvr).Namespace(c.namespace)
}

// sync lists every object and replaces the cache content
func (c *ResourceCache) sync(ctx context.Context) (string, error) {
	list, err := c.resource().List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", c.gvr.Resource, err)
	}

	items := make(map[string]*unstructured.Unstructured, len(list.Items))
	for i := range list.Items {
		obj := &list.Items[i]
		items[cacheKey(obj)] = obj
	}

	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
	c.synced.Store(true)

	c.log.Info("Synced resources", zap.Int("count", len(items)))
	return list.GetResourceVersion(), nil
}

func (c *ResourceCache) watchLoop(ctx context.Context, rv string) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		watcher, err := c.resource().Watch(ctx, metav1.ListOptions{ResourceVersion: rv})
		if err != nil {
			c.log.Warn("Failed to start watch, retrying", zap.Error(err))
			if !c.sleep(ctx) {
				return
			}
			rv = c.relist(ctx, rv)
			continue
		}

		next, healthy := c.consume(watcher, rv)
		watcher.Stop()
		rv = next

		if !healthy {
			if !c.sleep(ctx) {
				return
			}
			rv = c.relist(ctx, rv)
		}
	}
}

// consume applies events until the watch ends. It returns the last seen
// resource version and false when the watch reported an error.
func (c *ResourceCache) consume(watcher watch.Interface, rv string) (string, bool) {
	for {
		select {
		case <-c.stopCh:
			return rv, true
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return rv, true
			}
			if event.Type == watch.Error {
				c.log.Warn("Watch returned an error event, relisting", zap.Any("status", event.Object))
				return rv, false
			}
			obj, isObj := event.Object.(*unstructured.Unstructured)
			if !isObj {
				continue
			}
			c.handleEvent(event.Type, obj)
			if v := obj.GetResourceVersion(); v != "" {
				rv = v
			}
		}
	}
}

func (c *ResourceCache) relist(ctx context.Context, rv string) string {
	next, err := c.sync(ctx)
	if err != nil {
		c.log.Warn("Relist failed", zap.Error(err))
		return rv
	}
	return next
}

func (c *ResourceCache) handleEvent(eventType watch.EventType, obj *unstructured.Unstructured) {
	key := cacheKey(obj)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch eventType {
	case watch.Added, watch.Modified:
		c.items[key] = obj
		c.log.Debug("Resource updated", zap.String("event", string(eventType)), zap.String("key", key))
	case watch.Deleted:
		delete(c.items, key)
		c.log.Debug("Resource deleted", zap.String("key", key))
	}
}

func (c *ResourceCache) sleep(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(watchRetryDelay):
		return true
	}
}

func cacheKey(obj *unstructured.Unstructured) string {
	return obj.GetNamespace() + "/" + obj.GetName()
}
