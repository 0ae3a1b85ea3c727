// Package types holds the envelopes shared between the watcher supervisor
// (C3) and the deployment update worker (C4): the debounced Work item
// consumed by the updater and the ConsulWatchCommand consumed by the
// supervisor.
package types

import "time"

// Work is a debounce-coalesced intent: "this Deployment has a new checksum
// somewhere, go patch it." Equality for debouncing purposes is by
// (Namespace, Deployment); Occurred is refreshed on re-entry so the
// debounce window restarts.
type Work struct {
	Namespace  string
	Deployment string
	Occurred   time.Time
}

// SameIdentity reports whether w and other refer to the same Deployment,
// ignoring Occurred.
func (w Work) SameIdentity(other Work) bool {
	return w.Namespace == other.Namespace && w.Deployment == other.Deployment
}

// CommandKind tags a ConsulWatchCommand as either starting or stopping a
// key watcher.
type CommandKind int

const (
	// Create requests that a watcher for Key be running.
	Create CommandKind = iota
	// Destroy requests that the watcher for Key be forgotten.
	Destroy
)

func (k CommandKind) String() string {
	switch k {
	case Create:
		return "create"
	case Destroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// ConsulWatchCommand is a tagged variant telling the supervisor to start or
// stop the key watcher for Key. Inserting either form into the supervisor's
// pending set replaces any prior command for the same key, regardless of
// Kind: last writer wins.
type ConsulWatchCommand struct {
	Kind     CommandKind
	Key      string
	Occurred time.Time
}

// NewCreate builds a Create command for key, stamped with now.
func NewCreate(key string, now time.Time) ConsulWatchCommand {
	return ConsulWatchCommand{Kind: Create, Key: key, Occurred: now}
}

// NewDestroy builds a Destroy command for key, stamped with now.
func NewDestroy(key string, now time.Time) ConsulWatchCommand {
	return ConsulWatchCommand{Kind: Destroy, Key: key, Occurred: now}
}

// SameIdentity reports whether c and other target the same Consul key,
// irrespective of Kind or Occurred.
func (c ConsulWatchCommand) SameIdentity(other ConsulWatchCommand) bool {
	return c.Key == other.Key
}
