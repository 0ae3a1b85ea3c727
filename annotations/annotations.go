// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package annotations holds the annotation vocabulary this controller reads
// and writes on Deployments, and the shared parsing used by both the
// admission webhook and the Deployment watcher.
package annotations

import "strings"

const (
	// Skip, when present (any value), exempts the object from all
	// subscription processing.
	Skip = "k8s-consul-mutator.io/skip"

	// KeyPrefix is the annotation key prefix identifying a configuration
	// slot. The slot name is everything after the prefix, e.g.
	// "k8s-consul-mutator.io/key-config" binds slot "config".
	KeyPrefix = "k8s-consul-mutator.io/key-"

	// ChecksumPrefix is the annotation key prefix this controller writes
	// with the latest checksum for a slot.
	ChecksumPrefix = "k8s-consul-mutator.io/checksum-"

	// LastUpdated is the annotation key this controller writes with the
	// RFC-3339 timestamp of the most recent checksum update.
	LastUpdated = "k8s-consul-mutator.io/last-updated"
)

// ChecksumKey returns the annotation key this controller writes for slot.
func ChecksumKey(slot string) string {
	return ChecksumPrefix + slot
}

// Slots extracts the slot -> consul key bindings from an object's
// annotations. It is shared verbatim between the admission webhook and the
// Deployment watcher so both observe identical subscription requests.
func Slots(objAnnotations map[string]string) map[string]string {
	slots := make(map[string]string)
	for k, v := range objAnnotations {
		if slot, ok := strings.CutPrefix(k, KeyPrefix); ok && slot != "" {
			slots[slot] = v
		}
	}
	return slots
}

// HasSkip reports whether objAnnotations carries the skip annotation.
func HasSkip(objAnnotations map[string]string) bool {
	_, ok := objAnnotations[Skip]
	return ok
}
