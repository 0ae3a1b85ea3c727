package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemory_WatchIdempotent(t *testing.T) {
	t.Parallel()

	r := NewInMemory()
	first, err := r.Watch("ns", "dep", "config", "apps/foo")
	require.NoError(t, err)
	require.True(t, first)

	second, err := r.Watch("ns", "dep", "config", "apps/foo")
	require.NoError(t, err)
	require.False(t, second)
}

func TestInMemory_WatchConflict(t *testing.T) {
	t.Parallel()

	r := NewInMemory()
	_, err := r.Watch("ns", "dep", "config", "apps/foo")
	require.NoError(t, err)

	_, err = r.Watch("ns", "dep", "config", "apps/bar")
	require.Error(t, err)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "apps/foo", conflict.Existing)
	require.Equal(t, "apps/bar", conflict.Requested)
}

func TestInMemory_WatchFirstForKey(t *testing.T) {
	t.Parallel()

	r := NewInMemory()
	first, err := r.Watch("ns", "dep-a", "config", "apps/foo")
	require.NoError(t, err)
	require.True(t, first)

	second, err := r.Watch("ns", "dep-b", "config", "apps/foo")
	require.NoError(t, err)
	require.False(t, second)
}

func TestInMemory_UnwatchDeployment(t *testing.T) {
	t.Parallel()

	r := NewInMemory()
	_, _ = r.Watch("ns", "dep", "config", "apps/foo")
	_, _ = r.Watch("ns", "dep", "feature-flags", "apps/bar")
	_, _ = r.Watch("ns", "other", "config", "apps/foo")

	removed := r.UnwatchDeployment("ns", "dep")
	require.Equal(t, 2, removed)
	require.Empty(t, r.SubscriptionsForDeployment("ns", "dep"))
	require.Len(t, r.SubscriptionsForDeployment("ns", "other"), 1)
}

func TestInMemory_UnwatchNamespace(t *testing.T) {
	t.Parallel()

	r := NewInMemory()
	_, _ = r.Watch("ns-a", "dep", "config", "apps/foo")
	_, _ = r.Watch("ns-a", "dep2", "config", "apps/foo")
	_, _ = r.Watch("ns-b", "dep", "config", "apps/foo")

	removed := r.UnwatchNamespace("ns-a")
	require.Equal(t, 2, removed)
	require.Len(t, r.SubscriptionsForConsulKey("apps/foo"), 1)
}

func TestInMemory_SubscriberCountMatchesSubscriptions(t *testing.T) {
	t.Parallel()

	r := NewInMemory()
	_, _ = r.Watch("ns", "dep-a", "config", "apps/shared")
	_, _ = r.Watch("ns", "dep-b", "config", "apps/shared")
	_, _ = r.Watch("ns", "dep-c", "config", "apps/other")

	require.Equal(t, len(r.SubscriptionsForConsulKey("apps/shared")), r.ConsulKeySubscriberCount("apps/shared"))
	require.Equal(t, 2, r.ConsulKeySubscriberCount("apps/shared"))
}

func TestInMemory_ConsulKeysIsDistinctValueSet(t *testing.T) {
	t.Parallel()

	r := NewInMemory()
	_, _ = r.Watch("ns", "dep-a", "config", "apps/shared")
	_, _ = r.Watch("ns", "dep-b", "config", "apps/shared")
	_, _ = r.Watch("ns", "dep-c", "feature-flags", "apps/other")

	keys := r.ConsulKeys()
	require.ElementsMatch(t, []string{"apps/shared", "apps/other"}, keys)
}

func TestInMemory_DeploymentAnnotationsOmitsMissingChecksums(t *testing.T) {
	t.Parallel()

	r := NewInMemory()
	_, _ = r.Watch("ns", "dep", "config", "apps/foo")
	_, _ = r.Watch("ns", "dep", "feature-flags", "apps/bar")
	r.Set("apps/foo", "md5-abc")

	annotations := r.DeploymentAnnotations("ns", "dep")
	require.Equal(t, map[string]string{"config": "md5-abc"}, annotations)
}

func TestInMemory_GetMissingKey(t *testing.T) {
	t.Parallel()

	r := NewInMemory()
	_, ok := r.Get("apps/nonexistent")
	require.False(t, ok)
}
