package k8swatch

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/hashicorp/k8s-consul-mutator/annotations"
	"github.com/hashicorp/k8s-consul-mutator/registry"
	"github.com/hashicorp/k8s-consul-mutator/types"
)

func newResource(reg registry.Registry) (*DeploymentResource, chan types.ConsulWatchCommand) {
	cmdCh := make(chan types.ConsulWatchCommand, 10)
	return &DeploymentResource{
		Log:       hclog.NewNullLogger(),
		Registry:  reg,
		CommandCh: cmdCh,
		NowFunc:   time.Now,
	}, cmdCh
}

func dep(ns, name string, annos map[string]string) *appsv1.Deployment {
	return &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name, Annotations: annos}}
}

func TestUpsert_NewSlotEmitsCreate(t *testing.T) {
	t.Parallel()

	reg := registry.NewInMemory()
	r, cmdCh := newResource(reg)

	err := r.Upsert("ns/web", dep("ns", "web", map[string]string{
		annotations.KeyPrefix + "config": "apps/web/config",
	}))
	require.NoError(t, err)

	select {
	case cmd := <-cmdCh:
		require.Equal(t, types.Create, cmd.Kind)
		require.Equal(t, "apps/web/config", cmd.Key)
	default:
		t.Fatal("expected a create command")
	}

	subs := reg.SubscriptionsForDeployment("ns", "web")
	require.Len(t, subs, 1)
}

func TestUpsert_UnchangedAnnotationsDoesNotResubscribe(t *testing.T) {
	t.Parallel()

	reg := registry.NewInMemory()
	r, cmdCh := newResource(reg)

	d := dep("ns", "web", map[string]string{annotations.KeyPrefix + "config": "apps/web/config"})
	require.NoError(t, r.Upsert("ns/web", d))
	<-cmdCh // drain the first create

	require.NoError(t, r.Upsert("ns/web", d))

	select {
	case cmd := <-cmdCh:
		t.Fatalf("expected no second create, got %+v", cmd)
	default:
	}
}

func TestUpsert_RemovedSlotUnwatches(t *testing.T) {
	t.Parallel()

	reg := registry.NewInMemory()
	r, cmdCh := newResource(reg)

	require.NoError(t, r.Upsert("ns/web", dep("ns", "web", map[string]string{
		annotations.KeyPrefix + "config": "apps/web/config",
	})))
	<-cmdCh

	require.NoError(t, r.Upsert("ns/web", dep("ns", "web", nil)))

	require.Empty(t, reg.SubscriptionsForDeployment("ns", "web"))
}

func TestUpsert_SkipAnnotationClearsSubscriptions(t *testing.T) {
	t.Parallel()

	reg := registry.NewInMemory()
	r, cmdCh := newResource(reg)

	require.NoError(t, r.Upsert("ns/web", dep("ns", "web", map[string]string{
		annotations.KeyPrefix + "config": "apps/web/config",
	})))
	<-cmdCh

	require.NoError(t, r.Upsert("ns/web", dep("ns", "web", map[string]string{
		annotations.KeyPrefix + "config": "apps/web/config",
		annotations.Skip:                 "true",
	})))

	require.Empty(t, reg.SubscriptionsForDeployment("ns", "web"))
}

func TestDelete_UnwatchesDeployment(t *testing.T) {
	t.Parallel()

	reg := registry.NewInMemory()
	r, cmdCh := newResource(reg)

	require.NoError(t, r.Upsert("ns/web", dep("ns", "web", map[string]string{
		annotations.KeyPrefix + "config": "apps/web/config",
	})))
	<-cmdCh

	require.NoError(t, r.Delete("ns/web", dep("ns", "web", nil)))
	require.Empty(t, reg.SubscriptionsForDeployment("ns", "web"))
}

// TestDelete_NilObjectDerivesFromKey exercises a caller that has no
// last-known object for the deletion: a nil obj and only the
// "namespace/name" key.
func TestDelete_NilObjectDerivesFromKey(t *testing.T) {
	t.Parallel()

	reg := registry.NewInMemory()
	r, cmdCh := newResource(reg)

	require.NoError(t, r.Upsert("ns/web", dep("ns", "web", map[string]string{
		annotations.KeyPrefix + "config": "apps/web/config",
	})))
	<-cmdCh

	require.NoError(t, r.Delete("ns/web", nil))
	require.Empty(t, reg.SubscriptionsForDeployment("ns", "web"))
}
