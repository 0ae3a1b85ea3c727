package controller_test

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/hashicorp/k8s-consul-mutator/controller"
	"github.com/hashicorp/k8s-consul-mutator/k8swatch"
	"github.com/hashicorp/k8s-consul-mutator/registry"
	"github.com/hashicorp/k8s-consul-mutator/types"
)

// TestController_DeleteUnwatchesDeployment drives the real
// informer/workqueue path end to end (not DeploymentResource.Delete called
// directly) to guard against the workqueue only carrying a string key:
// a delete must still reach the registry even though the informer's store
// no longer holds the object by the time the queue drains it.
func TestController_DeleteUnwatchesDeployment(t *testing.T) {
	t.Parallel()

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "ns",
			Name:      "web",
			Annotations: map[string]string{
				"k8s-consul-mutator.io/key-config": "apps/web/config",
			},
		},
	}

	clientset := k8sfake.NewSimpleClientset(dep)
	reg := registry.NewInMemory()

	resource := &k8swatch.DeploymentResource{
		Log:       hclog.NewNullLogger(),
		Client:    clientset,
		Registry:  reg,
		CommandCh: make(chan types.ConsulWatchCommand, 10),
	}
	ctrl := &controller.Controller{Log: hclog.NewNullLogger(), Resource: resource}

	stopCh := make(chan struct{})
	defer close(stopCh)
	go ctrl.Run(stopCh)

	require.Eventually(t, func() bool {
		return len(reg.SubscriptionsForDeployment("ns", "web")) == 1
	}, 2*time.Second, 10*time.Millisecond, "deployment was never subscribed")

	require.NoError(t, clientset.AppsV1().Deployments("ns").Delete(context.Background(), "web", metav1.DeleteOptions{}))

	require.Eventually(t, func() bool {
		return len(reg.SubscriptionsForDeployment("ns", "web")) == 0
	}, 2*time.Second, 10*time.Millisecond, "deployment was never unwatched on delete")
}
