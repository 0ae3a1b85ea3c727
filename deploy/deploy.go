// Package deploy implements the Kubernetes patch client (E3): a thin
// wrapper around client-go's AppsV1 Deployments client that the update
// worker uses to read and server-side-apply annotations. Grounded on the
// kubernetes.Interface CRUD usage in catalog/to-k8s's K8SSink, adapted
// from Create/Update/Delete of Services to a single field-managed Apply
// patch of Deployments.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
)

// FieldManager identifies this controller's writes to the API server for
// server-side apply's ownership tracking and conflict detection.
const FieldManager = "k8s-consul-mutator"

// AnnotationPatch describes the annotation changes to apply to a
// Deployment: its own metadata.annotations and/or its pod template's
// metadata.annotations.
type AnnotationPatch struct {
	Name                string
	Annotations         map[string]string
	TemplateAnnotations map[string]string
}

// Patcher is the narrow interface the update worker depends on, so tests
// can substitute a fake instead of a real API server.
type Patcher interface {
	// Get returns the named Deployment, or (nil, nil) if it no longer
	// exists.
	Get(ctx context.Context, namespace, name string) (*appsv1.Deployment, error)
	// Patch applies p as a server-side apply patch under FieldManager.
	Patch(ctx context.Context, namespace, name string, p AnnotationPatch) error
}

// Client is the production Patcher backed by a real API server.
type Client struct {
	Clientset kubernetes.Interface
}

// NewClient returns a Client wrapping clientset.
func NewClient(clientset kubernetes.Interface) *Client {
	return &Client{Clientset: clientset}
}

func (c *Client) Get(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	dep, err := c.Clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting deployment %s/%s: %w", namespace, name, err)
	}
	return dep, nil
}

func (c *Client) Patch(ctx context.Context, namespace, name string, p AnnotationPatch) error {
	body, err := buildApplyPatch(name, p)
	if err != nil {
		return fmt.Errorf("building apply patch for %s/%s: %w", namespace, name, err)
	}
	_, err = c.Clientset.AppsV1().Deployments(namespace).Patch(ctx, name, types.ApplyPatchType, body, metav1.PatchOptions{
		FieldManager: FieldManager,
		Force:        ptr.To(true),
	})
	if err != nil {
		return fmt.Errorf("patching deployment %s/%s: %w", namespace, name, err)
	}
	return nil
}

// buildApplyPatch serializes p into the partial-object document a
// server-side apply patch requires: apiVersion/kind and metadata.name
// identifying the resource, plus metadata.annotations and
// spec.template.metadata.annotations, each only when its map is non-empty.
func buildApplyPatch(name string, p AnnotationPatch) ([]byte, error) {
	type meta struct {
		Name        string            `json:"name"`
		Annotations map[string]string `json:"annotations,omitempty"`
	}
	type templateMeta struct {
		Annotations map[string]string `json:"annotations,omitempty"`
	}
	type podTemplate struct {
		Metadata templateMeta `json:"metadata,omitempty"`
	}
	type spec struct {
		Template podTemplate `json:"template,omitempty"`
	}
	doc := struct {
		APIVersion string `json:"apiVersion"`
		Kind       string `json:"kind"`
		Metadata   meta   `json:"metadata"`
		Spec       *spec  `json:"spec,omitempty"`
	}{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Metadata:   meta{Name: name},
	}

	if len(p.Annotations) > 0 {
		doc.Metadata.Annotations = p.Annotations
	}
	if len(p.TemplateAnnotations) > 0 {
		doc.Spec = &spec{Template: podTemplate{Metadata: templateMeta{Annotations: p.TemplateAnnotations}}}
	}

	return json.Marshal(doc)
}
