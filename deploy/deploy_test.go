package deploy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildApplyPatch_BothMaps(t *testing.T) {
	t.Parallel()

	body, err := buildApplyPatch("web", AnnotationPatch{
		Name:                "web",
		Annotations:         map[string]string{"k8s-consul-mutator.io/checksum-config": "md5-abc"},
		TemplateAnnotations: map[string]string{"k8s-consul-mutator.io/checksum-config": "md5-abc"},
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))

	require.Equal(t, "apps/v1", decoded["apiVersion"])
	require.Equal(t, "Deployment", decoded["kind"])

	metadata := decoded["metadata"].(map[string]interface{})
	require.Equal(t, "web", metadata["name"])
	annotations := metadata["annotations"].(map[string]interface{})
	require.Equal(t, "md5-abc", annotations["k8s-consul-mutator.io/checksum-config"])

	spec := decoded["spec"].(map[string]interface{})
	template := spec["template"].(map[string]interface{})
	templateMeta := template["metadata"].(map[string]interface{})
	templateAnnotations := templateMeta["annotations"].(map[string]interface{})
	require.Equal(t, "md5-abc", templateAnnotations["k8s-consul-mutator.io/checksum-config"])
}

func TestBuildApplyPatch_OmitsEmptyMaps(t *testing.T) {
	t.Parallel()

	body, err := buildApplyPatch("web", AnnotationPatch{Name: "web"})
	require.NoError(t, err)
	require.JSONEq(t, `{"apiVersion":"apps/v1","kind":"Deployment","metadata":{"name":"web"}}`, string(body))
}

func TestBuildApplyPatch_TemplateOnlyOmitsTopAnnotations(t *testing.T) {
	t.Parallel()

	body, err := buildApplyPatch("web", AnnotationPatch{
		Name:                "web",
		TemplateAnnotations: map[string]string{"k8s-consul-mutator.io/checksum-config": "md5-abc"},
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))

	metadata := decoded["metadata"].(map[string]interface{})
	_, hasAnnotations := metadata["annotations"]
	require.False(t, hasAnnotations)

	spec := decoded["spec"].(map[string]interface{})
	template := spec["template"].(map[string]interface{})
	templateMeta := template["metadata"].(map[string]interface{})
	templateAnnotations := templateMeta["annotations"].(map[string]interface{})
	require.Equal(t, "md5-abc", templateAnnotations["k8s-consul-mutator.io/checksum-config"])
}
