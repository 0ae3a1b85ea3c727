// Package webhook implements the mutating admission webhook (E1): a thin
// translator from AdmissionReview requests to JSON Patch operations.
// Grounded on connect-inject/connect_webhook.go's Handle shape (decode,
// then answer Allowed/Denied/Errored/Patched), but it builds its "add"
// operations directly instead of diffing a mutated copy, and it is mounted
// on a plain http.ServeMux instead of a controller-runtime Manager so it
// shares a process with the metrics and health listeners.
package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"gomodules.xyz/jsonpatch/v2"
	appsv1 "k8s.io/api/apps/v1"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/hashicorp/k8s-consul-mutator/annotations"
	"github.com/hashicorp/k8s-consul-mutator/metrics"
	"github.com/hashicorp/k8s-consul-mutator/registry"
	"github.com/hashicorp/k8s-consul-mutator/types"
)

// Webhook admits Deployments, registering their key subscriptions and
// stamping in any checksum the registry already knows about so a freshly
// created Deployment doesn't have to wait for the next KV change to pick
// up its initial config.
type Webhook struct {
	Log       hclog.Logger
	Registry  registry.Registry
	CommandCh chan<- types.ConsulWatchCommand
	NowFunc   func() time.Time

	decoder admission.Decoder
}

// NewHandler returns an http.Handler serving AdmissionReview requests.
// admission.Webhook itself implements http.Handler, decoding the
// AdmissionReview envelope and re-encoding the Response this type builds.
func NewHandler(w *Webhook, decoder admission.Decoder) http.Handler {
	w.decoder = decoder
	return &admission.Webhook{Handler: admission.HandlerFunc(w.Handle)}
}

func (w *Webhook) now() time.Time {
	if w.NowFunc != nil {
		return w.NowFunc()
	}
	return time.Now()
}

// Handle implements admission.Handler.
func (w *Webhook) Handle(ctx context.Context, req admission.Request) (resp admission.Response) {
	defer func() { metrics.IncrAdmissionRequest(resp.Allowed) }()

	var dep appsv1.Deployment
	if err := w.decoder.Decode(req, &dep); err != nil {
		w.Log.Error("could not unmarshal request to deployment", "err", err)
		return admission.Errored(http.StatusBadRequest, err)
	}

	if annotations.HasSkip(dep.Annotations) {
		return admission.Allowed("skip annotation present")
	}

	slots := annotations.Slots(dep.Annotations)
	if len(slots) == 0 {
		return admission.Allowed("no key annotations present")
	}

	var ops []jsonpatch.Operation
	if dep.Annotations == nil {
		ops = append(ops, jsonpatch.Operation{Operation: "add", Path: "/metadata/annotations", Value: map[string]string{}})
	}

	for slot, key := range slots {
		_, err := w.Registry.Watch(dep.Namespace, dep.Name, slot, key)
		if err != nil {
			if _, ok := err.(*registry.ConflictError); ok {
				return admission.Denied(err.Error())
			}
			return admission.Errored(http.StatusInternalServerError, err)
		}

		w.sendCreate(key)

		if sum, ok := w.Registry.Get(key); ok {
			checksumKey := annotations.ChecksumKey(slot)
			ops = append(ops,
				jsonpatch.Operation{Operation: "add", Path: "/metadata/annotations/" + escapeJSONPointer(checksumKey), Value: sum},
				jsonpatch.Operation{Operation: "add", Path: "/spec/template/metadata/annotations/" + escapeJSONPointer(checksumKey), Value: sum},
			)
		}
	}

	return admission.Patched("", ops...)
}

func (w *Webhook) sendCreate(key string) {
	select {
	case w.CommandCh <- types.NewCreate(key, w.now()):
	default:
		w.Log.Warn("command channel full, dropping create command", "key", key)
	}
}

// escapeJSONPointer applies the RFC 6901 escaping ("~" -> "~0", "/" ->
// "~1") JSON Patch paths require for annotation keys that contain slashes.
func escapeJSONPointer(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '~':
			out = append(out, '~', '0')
		case '/':
			out = append(out, '~', '1')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
