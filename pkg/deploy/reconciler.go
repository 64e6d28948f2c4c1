// Package deploy reconciles the Deployment, Service and Ingress that
// run a built image.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"

	"github.com/github/archive-deployer/pkg/image"
	"github.com/github/archive-deployer/pkg/labels"
	"github.com/github/archive-deployer/pkg/metrics"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

// Resource kinds reported in errors and metrics.
const (
	KindDeployment = "Deployment"
	KindService    = "Service"
	KindIngress    = "Ingress"
)

// Action is what the reconciler did to one resource.
type Action string

const (
	ActionCreated   Action = "created"
	ActionPatched   Action = "patched"
	ActionUnchanged Action = "unchanged"
	ActionSkipped   Action = "skipped"
)

// Result summarizes one Reconcile call.
type Result struct {
	Deployment Action
	Service    Action
	Ingress    Action
	// URL is the public address, empty when no route is configured.
	URL string
}

// ResourceError is a read or write failure other than "not found".
type ResourceError struct {
	Kind string
	Name string
	Op   string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s %s %s: %s", e.Op, e.Kind, e.Name, e.Err.Error())
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// presence is the outcome of reading a resource by name.
type presence int

const (
	exists presence = iota
	absent
	unreadable
)

func classify(err error) presence {
	switch {
	case err == nil:
		return exists
	case k8serrors.IsNotFound(err):
		return absent
	default:
		return unreadable
	}
}

// Reconciler applies desired resources with read, then create or patch.
type Reconciler struct {
	clientset kubernetes.Interface
	namespace string
	manifests Manifests
}

// NewReconciler returns a Reconciler working in namespace.
func NewReconciler(clientset kubernetes.Interface, namespace string, manifests Manifests) *Reconciler {
	return &Reconciler{
		clientset: clientset,
		namespace: namespace,
		manifests: manifests,
	}
}

// Reconcile ensures the Deployment, the Service and, when domain is not
// empty, the Ingress for t. Calling it again with the same input leaves
// the cluster unchanged. The first failure stops the remaining steps.
func (r *Reconciler) Reconcile(ctx context.Context, t Target, domain string) (*Result, error) {
	res := &Result{Ingress: ActionSkipped}
	var err error

	if res.Deployment, err = r.applyDeployment(ctx, t); err != nil {
		return res, err
	}
	if res.Service, err = r.applyService(ctx, t); err != nil {
		return res, err
	}
	if domain == "" {
		return res, nil
	}
	if res.Ingress, err = r.applyIngress(ctx, t, domain); err != nil {
		return res, err
	}
	res.URL = "https://" + RouteHost(t, domain)
	return res, nil
}

func (r *Reconciler) record(kind, name string, action Action, attrs ...any) {
	metrics.ReconcileActions.WithLabelValues(kind, string(action)).Inc()
	slog.Info("Reconciled resource",
		append([]any{
			"kind", kind,
			"resource", name,
			"namespace", r.namespace,
			"action", action,
		}, attrs...)...,
	)
}

// specPatch renders a strategic merge patch replacing labels and spec.
func specPatch(objLabels map[string]string, spec any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": objLabels},
		"spec":     spec,
	})
}

func (r *Reconciler) applyDeployment(ctx context.Context, t Target) (Action, error) {
	desired, err := r.manifests.Deployment(t)
	if err != nil {
		return "", &ResourceError{Kind: KindDeployment, Name: t.ResourceName, Op: "render", Err: err}
	}
	client := r.clientset.AppsV1().Deployments(r.namespace)

	current, err := client.Get(ctx, desired.Name, metav1.GetOptions{})
	switch classify(err) {
	case absent:
		_, err := client.Create(ctx, desired, metav1.CreateOptions{})
		if err == nil {
			r.record(KindDeployment, desired.Name, ActionCreated, "image", t.Image)
			return ActionCreated, nil
		}
		if !k8serrors.IsAlreadyExists(err) {
			return "", &ResourceError{Kind: KindDeployment, Name: desired.Name, Op: "create", Err: err}
		}
	case unreadable:
		return "", &ResourceError{Kind: KindDeployment, Name: desired.Name, Op: "read", Err: err}
	}

	patch, err := specPatch(desired.Labels, desired.Spec)
	if err != nil {
		return "", &ResourceError{Kind: KindDeployment, Name: desired.Name, Op: "render", Err: err}
	}
	if _, err := client.Patch(ctx, desired.Name, types.StrategicMergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return "", &ResourceError{Kind: KindDeployment, Name: desired.Name, Op: "patch", Err: err}
	}

	previous := ""
	if current != nil && len(current.Spec.Template.Spec.Containers) > 0 {
		previous = image.Parse(current.Spec.Template.Spec.Containers[0].Image).Tag
	}
	r.record(KindDeployment, desired.Name, ActionPatched, "image", t.Image, "previous_tag", previous)
	return ActionPatched, nil
}

// applyService creates the Service if it is missing. An existing Service
// is only patched when its selector or ports differ, so its cluster IP
// and endpoints stay stable across redundant applies.
func (r *Reconciler) applyService(ctx context.Context, t Target) (Action, error) {
	desired, err := r.manifests.Service(t)
	if err != nil {
		return "", &ResourceError{Kind: KindService, Name: t.BaseName, Op: "render", Err: err}
	}
	client := r.clientset.CoreV1().Services(r.namespace)

	current, err := client.Get(ctx, desired.Name, metav1.GetOptions{})
	switch classify(err) {
	case absent:
		if _, err := client.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return "", &ResourceError{Kind: KindService, Name: desired.Name, Op: "create", Err: err}
		}
		r.record(KindService, desired.Name, ActionCreated)
		return ActionCreated, nil
	case unreadable:
		return "", &ResourceError{Kind: KindService, Name: desired.Name, Op: "read", Err: err}
	}

	if maps.Equal(current.Spec.Selector, desired.Spec.Selector) && portsEqual(current.Spec.Ports, desired.Spec.Ports) {
		r.record(KindService, desired.Name, ActionUnchanged)
		return ActionUnchanged, nil
	}

	// A JSON merge patch replaces the port list; selector keys that are
	// no longer wanted are nulled out.
	selector := make(map[string]any, len(desired.Spec.Selector))
	for k := range current.Spec.Selector {
		selector[k] = nil
	}
	for k, v := range desired.Spec.Selector {
		selector[k] = v
	}
	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{
			"selector": selector,
			"ports":    desired.Spec.Ports,
		},
	})
	if err != nil {
		return "", &ResourceError{Kind: KindService, Name: desired.Name, Op: "render", Err: err}
	}
	if _, err := client.Patch(ctx, desired.Name, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return "", &ResourceError{Kind: KindService, Name: desired.Name, Op: "patch", Err: err}
	}
	r.record(KindService, desired.Name, ActionPatched, "selector_version", desired.Spec.Selector[labels.KeyVersion])
	return ActionPatched, nil
}

func portsEqual(current, desired []corev1.ServicePort) bool {
	if len(current) != len(desired) {
		return false
	}
	for i := range current {
		c, d := current[i], desired[i]
		if c.Name != d.Name || c.Port != d.Port || c.TargetPort != d.TargetPort || protocol(c) != protocol(d) {
			return false
		}
	}
	return true
}

func protocol(p corev1.ServicePort) corev1.Protocol {
	if p.Protocol == "" {
		return corev1.ProtocolTCP
	}
	return p.Protocol
}

func (r *Reconciler) applyIngress(ctx context.Context, t Target, domain string) (Action, error) {
	name := t.RouteName()
	desired, err := r.manifests.Ingress(t, domain)
	if err != nil {
		return "", &ResourceError{Kind: KindIngress, Name: name, Op: "render", Err: err}
	}
	client := r.clientset.NetworkingV1().Ingresses(r.namespace)

	_, err = client.Get(ctx, name, metav1.GetOptions{})
	switch classify(err) {
	case absent:
		_, err := client.Create(ctx, desired, metav1.CreateOptions{})
		if err == nil {
			r.record(KindIngress, name, ActionCreated, "host", RouteHost(t, domain))
			return ActionCreated, nil
		}
		if !k8serrors.IsAlreadyExists(err) {
			return "", &ResourceError{Kind: KindIngress, Name: name, Op: "create", Err: err}
		}
	case unreadable:
		return "", &ResourceError{Kind: KindIngress, Name: name, Op: "read", Err: err}
	}

	patch, err := specPatch(desired.Labels, desired.Spec)
	if err != nil {
		return "", &ResourceError{Kind: KindIngress, Name: name, Op: "render", Err: err}
	}
	if _, err := client.Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return "", &ResourceError{Kind: KindIngress, Name: name, Op: "patch", Err: err}
	}
	r.record(KindIngress, name, ActionPatched, "host", RouteHost(t, domain))
	return ActionPatched, nil
}
