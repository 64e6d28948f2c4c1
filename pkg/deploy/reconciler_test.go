package deploy

import (
	"context"
	"errors"
	"testing"

	"github.com/github/archive-deployer/pkg/labels"

	"github.com/google/go-cmp/cmp"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const testNamespace = "apps"

func testTarget(version string) Target {
	return Target{
		AppName:       "myapp",
		CorrelationID: "corr-1",
		Version:       version,
		BaseName:      "myapp-corr-1",
		ResourceName:  "myapp-corr-1-" + version,
		Image:         "gcr.io/proj/myapp:" + version,
	}
}

func newTestReconciler(clientset *fake.Clientset) *Reconciler {
	return NewReconciler(clientset, testNamespace, &Builder{Namespace: testNamespace})
}

func TestReconcileCreatesResources(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset()
	r := newTestReconciler(clientset)

	res, err := r.Reconcile(ctx, testTarget("v1"), "example.com")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := &Result{
		Deployment: ActionCreated,
		Service:    ActionCreated,
		Ingress:    ActionCreated,
		URL:        "https://myapp.example.com",
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	dep, err := clientset.AppsV1().Deployments(testNamespace).Get(ctx, "myapp-corr-1-v1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if img := dep.Spec.Template.Spec.Containers[0].Image; img != "gcr.io/proj/myapp:v1" {
		t.Errorf("deployment image = %q", img)
	}
	if v := dep.Labels[labels.KeyVersion]; v != "v1" {
		t.Errorf("deployment version label = %q, want v1", v)
	}

	svc, err := clientset.CoreV1().Services(testNamespace).Get(ctx, "myapp-corr-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.Spec.Selector[labels.KeyVersion] != "v1" {
		t.Errorf("service selector = %v", svc.Spec.Selector)
	}

	ing, err := clientset.NetworkingV1().Ingresses(testNamespace).Get(ctx, "myapp-corr-1-ingress", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get ingress: %v", err)
	}
	if host := ing.Spec.Rules[0].Host; host != "myapp.example.com" {
		t.Errorf("ingress host = %q", host)
	}
	if backend := ing.Spec.Rules[0].HTTP.Paths[0].Backend.Service.Name; backend != "myapp-corr-1" {
		t.Errorf("ingress backend = %q, want the stable service", backend)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset()
	r := newTestReconciler(clientset)
	target := testTarget("v1")

	if _, err := r.Reconcile(ctx, target, "example.com"); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	depBefore, _ := clientset.AppsV1().Deployments(testNamespace).Get(ctx, target.ResourceName, metav1.GetOptions{})
	svcBefore, _ := clientset.CoreV1().Services(testNamespace).Get(ctx, target.BaseName, metav1.GetOptions{})
	ingBefore, _ := clientset.NetworkingV1().Ingresses(testNamespace).Get(ctx, target.RouteName(), metav1.GetOptions{})

	res, err := r.Reconcile(ctx, target, "example.com")
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if res.Service != ActionUnchanged {
		t.Errorf("service action = %q, want %q", res.Service, ActionUnchanged)
	}

	depAfter, _ := clientset.AppsV1().Deployments(testNamespace).Get(ctx, target.ResourceName, metav1.GetOptions{})
	svcAfter, _ := clientset.CoreV1().Services(testNamespace).Get(ctx, target.BaseName, metav1.GetOptions{})
	ingAfter, _ := clientset.NetworkingV1().Ingresses(testNamespace).Get(ctx, target.RouteName(), metav1.GetOptions{})

	if diff := cmp.Diff(depBefore.Spec, depAfter.Spec); diff != "" {
		t.Errorf("deployment spec changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(depBefore.Labels, depAfter.Labels); diff != "" {
		t.Errorf("deployment labels changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(svcBefore, svcAfter); diff != "" {
		t.Errorf("service changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(ingBefore.Spec, ingAfter.Spec); diff != "" {
		t.Errorf("ingress spec changed (-before +after):\n%s", diff)
	}

	deps, _ := clientset.AppsV1().Deployments(testNamespace).List(ctx, metav1.ListOptions{})
	svcs, _ := clientset.CoreV1().Services(testNamespace).List(ctx, metav1.ListOptions{})
	ings, _ := clientset.NetworkingV1().Ingresses(testNamespace).List(ctx, metav1.ListOptions{})
	if len(deps.Items) != 1 || len(svcs.Items) != 1 || len(ings.Items) != 1 {
		t.Errorf("got %d deployments, %d services, %d ingresses; want one of each",
			len(deps.Items), len(svcs.Items), len(ings.Items))
	}
}

func TestReconcileNewVersionCutsOver(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset()
	r := newTestReconciler(clientset)

	if _, err := r.Reconcile(ctx, testTarget("v1"), "example.com"); err != nil {
		t.Fatalf("Reconcile v1: %v", err)
	}
	res, err := r.Reconcile(ctx, testTarget("v2"), "example.com")
	if err != nil {
		t.Fatalf("Reconcile v2: %v", err)
	}

	want := &Result{
		Deployment: ActionCreated,
		Service:    ActionPatched,
		Ingress:    ActionPatched,
		URL:        "https://myapp.example.com",
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	svc, _ := clientset.CoreV1().Services(testNamespace).Get(ctx, "myapp-corr-1", metav1.GetOptions{})
	if svc.Spec.Selector[labels.KeyVersion] != "v2" {
		t.Errorf("service still selects %q, want v2", svc.Spec.Selector[labels.KeyVersion])
	}
	ings, _ := clientset.NetworkingV1().Ingresses(testNamespace).List(ctx, metav1.ListOptions{})
	if len(ings.Items) != 1 {
		t.Errorf("got %d ingresses after a version bump, want 1", len(ings.Items))
	}
}

func TestReconcileWithoutDomainSkipsRoute(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset()
	r := newTestReconciler(clientset)

	res, err := r.Reconcile(ctx, testTarget("v1"), "")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Ingress != ActionSkipped || res.URL != "" {
		t.Errorf("result = %+v, want skipped route", res)
	}
	ings, _ := clientset.NetworkingV1().Ingresses(testNamespace).List(ctx, metav1.ListOptions{})
	if len(ings.Items) != 0 {
		t.Errorf("got %d ingresses, want none", len(ings.Items))
	}
}

func TestReconcilePatchesExistingRouteUnderSameName(t *testing.T) {
	ctx := context.Background()
	target := testTarget("v1")
	existing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: target.RouteName(), Namespace: testNamespace},
	}
	clientset := fake.NewClientset(existing)
	r := newTestReconciler(clientset)

	res, err := r.Reconcile(ctx, target, "example.com")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Ingress != ActionPatched {
		t.Errorf("ingress action = %q, want %q", res.Ingress, ActionPatched)
	}

	ings, _ := clientset.NetworkingV1().Ingresses(testNamespace).List(ctx, metav1.ListOptions{})
	if len(ings.Items) != 1 {
		t.Fatalf("got %d ingresses, want 1", len(ings.Items))
	}
	if len(ings.Items[0].Spec.Rules) != 1 || ings.Items[0].Spec.Rules[0].Host != "myapp.example.com" {
		t.Errorf("ingress not patched: %+v", ings.Items[0].Spec)
	}
}

func TestReconcileServiceDropsStaleSelectorKeys(t *testing.T) {
	ctx := context.Background()
	target := testTarget("v1")
	existing := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: target.BaseName, Namespace: testNamespace},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"legacy": "yes", labels.KeyInstance: target.BaseName},
		},
	}
	clientset := fake.NewClientset(existing)
	r := newTestReconciler(clientset)

	res, err := r.Reconcile(ctx, target, "")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Service != ActionPatched {
		t.Errorf("service action = %q, want %q", res.Service, ActionPatched)
	}

	svc, _ := clientset.CoreV1().Services(testNamespace).Get(ctx, target.BaseName, metav1.GetOptions{})
	want := labels.Selector(target.BaseName, "v1")
	if diff := cmp.Diff(want, svc.Spec.Selector); diff != "" {
		t.Errorf("selector mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileReadErrorAborts(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset()
	clientset.PrependReactor("get", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, k8serrors.NewForbidden(
			appsResource, "myapp-corr-1-v1", errors.New("rbac"))
	})
	r := newTestReconciler(clientset)

	_, err := r.Reconcile(ctx, testTarget("v1"), "example.com")
	var resErr *ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("Reconcile error = %v, want *ResourceError", err)
	}
	if resErr.Kind != KindDeployment || resErr.Op != "read" || resErr.Name != "myapp-corr-1-v1" {
		t.Errorf("ResourceError = %+v", resErr)
	}
	if !k8serrors.IsForbidden(err) {
		t.Errorf("underlying error lost: %v", err)
	}

	svcs, _ := clientset.CoreV1().Services(testNamespace).List(ctx, metav1.ListOptions{})
	if len(svcs.Items) != 0 {
		t.Error("service created after deployment failure")
	}
}

func TestReconcileCreateErrorAborts(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset()
	clientset.PrependReactor("create", "services", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, k8serrors.NewServiceUnavailable("apiserver restarting")
	})
	r := newTestReconciler(clientset)

	res, err := r.Reconcile(ctx, testTarget("v1"), "example.com")
	var resErr *ResourceError
	if !errors.As(err, &resErr) || resErr.Kind != KindService || resErr.Op != "create" {
		t.Fatalf("Reconcile error = %v, want service create ResourceError", err)
	}
	if res.Deployment != ActionCreated {
		t.Errorf("deployment action = %q, want %q", res.Deployment, ActionCreated)
	}
	ings, _ := clientset.NetworkingV1().Ingresses(testNamespace).List(ctx, metav1.ListOptions{})
	if len(ings.Items) != 0 {
		t.Error("ingress created after service failure")
	}
}

var appsResource = schema.GroupResource{Group: "apps", Resource: "deployments"}
