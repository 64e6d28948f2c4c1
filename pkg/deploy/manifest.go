package deploy

import (
	"github.com/github/archive-deployer/pkg/labels"
	"github.com/github/archive-deployer/pkg/naming"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
)

const (
	// DefaultContainerPort is the port the built image is expected to
	// listen on.
	DefaultContainerPort = int32(8080)
	// ServicePort is the port the Service and Ingress expose.
	ServicePort = int32(80)
)

// Target is one revision to deploy. Names are already sanitized.
type Target struct {
	AppName       string
	CorrelationID string
	Version       string
	// BaseName is shared by all versions and names the Service.
	BaseName string
	// ResourceName is per version and names the Deployment.
	ResourceName string
	Image        string
}

// RouteName returns the Ingress name for t.
func (t Target) RouteName() string {
	return naming.RouteName(t.BaseName)
}

// Manifests renders the desired state of the three resources.
type Manifests interface {
	Deployment(t Target) (*appsv1.Deployment, error)
	Service(t Target) (*corev1.Service, error)
	Ingress(t Target, domain string) (*networkingv1.Ingress, error)
}

// Builder renders manifests from typed fields.
type Builder struct {
	Namespace     string
	ContainerPort int32
}

func (b *Builder) port() int32 {
	if b.ContainerPort > 0 {
		return b.ContainerPort
	}
	return DefaultContainerPort
}

func objectLabels(t Target, component string) map[string]string {
	return labels.Standard(t.AppName, t.BaseName, t.Version, component, t.CorrelationID)
}

// Deployment implements Manifests.
func (b *Builder) Deployment(t Target) (*appsv1.Deployment, error) {
	podLabels := objectLabels(t, "workload")
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      t.ResourceName,
			Namespace: b.Namespace,
			Labels:    podLabels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{
				MatchLabels: labels.Selector(t.BaseName, t.Version),
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  t.AppName,
						Image: t.Image,
						Ports: []corev1.ContainerPort{{
							Name:          "http",
							ContainerPort: b.port(),
							Protocol:      corev1.ProtocolTCP,
						}},
					}},
				},
			},
		},
	}, nil
}

// Service implements Manifests.
func (b *Builder) Service(t Target) (*corev1.Service, error) {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      t.BaseName,
			Namespace: b.Namespace,
			Labels:    objectLabels(t, "endpoint"),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: labels.Selector(t.BaseName, t.Version),
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       ServicePort,
				TargetPort: intstr.FromInt32(b.port()),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}, nil
}

// Ingress implements Manifests. The host is <app>.<domain>.
func (b *Builder) Ingress(t Target, domain string) (*networkingv1.Ingress, error) {
	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      t.RouteName(),
			Namespace: b.Namespace,
			Labels:    objectLabels(t, "route"),
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: RouteHost(t, domain),
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     "/",
							PathType: ptr.To(networkingv1.PathTypePrefix),
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: t.BaseName,
									Port: networkingv1.ServiceBackendPort{Number: ServicePort},
								},
							},
						}},
					},
				},
			}},
		},
	}, nil
}

// RouteHost returns the public host name for t under domain.
func RouteHost(t Target, domain string) string {
	return t.AppName + "." + domain
}
