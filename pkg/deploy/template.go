package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"sigs.k8s.io/yaml"
)

// Placeholders substituted in manifest templates.
const (
	PlaceholderAppName      = "{{APP_NAME}}"
	PlaceholderBaseName     = "{{BASE_NAME}}"
	PlaceholderResourceName = "{{RESOURCE_NAME}}"
	PlaceholderVersion      = "{{APP_VERSION}}"
	PlaceholderImage        = "{{IMAGE_NAME}}"
	PlaceholderDomain       = "{{DOMAIN_NAME}}"
)

// Template file names looked up in the template directory.
const (
	DeploymentTemplate = "deployment.yaml"
	ServiceTemplate    = "service.yaml"
	IngressTemplate    = "ingress.yaml"
)

// Templates renders manifests from YAML templates. After decoding, the
// object name and namespace are overwritten with the derived names so
// the reconciler reads, creates and patches the same object.
type Templates struct {
	Namespace  string
	deployment string
	service    string
	ingress    string
}

// LoadTemplates reads the three templates from dir.
func LoadTemplates(dir, namespace string) (*Templates, error) {
	read := func(name string) (string, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("read template: %w", err)
		}
		return string(b), nil
	}

	t := &Templates{Namespace: namespace}
	var err error
	if t.deployment, err = read(DeploymentTemplate); err != nil {
		return nil, err
	}
	if t.service, err = read(ServiceTemplate); err != nil {
		return nil, err
	}
	if t.ingress, err = read(IngressTemplate); err != nil {
		return nil, err
	}
	return t, nil
}

// render substitutes every placeholder in one pass. Values are never
// rescanned, so a value containing a placeholder is left as is.
func render(tmpl string, t Target, domain string, out any) error {
	r := strings.NewReplacer(
		PlaceholderAppName, t.AppName,
		PlaceholderBaseName, t.BaseName,
		PlaceholderResourceName, t.ResourceName,
		PlaceholderVersion, t.Version,
		PlaceholderImage, t.Image,
		PlaceholderDomain, domain,
	)
	if err := yaml.UnmarshalStrict([]byte(r.Replace(tmpl)), out); err != nil {
		return fmt.Errorf("decode rendered manifest: %w", err)
	}
	return nil
}

// Deployment implements Manifests.
func (m *Templates) Deployment(t Target) (*appsv1.Deployment, error) {
	var d appsv1.Deployment
	if err := render(m.deployment, t, "", &d); err != nil {
		return nil, fmt.Errorf("%s: %w", DeploymentTemplate, err)
	}
	if len(d.Spec.Template.Spec.Containers) == 0 {
		return nil, fmt.Errorf("%s: no containers", DeploymentTemplate)
	}
	d.Name = t.ResourceName
	d.Namespace = m.Namespace
	d.Spec.Template.Spec.Containers[0].Image = t.Image
	return &d, nil
}

// Service implements Manifests.
func (m *Templates) Service(t Target) (*corev1.Service, error) {
	var s corev1.Service
	if err := render(m.service, t, "", &s); err != nil {
		return nil, fmt.Errorf("%s: %w", ServiceTemplate, err)
	}
	s.Name = t.BaseName
	s.Namespace = m.Namespace
	return &s, nil
}

// Ingress implements Manifests.
func (m *Templates) Ingress(t Target, domain string) (*networkingv1.Ingress, error) {
	var ing networkingv1.Ingress
	if err := render(m.ingress, t, domain, &ing); err != nil {
		return nil, fmt.Errorf("%s: %w", IngressTemplate, err)
	}
	ing.Name = t.RouteName()
	ing.Namespace = m.Namespace
	return &ing, nil
}
