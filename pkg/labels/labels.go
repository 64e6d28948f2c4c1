// Package labels holds the label keys set on every resource the
// controller creates.
package labels

const (
	// KeyName carries the app name.
	KeyName          = "app.kubernetes.io/name"
	// KeyInstance carries the version independent base name.
	KeyInstance      = "app.kubernetes.io/instance"
	// KeyVersion carries the revision label.
	KeyVersion       = "app.kubernetes.io/version"
	// KeyComponent is "build", "workload", "endpoint" or "route".
	KeyComponent     = "app.kubernetes.io/component"
	// KeyManagedBy is always ValueManagedBy.
	KeyManagedBy     = "app.kubernetes.io/managed-by"
	// KeyCorrelationID carries the submission grouping token.
	KeyCorrelationID = "archive-deployer.github.com/correlation-id"

	// KeyArchive is an annotation, object names do not fit label values.
	KeyArchive = "archive-deployer.github.com/archive"

	// ValueManagedBy marks resources owned by this controller.
	ValueManagedBy = "archive-deployer"
)

// Standard returns the labels shared by build Jobs and deployed
// resources. Empty values are left out.
func Standard(appName, instance, version, component, correlationID string) map[string]string {
	l := map[string]string{
		KeyName:      appName,
		KeyManagedBy: ValueManagedBy,
	}
	for k, v := range map[string]string{
		KeyInstance:      instance,
		KeyVersion:       version,
		KeyComponent:     component,
		KeyCorrelationID: correlationID,
	} {
		if v != "" {
			l[k] = v
		}
	}
	return l
}

// Selector returns the labels a Service uses to pick the pods of one
// revision.
func Selector(instance, version string) map[string]string {
	return map[string]string{
		KeyInstance: instance,
		KeyVersion:  version,
	}
}
