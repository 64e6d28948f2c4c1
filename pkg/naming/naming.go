// Package naming derives Kubernetes resource names from archive
// descriptors. Every function here is pure: the same inputs always
// produce the same name, across processes and restarts.
package naming

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// MaxNameLength is the longest DNS-1123 label accepted for Service and
// Job names.
const MaxNameLength = 63

// digestLength is the number of hex characters appended to names that
// had to be shortened.
const digestLength = 10

// Sanitize lowercases s and replaces every character outside
// [a-z0-9-] with a hyphen. Leading and trailing hyphens are removed.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('-')
	}
	return strings.Trim(b.String(), "-")
}

// Join sanitizes the hyphen-joined parts and fits the result into a
// DNS-1123 label.
func Join(parts ...string) string {
	return Fit(Sanitize(strings.Join(parts, "-")))
}

// Fit returns name unchanged if it is short enough, otherwise a
// truncated prefix followed by a digest of the full name. Two distinct
// long names sharing a prefix therefore still map to distinct results.
func Fit(name string) string {
	if len(name) <= MaxNameLength {
		return name
	}
	prefix := strings.TrimRight(name[:MaxNameLength-digestLength-1], "-")
	return prefix + "-" + digest(name, digestLength)
}

// BaseName is the name shared by every version of an app submitted
// under one correlation id. The Service is keyed on it.
func BaseName(appName, correlationID string) string {
	return Join(appName, correlationID)
}

// ResourceName is the per-version name used for the Deployment.
func ResourceName(appName, correlationID, version string) string {
	return Join(appName, correlationID, version)
}

// RouteName is the Ingress name for an app. It is stable across
// versions and must be used by both the create and the patch path.
func RouteName(baseName string) string {
	return Fit(baseName + "-ingress")
}

// JobName is the build Job name for one archive. The archive key digest
// keeps two uploads of the same version apart while letting a
// rediscovered archive find the Job it already started.
func JobName(resourceName, archiveKey string) string {
	suffix := "-" + digest(archiveKey, 8)
	name := Sanitize("build-" + resourceName)
	if len(name)+len(suffix) > MaxNameLength {
		name = strings.TrimRight(name[:MaxNameLength-len(suffix)], "-")
	}
	return name + suffix
}

func digest(s string, n int) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}
