package archive

import (
	"fmt"
	"strings"

	"github.com/github/archive-deployer/pkg/naming"
)

// Layout names a storage path convention.
type Layout string

const (
	// LayoutNested is <appName>/<correlationId>/<version>/<file>.
	LayoutNested Layout = "nested"
	// LayoutFlat is <appName>/<file>, with a fixed version.
	LayoutFlat Layout = "flat"
)

// Descriptor holds the routing fields derived from an archive key. All
// fields except Key are sanitized with naming.Sanitize and shortened with
// naming.Fit.
type Descriptor struct {
	Key           string
	AppName       string
	CorrelationID string
	Version       string
}

// BaseName returns the version independent name for the descriptor.
func (d Descriptor) BaseName() string {
	return naming.BaseName(d.AppName, d.CorrelationID)
}

// ResourceName returns the per-version name for the descriptor.
func (d Descriptor) ResourceName() string {
	return naming.ResourceName(d.AppName, d.CorrelationID, d.Version)
}

// KeyError reports an archive key that does not follow the configured
// layout.
type KeyError struct {
	Key    string
	Reason string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("invalid archive key %q: %s", e.Key, e.Reason)
}

// ParseKey derives a Descriptor from key. flatVersion is only used with
// LayoutFlat.
func ParseKey(key string, layout Layout, flatVersion string) (Descriptor, error) {
	d := Descriptor{Key: key}
	if strings.ContainsAny(key, "\t\n\r") {
		return d, &KeyError{Key: key, Reason: "control characters in key"}
	}
	parts := strings.Split(key, "/")

	switch layout {
	case LayoutFlat:
		if len(parts) < 2 {
			return d, &KeyError{Key: key, Reason: "want <app>/<file>"}
		}
		d.AppName = naming.Sanitize(parts[0])
		d.CorrelationID = d.AppName
		d.Version = naming.Sanitize(flatVersion)
	case LayoutNested, "":
		if len(parts) < 4 {
			return d, &KeyError{Key: key, Reason: "want <app>/<correlation-id>/<version>/<file>"}
		}
		d.AppName = naming.Sanitize(parts[0])
		d.CorrelationID = naming.Sanitize(parts[1])
		d.Version = naming.Sanitize(parts[2])
	default:
		return d, &KeyError{Key: key, Reason: fmt.Sprintf("unknown layout %q", layout)}
	}

	switch {
	case d.AppName == "":
		return d, &KeyError{Key: key, Reason: "empty app name"}
	case d.CorrelationID == "":
		return d, &KeyError{Key: key, Reason: "empty correlation id"}
	case d.Version == "":
		return d, &KeyError{Key: key, Reason: "empty version"}
	}

	// Each field becomes a label value and part of a host name.
	d.AppName = naming.Fit(d.AppName)
	d.CorrelationID = naming.Fit(d.CorrelationID)
	d.Version = naming.Fit(d.Version)

	return d, nil
}
