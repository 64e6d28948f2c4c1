package archive

import (
	"errors"
	"strings"
	"testing"

	"github.com/github/archive-deployer/pkg/naming"

	"k8s.io/apimachinery/pkg/util/validation"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		layout   Layout
		expected Descriptor
		wantErr  bool
	}{
		{
			name:   "nested layout",
			key:    "myapp/corr-1/v1/src.tar.gz",
			layout: LayoutNested,
			expected: Descriptor{
				Key: "myapp/corr-1/v1/src.tar.gz", AppName: "myapp", CorrelationID: "corr-1", Version: "v1",
			},
		},
		{
			name:   "nested layout sanitizes fields",
			key:    "My_App/Corr.42/V1.2/src.tar",
			layout: LayoutNested,
			expected: Descriptor{
				Key: "My_App/Corr.42/V1.2/src.tar", AppName: "my-app", CorrelationID: "corr-42", Version: "v1-2",
			},
		},
		{
			name:   "nested layout with extra depth",
			key:    "app/c/v2/sub/src.tar.gz",
			layout: LayoutNested,
			expected: Descriptor{
				Key: "app/c/v2/sub/src.tar.gz", AppName: "app", CorrelationID: "c", Version: "v2",
			},
		},
		{
			name:   "empty layout defaults to nested",
			key:    "app/c/v3/src.tar.gz",
			layout: "",
			expected: Descriptor{
				Key: "app/c/v3/src.tar.gz", AppName: "app", CorrelationID: "c", Version: "v3",
			},
		},
		{name: "too few segments", key: "myapp/v1/src.tar.gz", layout: LayoutNested, wantErr: true},
		{name: "bare file", key: "src.tar.gz", layout: LayoutNested, wantErr: true},
		{name: "field sanitizes to empty", key: "___/c/v1/src.tar.gz", layout: LayoutNested, wantErr: true},
		{
			name:   "flat layout",
			key:    "MyApp/src.tar.gz",
			layout: LayoutFlat,
			expected: Descriptor{
				Key: "MyApp/src.tar.gz", AppName: "myapp", CorrelationID: "myapp", Version: "latest",
			},
		},
		{name: "flat layout bare file", key: "src.tar.gz", layout: LayoutFlat, wantErr: true},
		{name: "unknown layout", key: "a/b/c/d", layout: "sideways", wantErr: true},
		{name: "tab in key", key: "app/c/v1/src\t.tar.gz", layout: LayoutNested, wantErr: true},
		{name: "newline in key", key: "app/c\n/v1/src.tar.gz", layout: LayoutNested, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKey(tt.key, tt.layout, "latest")
			if tt.wantErr {
				var keyErr *KeyError
				if !errors.As(err, &keyErr) {
					t.Fatalf("ParseKey(%q) error = %v, want *KeyError", tt.key, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKey(%q) unexpected error: %v", tt.key, err)
			}
			if got != tt.expected {
				t.Errorf("ParseKey(%q) = %+v, want %+v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestParseKeyFitsLongFields(t *testing.T) {
	long := strings.Repeat("a", 70)
	d, err := ParseKey(long+"/"+long+"/"+long+"/src.tar.gz", LayoutNested, "")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	for name, v := range map[string]string{
		"app":            d.AppName,
		"correlation id": d.CorrelationID,
		"version":        d.Version,
	} {
		if errs := validation.IsValidLabelValue(v); len(errs) > 0 {
			t.Errorf("%s %q is not a valid label value: %v", name, v, errs)
		}
		if errs := validation.IsDNS1123Label(v); len(errs) > 0 {
			t.Errorf("%s %q is not a DNS label: %v", name, v, errs)
		}
	}
	if d.AppName != naming.Fit(long) {
		t.Errorf("AppName = %q, want %q", d.AppName, naming.Fit(long))
	}
}

func TestDescriptorNames(t *testing.T) {
	d := Descriptor{AppName: "myapp", CorrelationID: "corr-1", Version: "v1"}
	if got := d.BaseName(); got != "myapp-corr-1" {
		t.Errorf("BaseName = %q, want %q", got, "myapp-corr-1")
	}
	if got := d.ResourceName(); got != "myapp-corr-1-v1" {
		t.Errorf("ResourceName = %q, want %q", got, "myapp-corr-1-v1")
	}
}
