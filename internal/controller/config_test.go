package controller

import (
	"errors"
	"testing"
	"time"

	"github.com/github/archive-deployer/pkg/archive"

	"github.com/google/go-cmp/cmp"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(envFrom(map[string]string{
		"STORAGE_BUCKET": "uploads",
		"REGISTRY_URL":   "gcr.io/proj/",
	}))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	want := &Config{
		StorageBucket:       "uploads",
		RegistryURL:         "gcr.io/proj",
		Namespace:           "default",
		BuildServiceAccount: "default",
		PollInterval:        10 * time.Second,
		ErrorBackoffFactor:  2,
		ArchiveSuffixes:     []string{".tar.gz", ".tgz", ".tar"},
		ProcessOrder:        OrderOldest,
		PathLayout:          archive.LayoutNested,
		FlatVersion:         "latest",
		BuildFileName:       "Dockerfile",
		BuildPollInterval:   15 * time.Second,
		BuildJobTTL:         time.Hour,
		ContainerPort:       8080,
		LedgerBackend:       LedgerFile,
		LedgerPath:          "processed_files.log",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(envFrom(map[string]string{
		"STORAGE_BUCKET":        "file:///srv/uploads",
		"REGISTRY_URL":          "registry.local:5000",
		"POLL_INTERVAL_SECONDS": "3",
		"ARCHIVE_SUFFIXES":      " .zip.tar , .tar ",
		"PROCESS_ORDER":         "Newest",
		"PATH_LAYOUT":           "flat",
		"LEDGER_BACKEND":        "sqlite",
		"LEDGER_PATH":           "file:ledger.db",
		"ROUTE_DOMAIN":          "apps.example.com",
		"CONTAINER_PORT":        "3000",
	}))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if diff := cmp.Diff([]string{".zip.tar", ".tar"}, cfg.ArchiveSuffixes); diff != "" {
		t.Errorf("suffixes (-want +got):\n%s", diff)
	}
	if cfg.ProcessOrder != OrderNewest {
		t.Errorf("ProcessOrder = %q", cfg.ProcessOrder)
	}
	if cfg.PathLayout != archive.LayoutFlat {
		t.Errorf("PathLayout = %q", cfg.PathLayout)
	}
	if cfg.LedgerBackend != LedgerSQLite || cfg.LedgerPath != "file:ledger.db" {
		t.Errorf("ledger = %q %q", cfg.LedgerBackend, cfg.LedgerPath)
	}
	if cfg.ContainerPort != 3000 {
		t.Errorf("ContainerPort = %d", cfg.ContainerPort)
	}
}

func TestLoadConfigZeroJobTTL(t *testing.T) {
	cfg, err := LoadConfig(envFrom(map[string]string{
		"STORAGE_BUCKET":        "uploads",
		"REGISTRY_URL":          "gcr.io/proj",
		"BUILD_JOB_TTL_SECONDS": "0",
	}))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BuildJobTTL != 0 {
		t.Errorf("BuildJobTTL = %v, want 0", cfg.BuildJobTTL)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name          string
		env           map[string]string
		wantMissing   []string
		wantMalformed int
	}{
		{
			name:        "nothing set",
			env:         map[string]string{},
			wantMissing: []string{"STORAGE_BUCKET", "REGISTRY_URL"},
		},
		{
			name:        "blank registry",
			env:         map[string]string{"STORAGE_BUCKET": "b", "REGISTRY_URL": "  "},
			wantMissing: []string{"REGISTRY_URL"},
		},
		{
			name: "malformed values",
			env: map[string]string{
				"STORAGE_BUCKET":        "b",
				"REGISTRY_URL":          "r",
				"POLL_INTERVAL_SECONDS": "soon",
				"PROCESS_ORDER":         "random",
				"LEDGER_BACKEND":        "redis",
				"CONTAINER_PORT":        "70000",
			},
			wantMalformed: 4,
		},
		{
			name: "missing and malformed together",
			env: map[string]string{
				"BUILD_POLL_INTERVAL_SECONDS": "-1",
				"BUILD_JOB_TTL_SECONDS":       "-5",
				"ARCHIVE_SUFFIXES":            " , ",
			},
			wantMissing:   []string{"STORAGE_BUCKET", "REGISTRY_URL"},
			wantMalformed: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(envFrom(tt.env))
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if diff := cmp.Diff(tt.wantMissing, cerr.Missing); diff != "" {
				t.Errorf("missing (-want +got):\n%s", diff)
			}
			if len(cerr.Malformed) != tt.wantMalformed {
				t.Errorf("malformed = %v, want %d entries", cerr.Malformed, tt.wantMalformed)
			}
		})
	}
}

func TestHasArchiveSuffix(t *testing.T) {
	cfg := &Config{ArchiveSuffixes: []string{".tar.gz", ".tar"}}
	tests := []struct {
		name     string
		expected bool
	}{
		{"app/c/v1/src.tar.gz", true},
		{"app/c/v1/src.tar", true},
		{"app/c/v1/src.zip", false},
		{"app/c/v1/src.tar.gz.sig", false},
		{"app/c/v1/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.HasArchiveSuffix(tt.name); got != tt.expected {
				t.Errorf("HasArchiveSuffix(%q) = %v, want %v", tt.name, got, tt.expected)
			}
		})
	}
}
