package controller

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/github/archive-deployer/pkg/archive"
)

// Order selects which pending archives are processed first.
type Order string

const (
	// OrderOldest processes archives by ascending creation time.
	OrderOldest Order = "oldest"
	// OrderNewest processes archives by descending creation time.
	OrderNewest Order = "newest"
)

// LedgerBackend names a ledger implementation.
type LedgerBackend string

const (
	LedgerFile   LedgerBackend = "file"
	LedgerSQLite LedgerBackend = "sqlite"
)

// Config holds the global configuration for the controller.
type Config struct {
	StorageBucket       string
	StoragePrefix       string
	RegistryURL         string
	Namespace           string
	BuildServiceAccount string
	RouteDomain         string
	PollInterval        time.Duration
	// ErrorBackoffFactor multiplies PollInterval after a listing error.
	ErrorBackoffFactor  int
	ArchiveSuffixes     []string
	ProcessOrder        Order
	PathLayout          archive.Layout
	FlatVersion         string
	BuildFileName       string
	BuildPollInterval   time.Duration
	// BuildJobTTL of zero keeps finished Jobs.
	BuildJobTTL         time.Duration
	BuilderImage        string
	FetchImage          string
	ContainerPort       int32
	ManifestTemplateDir string
	LedgerBackend       LedgerBackend
	LedgerPath          string
	NotifyURL           string
	NotifyToken         string
	NotifyGHAppID       string
	NotifyGHInstallID   string
	NotifyGHAppPrivKey  string
}

// envReader collects problems while reading variables so that all of
// them are reported at once.
type envReader struct {
	getenv func(string) string
	err    ConfigError
}

func (r *envReader) required(key string) string {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		r.err.Missing = append(r.err.Missing, key)
	}
	return v
}

func (r *envReader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *envReader) positive(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.err.Malformed = append(r.err.Malformed, fmt.Sprintf("%s=%q: want a positive integer", key, v))
		return def
	}
	return n
}

func (r *envReader) nonNegative(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		r.err.Malformed = append(r.err.Malformed, fmt.Sprintf("%s=%q: want a non-negative integer", key, v))
		return def
	}
	return n
}

func (r *envReader) oneOf(key, def string, allowed ...string) string {
	v := strings.ToLower(r.str(key, def))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	r.err.Malformed = append(r.err.Malformed,
		fmt.Sprintf("%s=%q: want one of %s", key, v, strings.Join(allowed, ", ")))
	return def
}

func (r *envReader) list(key, def string) []string {
	var out []string
	for _, s := range strings.Split(r.str(key, def), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		r.err.Malformed = append(r.err.Malformed, fmt.Sprintf("%s: empty list", key))
	}
	return out
}

// LoadConfig reads the configuration through getenv, normally os.Getenv.
// It returns a *ConfigError naming every missing or malformed variable.
func LoadConfig(getenv func(string) string) (*Config, error) {
	r := &envReader{getenv: getenv}

	cfg := &Config{
		StorageBucket:       r.required("STORAGE_BUCKET"),
		RegistryURL:         strings.TrimSuffix(r.required("REGISTRY_URL"), "/"),
		StoragePrefix:       r.str("STORAGE_PREFIX", ""),
		Namespace:           r.str("CLUSTER_NAMESPACE", "default"),
		BuildServiceAccount: r.str("BUILD_SERVICE_ACCOUNT", "default"),
		RouteDomain:         r.str("ROUTE_DOMAIN", ""),
		PollInterval:        time.Duration(r.positive("POLL_INTERVAL_SECONDS", 10)) * time.Second,
		ErrorBackoffFactor:  2,
		ArchiveSuffixes:     r.list("ARCHIVE_SUFFIXES", ".tar.gz,.tgz,.tar"),
		ProcessOrder:        Order(r.oneOf("PROCESS_ORDER", string(OrderOldest), string(OrderOldest), string(OrderNewest))),
		PathLayout: archive.Layout(r.oneOf("PATH_LAYOUT", string(archive.LayoutNested),
			string(archive.LayoutNested), string(archive.LayoutFlat))),
		FlatVersion:         r.str("FLAT_VERSION", "latest"),
		BuildFileName:       r.str("BUILD_FILE_NAME", archive.DefaultBuildFile),
		BuildPollInterval:   time.Duration(r.positive("BUILD_POLL_INTERVAL_SECONDS", 15)) * time.Second,
		BuildJobTTL:         time.Duration(r.nonNegative("BUILD_JOB_TTL_SECONDS", 3600)) * time.Second,
		BuilderImage:        r.str("BUILDER_IMAGE", ""),
		FetchImage:          r.str("FETCH_IMAGE", ""),
		ManifestTemplateDir: r.str("MANIFEST_TEMPLATE_DIR", ""),
		LedgerBackend: LedgerBackend(r.oneOf("LEDGER_BACKEND", string(LedgerFile),
			string(LedgerFile), string(LedgerSQLite))),
		LedgerPath:         r.str("LEDGER_PATH", "processed_files.log"),
		NotifyURL:          r.str("NOTIFY_URL", ""),
		NotifyToken:        r.str("NOTIFY_TOKEN", ""),
		NotifyGHAppID:      r.str("NOTIFY_GH_APP_ID", ""),
		NotifyGHInstallID:  r.str("NOTIFY_GH_INSTALL_ID", ""),
		NotifyGHAppPrivKey: r.str("NOTIFY_GH_APP_PRIV_KEY", ""),
	}

	port := r.positive("CONTAINER_PORT", 8080)
	if port > 65535 {
		r.err.Malformed = append(r.err.Malformed, fmt.Sprintf("CONTAINER_PORT=%d: out of range", port))
	}
	cfg.ContainerPort = int32(port) //nolint:gosec

	if len(r.err.Missing) > 0 || len(r.err.Malformed) > 0 {
		return nil, &r.err
	}
	return cfg, nil
}

// HasArchiveSuffix reports whether name ends in one of the configured
// archive suffixes.
func (c *Config) HasArchiveSuffix(name string) bool {
	for _, s := range c.ArchiveSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
