package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/github/archive-deployer/internal/controller"
	"github.com/github/archive-deployer/pkg/build"
	"github.com/github/archive-deployer/pkg/deploy"
	"github.com/github/archive-deployer/pkg/image"
	"github.com/github/archive-deployer/pkg/ledger"
	"github.com/github/archive-deployer/pkg/notify"
	"github.com/github/archive-deployer/pkg/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"
)

func main() {
	var (
		kubeconfig  string
		metricsPort string
	)

	flag.StringVar(&kubeconfig, "kubeconfig", "", "path to kubeconfig file (uses in-cluster config if not set)")
	flag.StringVar(&metricsPort, "metrics-port", "9090", "port to listen to for metrics")
	flag.Parse()

	// init logging
	log.SetFlags(log.LstdFlags | log.Lshortfile | log.LUTC)
	opts := slog.HandlerOptions{Level: slog.LevelInfo}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &opts)))

	cfg, err := controller.LoadConfig(os.Getenv)
	if err != nil {
		slog.Error("Invalid configuration",
			"error", err)
		os.Exit(1)
	}

	k8sCfg, err := createK8sConfig(kubeconfig)
	if err != nil {
		slog.Error("Failed to create Kubernetes config",
			"error", err)
		os.Exit(1)
	}

	clientset, err := kubernetes.NewForConfig(k8sCfg)
	if err != nil {
		slog.Error("Error creating Kubernetes client",
			"error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.StorageBucket)
	if err != nil {
		slog.Error("Failed to open storage",
			"bucket", cfg.StorageBucket,
			"error", err)
		os.Exit(1)
	}

	led, err := openLedger(cfg)
	if err != nil {
		slog.Error("Failed to open ledger",
			"backend", cfg.LedgerBackend,
			"path", cfg.LedgerPath,
			"error", err)
		os.Exit(1)
	}
	defer led.Close()

	manifests, err := loadManifests(cfg)
	if err != nil {
		slog.Error("Failed to load manifest templates",
			"dir", cfg.ManifestTemplateDir,
			"error", err)
		os.Exit(1)
	}

	notifier, err := createNotifier(cfg)
	if err != nil {
		slog.Error("Failed to create release notifier",
			"error", err)
		os.Exit(1)
	}

	clk := clock.RealClock{}
	builder := build.NewManager(clientset, build.Config{
		Namespace:               cfg.Namespace,
		ServiceAccount:          cfg.BuildServiceAccount,
		BuilderImage:            cfg.BuilderImage,
		FetchImage:              cfg.FetchImage,
		CacheRepository:         image.CacheRepository(cfg.RegistryURL),
		PollInterval:            cfg.BuildPollInterval,
		TTLSecondsAfterFinished: int32(cfg.BuildJobTTL / time.Second), //nolint:gosec
	}, clk)

	deps := controller.Deps{
		Store:    store,
		Ledger:   led,
		Builder:  builder,
		Deployer: deploy.NewReconciler(clientset, cfg.Namespace, manifests),
		Clock:    clk,
	}
	if notifier != nil {
		deps.Notifier = notifier
	}

	cntrl, err := controller.New(cfg, deps)
	if err != nil {
		slog.Error("Failed to create controller",
			"error", err)
		os.Exit(1)
	}

	// Start the metrics server
	var promSrv = &http.Server{
		Addr:              ":" + metricsPort,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           http.NewServeMux(),
	}
	promSrv.Handler.(*http.ServeMux).Handle("/metrics", promhttp.Handler())

	go func() {
		slog.Info("starting Prometheus metrics server",
			"url", promSrv.Addr)
		if err := promSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start metrics server",
				"error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := promSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown metrics server gracefully",
				"error", err)
		}

		cancel()
	}()

	slog.Info("Starting archive-deployer controller",
		"bucket", cfg.StorageBucket,
		"namespace", cfg.Namespace,
		"registry", cfg.RegistryURL)
	if err := cntrl.Run(ctx); err != nil {
		slog.Error("Error running controller",
			"error", err)
		os.Exit(1)
	}
}

func openLedger(cfg *controller.Config) (ledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case controller.LedgerSQLite:
		return ledger.OpenSQLite(cfg.LedgerPath)
	default:
		return ledger.OpenFile(cfg.LedgerPath)
	}
}

func loadManifests(cfg *controller.Config) (deploy.Manifests, error) {
	if cfg.ManifestTemplateDir == "" {
		return &deploy.Builder{Namespace: cfg.Namespace, ContainerPort: cfg.ContainerPort}, nil
	}
	return deploy.LoadTemplates(cfg.ManifestTemplateDir, cfg.Namespace)
}

// createNotifier returns nil when no endpoint is configured.
func createNotifier(cfg *controller.Config) (*notify.Client, error) {
	if cfg.NotifyURL == "" {
		return nil, nil
	}
	var opts []notify.Option
	if cfg.NotifyToken != "" {
		opts = append(opts, notify.WithToken(cfg.NotifyToken))
	}
	if cfg.NotifyGHAppID != "" &&
		cfg.NotifyGHInstallID != "" &&
		cfg.NotifyGHAppPrivKey != "" {
		opts = append(opts, notify.WithGitHubApp(cfg.NotifyGHAppID, cfg.NotifyGHInstallID, cfg.NotifyGHAppPrivKey))
	}
	return notify.NewClient(cfg.NotifyURL, opts...)
}

func createK8sConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}

	if os.Getenv("KUBECONFIG") != "" {
		return clientcmd.BuildConfigFromFlags("", os.Getenv("KUBECONFIG"))
	}

	// Try in-cluster config first
	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}

	// Fall back to default kubeconfig location
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	return clientcmd.BuildConfigFromFlags("", homeDir+"/.kube/config")
}
