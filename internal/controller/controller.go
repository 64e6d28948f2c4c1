// Package controller implements the polling loop that takes uploaded
// archives through build and deployment.
package controller

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/github/archive-deployer/pkg/archive"
	"github.com/github/archive-deployer/pkg/build"
	"github.com/github/archive-deployer/pkg/deploy"
	"github.com/github/archive-deployer/pkg/image"
	"github.com/github/archive-deployer/pkg/ledger"
	"github.com/github/archive-deployer/pkg/metrics"
	"github.com/github/archive-deployer/pkg/naming"
	"github.com/github/archive-deployer/pkg/notify"
	"github.com/github/archive-deployer/pkg/storage"

	"k8s.io/utils/clock"
)

// Builder submits build Jobs and waits for them.
type Builder interface {
	Submit(ctx context.Context, req build.Request) (*build.Job, error)
	Await(ctx context.Context, job *build.Job) (build.Phase, error)
}

// Deployer applies the resources for a built revision.
type Deployer interface {
	Reconcile(ctx context.Context, t deploy.Target, domain string) (*deploy.Result, error)
}

// Notifier is told about every deployed revision.
type Notifier interface {
	Post(ctx context.Context, rel *notify.Release) error
}

// Deps are the collaborators of a Controller. Notifier and Clock are
// optional.
type Deps struct {
	Store    storage.BlobStore
	Ledger   ledger.Ledger
	Builder  Builder
	Deployer Deployer
	Notifier Notifier
	Clock    clock.Clock
}

// Controller watches a bucket and runs every new archive through the
// pipeline, one at a time.
type Controller struct {
	store    storage.BlobStore
	ledger   ledger.Ledger
	builder  Builder
	deployer Deployer
	notifier Notifier
	clock    clock.Clock
	cfg      *Config

	// processed holds keys whose ledger write failed. Only the loop
	// goroutine touches it.
	processed map[string]struct{}
	// warned holds keys already reported as unparseable.
	warned map[string]struct{}
}

type candidate struct {
	obj  storage.Object
	desc archive.Descriptor
}

// New creates a new controller.
func New(cfg *Config, deps Deps) (*Controller, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config is required")
	case deps.Store == nil:
		return nil, errors.New("blob store is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Builder == nil:
		return nil, errors.New("builder is required")
	case deps.Deployer == nil:
		return nil, errors.New("deployer is required")
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Controller{
		store:     deps.Store,
		ledger:    deps.Ledger,
		builder:   deps.Builder,
		deployer:  deps.Deployer,
		notifier:  deps.Notifier,
		clock:     clk,
		cfg:       cfg,
		processed: make(map[string]struct{}),
		warned:    make(map[string]struct{}),
	}, nil
}

// Run polls until ctx is cancelled. Failed listings are logged and the
// next poll is delayed by ErrorBackoffFactor; Run itself never fails.
func (c *Controller) Run(ctx context.Context) error {
	slog.Info("Watching for archives",
		"prefix", c.cfg.StoragePrefix,
		"suffixes", c.cfg.ArchiveSuffixes,
		"poll_interval", c.cfg.PollInterval,
	)

	for {
		delay := c.cfg.PollInterval
		if err := c.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.PollErrors.Inc()
			delay *= max(time.Duration(c.cfg.ErrorBackoffFactor), 1)
			slog.Error("Failed to list archives, backing off",
				"error", err,
				"retry_in", delay,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("Stopping archive watcher")
			return nil
		case <-c.clock.After(delay):
		}
	}
}

// pollOnce lists the bucket and processes every pending archive. Only a
// listing failure is returned; per archive failures are logged.
func (c *Controller) pollOnce(ctx context.Context) error {
	objs, err := c.store.List(ctx, c.cfg.StoragePrefix)
	if err != nil {
		return &TransientError{Key: c.cfg.StoragePrefix, Op: "list", Err: err}
	}

	pending := c.pending(ctx, objs)
	metrics.PendingArchives.Set(float64(len(pending)))
	if len(pending) > 0 {
		slog.Info("Found pending archives",
			"count", len(pending))
	}

	for i, cand := range pending {
		if ctx.Err() != nil {
			return nil
		}
		c.handle(ctx, cand)
		metrics.PendingArchives.Set(float64(len(pending) - i - 1))
	}
	return nil
}

// pending filters objs down to parseable, unprocessed archives in
// processing order.
func (c *Controller) pending(ctx context.Context, objs []storage.Object) []candidate {
	var out []candidate
	for _, obj := range objs {
		if !c.cfg.HasArchiveSuffix(obj.Name) {
			continue
		}
		if _, ok := c.processed[obj.Name]; ok {
			continue
		}
		done, err := c.ledger.Has(ctx, obj.Name)
		if err != nil {
			slog.Error("Failed to read ledger, skipping archive",
				"archive", obj.Name,
				"error", err,
			)
			continue
		}
		if done {
			continue
		}

		desc, err := archive.ParseKey(obj.Name, c.cfg.PathLayout, c.cfg.FlatVersion)
		if err != nil {
			if _, ok := c.warned[obj.Name]; !ok {
				c.warned[obj.Name] = struct{}{}
				slog.Warn("Ignoring archive with unexpected path",
					"archive", obj.Name,
					"error", err,
				)
			}
			continue
		}
		out = append(out, candidate{obj: obj, desc: desc})
	}

	sortCandidates(out, c.cfg.ProcessOrder)
	return out
}

func sortCandidates(cands []candidate, order Order) {
	slices.SortStableFunc(cands, func(a, b candidate) int {
		byTime := a.obj.Created.Compare(b.obj.Created)
		if order == OrderNewest {
			byTime = -byTime
		}
		return cmp.Or(byTime, cmp.Compare(a.obj.Name, b.obj.Name))
	})
}

// handle runs one archive and applies the ledger policy to the result.
func (c *Controller) handle(ctx context.Context, cand candidate) {
	key := cand.obj.Name
	start := c.clock.Now()
	err := c.processArchive(ctx, cand)
	if ctx.Err() != nil {
		slog.Info("Abandoned archive on shutdown",
			"archive", key)
		return
	}

	var (
		ve *ValidationError
		be *BuildError
		re *ReconcileError
		te *TransientError
	)
	var (
		label   string
		outcome ledger.Outcome
	)
	switch {
	case err == nil:
		label, outcome = string(ledger.OutcomeSucceeded), ledger.OutcomeSucceeded
	case errors.As(err, &ve):
		label, outcome = string(ledger.OutcomeValidationFailed), ledger.OutcomeValidationFailed
		slog.Warn("Rejected archive",
			"archive", key,
			"error", err,
		)
	case errors.As(err, &be):
		label, outcome = string(ledger.OutcomeBuildFailed), ledger.OutcomeBuildFailed
		slog.Error("Build failed",
			"archive", key,
			"job", be.Job,
			"phase", be.Phase,
			"error", err,
		)
	case errors.As(err, &re):
		label = "reconcile_failed"
		slog.Error("Failed to deploy revision, will retry",
			"archive", key,
			"kind", re.Err.Kind,
			"resource", re.Err.Name,
			"error", err,
		)
	case errors.As(err, &te):
		label = "transient_error"
		slog.Warn("Transient failure, will retry",
			"archive", key,
			"op", te.Op,
			"error", err,
		)
	default:
		label = "transient_error"
		slog.Error("Unexpected pipeline error, will retry",
			"archive", key,
			"error", err,
		)
	}

	metrics.ArchivesProcessed.WithLabelValues(label).Inc()
	metrics.PipelineTimer.WithLabelValues(label).Observe(c.clock.Since(start).Seconds())

	if outcome != "" {
		c.record(ctx, key, outcome)
	}
}

func (c *Controller) record(ctx context.Context, key string, outcome ledger.Outcome) {
	err := c.ledger.Record(ctx, ledger.Record{
		Key:       key,
		Outcome:   outcome,
		Timestamp: c.clock.Now().UTC(),
	})
	switch {
	case err == nil:
		slog.Info("Recorded archive",
			"archive", key,
			"outcome", outcome,
		)
	case errors.Is(err, ledger.ErrAlreadyRecorded):
		slog.Debug("Archive already recorded",
			"archive", key)
	default:
		// Remember the key so it is not rebuilt on every poll until
		// the process restarts.
		c.processed[key] = struct{}{}
		slog.Error("Failed to record archive",
			"archive", key,
			"outcome", outcome,
			"error", err,
		)
	}
}

// processArchive takes one archive from inspection to deployment.
func (c *Controller) processArchive(ctx context.Context, cand candidate) error {
	key, d := cand.obj.Name, cand.desc
	log := slog.With(
		"archive", key,
		"app", d.AppName,
		"correlation_id", d.CorrelationID,
		"version", d.Version,
	)

	contextPath, err := c.inspect(ctx, key)
	if err != nil {
		return err
	}
	log.Info("Located build context",
		"context_path", contextPath)

	resourceName := d.ResourceName()
	ref := image.New(c.cfg.RegistryURL, d.AppName, d.Version)

	job, err := c.builder.Submit(ctx, build.Request{
		AppName:        d.AppName,
		CorrelationID:  d.CorrelationID,
		Version:        d.Version,
		JobName:        naming.JobName(resourceName, key),
		ArchiveKey:     key,
		ContextURI:     c.store.URI(key),
		ContextSubPath: contextPath,
		Destination:    ref.String(),
	})
	if err != nil {
		return &TransientError{Key: key, Op: "submit build", Err: err}
	}

	phase, err := c.builder.Await(ctx, job)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if phase != build.PhaseSucceeded {
		return &BuildError{Key: key, Job: job.Name, Phase: phase, Err: err}
	}

	target := deploy.Target{
		AppName:       d.AppName,
		CorrelationID: d.CorrelationID,
		Version:       d.Version,
		BaseName:      d.BaseName(),
		ResourceName:  resourceName,
		Image:         ref.String(),
	}
	res, err := c.deployer.Reconcile(ctx, target, c.cfg.RouteDomain)
	if err != nil {
		var rerr *deploy.ResourceError
		if !errors.As(err, &rerr) {
			rerr = &deploy.ResourceError{Op: "reconcile", Err: err}
		}
		return &ReconcileError{Key: key, Err: rerr}
	}

	log.Info("Deployed revision",
		"image", target.Image,
		"deployment", res.Deployment,
		"service", res.Service,
		"ingress", res.Ingress,
		"url", res.URL,
	)
	c.notify(ctx, key, target, res)
	return nil
}

// inspect opens the archive and returns its build context path.
func (c *Controller) inspect(ctx context.Context, key string) (string, error) {
	rc, err := c.store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			err = fmt.Errorf("archive disappeared before it was read: %w", err)
		}
		return "", &TransientError{Key: key, Op: "open", Err: err}
	}
	defer rc.Close()

	res := archive.Inspect(rc, c.cfg.BuildFileName)
	switch res.Status {
	case archive.Found:
		return res.ContextPath, nil
	case archive.NotFound:
		return "", &ValidationError{
			Key:    key,
			Reason: fmt.Sprintf("no %s at the archive root or one level below", c.cfg.BuildFileName),
		}
	default:
		return "", &ValidationError{Key: key, Reason: "unreadable archive", Err: res.Err}
	}
}

// notify reports a deployed revision. Failures are logged only; the
// revision is already live.
func (c *Controller) notify(ctx context.Context, key string, t deploy.Target, res *deploy.Result) {
	if c.notifier == nil {
		return
	}
	rel := &notify.Release{
		App:           t.AppName,
		CorrelationID: t.CorrelationID,
		Version:       t.Version,
		Image:         t.Image,
		Archive:       key,
		Namespace:     c.cfg.Namespace,
		Deployment:    t.ResourceName,
		Service:       t.BaseName,
		URL:           res.URL,
		Status:        notify.StatusDeployed,
		DeployedAt:    c.clock.Now().UTC(),
	}
	if err := c.notifier.Post(ctx, rel); err != nil {
		slog.Warn("Failed to send release notification",
			"archive", key,
			"error", err,
		)
	}
}
