package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/github/archive-deployer/pkg/metrics"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
)

// Phase is the lifecycle state of a build Job.
type Phase string

const (
	// PhaseSubmitted means the Job was created but not yet observed.
	PhaseSubmitted Phase = "Submitted"
	// PhaseRunning means the Job has active pods.
	PhaseRunning   Phase = "Running"
	// PhaseSucceeded means the image was built and pushed.
	PhaseSucceeded Phase = "Succeeded"
	// PhaseFailed means the Job exhausted its retries or could not be read.
	PhaseFailed    Phase = "Failed"
	// PhaseNotFound means the Job disappeared after the grace period.
	PhaseNotFound  Phase = "NotFound"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseNotFound
}

// Config configures a Manager.
type Config struct {
	Namespace       string
	ServiceAccount  string
	BuilderImage    string
	FetchImage      string
	CacheRepository string
	// PollInterval is the delay between status reads.
	PollInterval time.Duration
	// NotFoundRetries bounds how often a missing or unreadable Job is
	// tolerated before it has been observed once.
	NotFoundRetries int
	// NotFoundBackoff is the delay between those retries.
	NotFoundBackoff time.Duration
	// TTLSecondsAfterFinished lets the cluster garbage collect finished
	// Jobs. Zero disables it.
	TTLSecondsAfterFinished int32
}

// Job is a submitted build.
type Job struct {
	Name      string
	Namespace string
	Phase     Phase
	// Adopted is set when a Job with the same name already existed.
	Adopted     bool
	SubmittedAt time.Time
}

// Manager submits build Jobs and waits for them to finish.
type Manager struct {
	clientset kubernetes.Interface
	cfg       Config
	clock     clock.Clock
}

// NewManager returns a Manager. Zero fields in cfg are replaced by
// defaults.
func NewManager(clientset kubernetes.Interface, cfg Config, clk clock.Clock) *Manager {
	if cfg.BuilderImage == "" {
		cfg.BuilderImage = DefaultBuilderImage
	}
	if cfg.FetchImage == "" {
		cfg.FetchImage = DefaultFetchImage
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.NotFoundRetries <= 0 {
		cfg.NotFoundRetries = 5
	}
	if cfg.NotFoundBackoff <= 0 {
		cfg.NotFoundBackoff = 2 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{clientset: clientset, cfg: cfg, clock: clk}
}

// Submit creates the Job for req. If a Job with the same name exists it
// is adopted instead, so a rediscovered archive never builds twice in
// parallel.
func (m *Manager) Submit(ctx context.Context, req Request) (*Job, error) {
	desired := m.jobFor(req)
	jobs := m.clientset.BatchV1().Jobs(m.cfg.Namespace)

	created, err := jobs.Create(ctx, desired, metav1.CreateOptions{})
	switch {
	case err == nil:
		slog.Info("Submitted build job",
			"job", created.Name,
			"namespace", created.Namespace,
			"destination", req.Destination,
			"context_sub_path", req.ContextSubPath,
			"correlation_id", req.CorrelationID,
		)
		return &Job{
			Name:        created.Name,
			Namespace:   m.cfg.Namespace,
			Phase:       PhaseSubmitted,
			SubmittedAt: m.clock.Now(),
		}, nil
	case k8serrors.IsAlreadyExists(err):
		existing, getErr := jobs.Get(ctx, desired.Name, metav1.GetOptions{})
		if getErr != nil {
			return nil, fmt.Errorf("adopt build job %s: %w", desired.Name, getErr)
		}
		phase := phaseOf(existing)
		slog.Info("Adopted existing build job",
			"job", existing.Name,
			"namespace", existing.Namespace,
			"phase", phase,
			"correlation_id", req.CorrelationID,
		)
		return &Job{
			Name:        existing.Name,
			Namespace:   m.cfg.Namespace,
			Phase:       phase,
			Adopted:     true,
			SubmittedAt: m.clock.Now(),
		}, nil
	default:
		return nil, fmt.Errorf("create build job %s: %w", desired.Name, err)
	}
}

// Await polls job until it reaches a terminal phase and returns it.
// Until the Job has been read successfully once, read errors are retried
// NotFoundRetries times to cover the API's visibility lag after
// creation; after that a missing Job is PhaseNotFound and any other
// read error is PhaseFailed. The returned error is non-nil only when ctx
// ends or to describe why the phase is PhaseFailed or PhaseNotFound.
// Cancelling ctx abandons the Job; it is not deleted.
func (m *Manager) Await(ctx context.Context, job *Job) (Phase, error) {
	graceLeft := m.cfg.NotFoundRetries
	seen := job.Adopted
	last := job.Phase

	for {
		current, err := m.clientset.BatchV1().Jobs(job.Namespace).Get(ctx, job.Name, metav1.GetOptions{})
		if ctx.Err() != nil {
			return last, ctx.Err()
		}

		var delay time.Duration
		switch {
		case err != nil && !seen && graceLeft > 0:
			graceLeft--
			slog.Debug("Build job not readable yet, retrying",
				"job", job.Name,
				"retries_left", graceLeft,
				"error", err,
			)
			delay = m.cfg.NotFoundBackoff
		case k8serrors.IsNotFound(err):
			return m.finish(job, PhaseNotFound), fmt.Errorf("build job %s not found: %w", job.Name, err)
		case err != nil:
			return m.finish(job, PhaseFailed), fmt.Errorf("read build job %s: %w", job.Name, err)
		default:
			seen = true
			phase := phaseOf(current)
			if phase != last {
				slog.Info("Build job changed phase",
					"job", job.Name,
					"from", last,
					"to", phase,
				)
				last = phase
				job.Phase = phase
			}
			if phase.Terminal() {
				return m.finish(job, phase), nil
			}
			delay = m.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-m.clock.After(delay):
		}
	}
}

func (m *Manager) finish(job *Job, phase Phase) Phase {
	job.Phase = phase
	metrics.BuildJobTimer.WithLabelValues(string(phase)).
		Observe(m.clock.Since(job.SubmittedAt).Seconds())
	return phase
}

// phaseOf maps Job status to a Phase. Conditions are authoritative; the
// counters are a fallback for clusters that have not set them yet.
func phaseOf(job *batchv1.Job) Phase {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete, batchv1.JobSuccessCriteriaMet:
			return PhaseSucceeded
		case batchv1.JobFailed, batchv1.JobFailureTarget:
			return PhaseFailed
		}
	}

	if job.Status.Succeeded > 0 {
		return PhaseSucceeded
	}
	limit := backoffLimit
	if job.Spec.BackoffLimit != nil {
		limit = *job.Spec.BackoffLimit
	}
	if job.Status.Failed > limit {
		return PhaseFailed
	}
	if job.Status.Active > 0 {
		return PhaseRunning
	}
	return PhaseSubmitted
}
