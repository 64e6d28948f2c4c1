package controller

import (
	"fmt"
	"strings"

	"github.com/github/archive-deployer/pkg/build"
	"github.com/github/archive-deployer/pkg/deploy"
)

// ConfigError lists every missing or malformed variable found by
// LoadConfig.
type ConfigError struct {
	Missing   []string
	Malformed []string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required variables: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Malformed) > 0 {
		parts = append(parts, "malformed variables: "+strings.Join(e.Malformed, "; "))
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// TransientError is a storage or cluster failure that is expected to
// clear on its own. The archive is not recorded and is retried on the
// next poll.
type TransientError struct {
	Key string
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ValidationError means the archive itself is unusable: unreadable or
// without a build file.
type ValidationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("archive %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("archive %s: %s", e.Key, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BuildError means the build Job failed or vanished.
type BuildError struct {
	Key   string
	Job   string
	Phase build.Phase
	Err   error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build %s for %s ended %s: %v", e.Job, e.Key, e.Phase, e.Err)
	}
	return fmt.Sprintf("build %s for %s ended %s", e.Job, e.Key, e.Phase)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// ReconcileError wraps the failure to apply a resource after a
// successful build.
type ReconcileError struct {
	Key string
	Err *deploy.ResourceError
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("deploy %s: %v", e.Key, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}
