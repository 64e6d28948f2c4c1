// Package build runs container image builds as Kubernetes Jobs and
// tracks them to a terminal phase.
package build

import (
	"strings"

	"github.com/github/archive-deployer/pkg/labels"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

const (
	// DefaultBuilderImage runs the build stage.
	DefaultBuilderImage = "gcr.io/kaniko-project/executor:v1.9.0"
	// DefaultFetchImage runs the fetch stage for gs:// contexts.
	DefaultFetchImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:slim"

	workspaceVolume = "workspace"
	workspacePath   = "/workspace"
	contextFile     = workspacePath + "/context.tar.gz"

	// backoffLimit allows one retry so transient node problems recover
	// while broken builds fail fast.
	backoffLimit = int32(1)
)

// Request describes one build.
type Request struct {
	AppName       string
	CorrelationID string
	Version       string
	// JobName must be deterministic per archive, see naming.JobName.
	JobName    string
	ArchiveKey string
	// ContextURI is where the fetch stage downloads the archive from.
	ContextURI string
	// ContextSubPath is the build root inside the archive, "." for the
	// root.
	ContextSubPath string
	Destination    string
}

// jobFor renders the batch/v1 Job for req. The fetch stage runs as an
// init container so the build stage only starts once the archive is in
// the shared workspace.
func (m *Manager) jobFor(req Request) *batchv1.Job {
	podLabels := labels.Standard(req.AppName, "", req.Version, "build", req.CorrelationID)

	args := []string{
		"--context=tar://" + contextFile,
		"--destination=" + req.Destination,
		"--cache=true",
		"--cache-repo=" + m.cfg.CacheRepository,
	}
	if req.ContextSubPath != "" && req.ContextSubPath != "." {
		args = append(args, "--context-sub-path="+req.ContextSubPath)
	}

	mounts := []corev1.VolumeMount{{Name: workspaceVolume, MountPath: workspacePath}}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.JobName,
			Namespace: m.cfg.Namespace,
			Labels:    podLabels,
			Annotations: map[string]string{
				labels.KeyArchive: req.ArchiveKey,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To(backoffLimit),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: m.cfg.ServiceAccount,
					InitContainers: []corev1.Container{{
						Name:         "fetch",
						Image:        m.cfg.FetchImage,
						Command:      fetchCommand(req.ContextURI),
						VolumeMounts: mounts,
					}},
					Containers: []corev1.Container{{
						Name:         "kaniko",
						Image:        m.cfg.BuilderImage,
						Args:         args,
						VolumeMounts: mounts,
					}},
					Volumes: []corev1.Volume{{
						Name:         workspaceVolume,
						VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
					}},
				},
			},
		},
	}
	if m.cfg.TTLSecondsAfterFinished > 0 {
		job.Spec.TTLSecondsAfterFinished = ptr.To(m.cfg.TTLSecondsAfterFinished)
	}
	return job
}

// fetchCommand copies the archive into the workspace. The arguments are
// passed without a shell so object names cannot inject commands.
func fetchCommand(uri string) []string {
	if p, ok := strings.CutPrefix(uri, "file://"); ok {
		return []string{"cp", p, contextFile}
	}
	return []string{"gsutil", "cp", uri, contextFile}
}
