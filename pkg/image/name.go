package image

import (
	"strings"
)

// cacheSuffix is the repository under the registry holding kaniko's
// remote layer cache.
const cacheSuffix = "cache"

// Reference is a container image repository plus an optional tag.
type Reference struct {
	Repository string
	Tag        string
}

// New composes the reference <registry>/<name>:<tag>.
func New(registry, name, tag string) Reference {
	return Reference{
		Repository: strings.TrimRight(registry, "/") + "/" + name,
		Tag:        tag,
	}
}

// CacheRepository returns the layer cache repository for registry. It
// is shared by every build pushed to that registry.
func CacheRepository(registry string) string {
	return strings.TrimRight(registry, "/") + "/" + cacheSuffix
}

// String renders the reference as repository[:tag].
func (r Reference) String() string {
	if r.Tag == "" {
		return r.Repository
	}
	return r.Repository + ":" + r.Tag
}

// Parse splits an image reference into repository and tag, dropping any
// digest. A colon only starts a tag when it follows the last slash, so
// registry ports are kept in the repository.
// Examples:
//   - "nginx:1.21" -> "nginx", "1.21"
//   - "nginx@sha256:abc123" -> "nginx", ""
//   - "localhost:5000/myapp:v1.0" -> "localhost:5000/myapp", "v1.0"
func Parse(ref string) Reference {
	if idx := strings.Index(ref, "@"); idx != -1 {
		ref = ref[:idx]
	}

	lastSlash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > lastSlash {
		return Reference{Repository: ref[:colon], Tag: ref[colon+1:]}
	}
	return Reference{Repository: ref}
}
