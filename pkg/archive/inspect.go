// Package archive parses archive keys and locates the build context
// inside uploaded source archives.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DefaultBuildFile is the build-instruction file searched for when none
// is configured.
const DefaultBuildFile = "Dockerfile"

// RootContext denotes the archive root as a build context.
const RootContext = "."

// Status is the outcome of inspecting an archive.
type Status int

const (
	// Found means a build file was located; see Result.ContextPath.
	Found Status = iota
	// NotFound means the archive is readable but has no build file at
	// the root or one level below it.
	NotFound
	// Unreadable means the archive is corrupt or not a tar stream.
	Unreadable
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Unreadable:
		return "unreadable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result describes where the build context lives in an archive.
type Result struct {
	Status Status
	// ContextPath is the directory holding the build file, relative to
	// the archive root. Only set when Status is Found.
	ContextPath string
	// Err carries the decode error when Status is Unreadable.
	Err error
}

var gzipMagic = []byte{0x1f, 0x8b}

// Inspect reads a tar or gzip compressed tar stream and locates the
// directory containing buildFile, compared case-insensitively. A match
// at the archive root wins over any match one directory deep; among
// subdirectory matches the first in archive order wins. Deeper matches
// are ignored.
func Inspect(r io.Reader, buildFile string) Result {
	if buildFile == "" {
		buildFile = DefaultBuildFile
	}

	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(len(gzipMagic)); err == nil && bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return Result{Status: Unreadable, Err: fmt.Errorf("open gzip stream: %w", err)}
		}
		defer zr.Close()
		src = zr
	}

	var subdirMatch string
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			continue
		}
		if err != nil {
			return Result{Status: Unreadable, Err: fmt.Errorf("read tar entry: %w", err)}
		}
		if !hdr.FileInfo().Mode().IsRegular() {
			continue
		}

		name, ok := cleanEntryName(hdr.Name)
		if !ok || !strings.EqualFold(path.Base(name), buildFile) {
			continue
		}

		dir := path.Dir(name)
		switch {
		case dir == RootContext:
			return Result{Status: Found, ContextPath: RootContext}
		case !strings.Contains(dir, "/") && subdirMatch == "":
			subdirMatch = dir
		}
	}

	if subdirMatch != "" {
		return Result{Status: Found, ContextPath: subdirMatch}
	}
	return Result{Status: NotFound}
}

// cleanEntryName normalizes a tar entry name to a relative slash path.
// Names escaping the archive root are rejected.
func cleanEntryName(name string) (string, bool) {
	name = strings.TrimLeft(name, "/")
	name = path.Clean(name)
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return "", false
	}
	return name, true
}
