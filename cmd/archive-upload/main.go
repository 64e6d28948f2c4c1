// Command archive-upload stores a source archive where archive-deployer
// picks it up. A directory argument is packed into a tar.gz first.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/github/archive-deployer/pkg/archive"
	"github.com/github/archive-deployer/pkg/naming"
	"github.com/github/archive-deployer/pkg/storage"
)

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	var (
		bucket        string
		app           string
		correlationID string
		version       string
		name          string
	)

	flag.StringVar(&bucket, "bucket", getEnvOrDefault("STORAGE_BUCKET", ""), "bucket name or file:///dir to upload to")
	flag.StringVar(&app, "app", "", "application name")
	flag.StringVar(&correlationID, "correlation-id", "", "correlation id grouping related uploads")
	flag.StringVar(&version, "version", "", "version label (defaults to a UTC timestamp)")
	flag.StringVar(&name, "name", "", "object file name (defaults to the source base name)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <archive-or-directory>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	opts := slog.HandlerOptions{Level: slog.LevelInfo}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &opts)))

	if flag.NArg() != 1 || bucket == "" || app == "" || correlationID == "" {
		flag.Usage()
		os.Exit(2)
	}
	if version == "" {
		version = time.Now().UTC().Format("20060102-150405")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	key, err := upload(ctx, bucket, flag.Arg(0), objectKey(app, correlationID, version, name, flag.Arg(0)))
	if err != nil {
		slog.Error("Upload failed",
			"source", flag.Arg(0),
			"error", err)
		os.Exit(1)
	}
	slog.Info("Uploaded archive",
		"bucket", bucket,
		"archive", key,
		"resource", naming.ResourceName(app, correlationID, version))
}

// objectKey builds <app>/<correlation-id>/<version>/<file>.
func objectKey(app, correlationID, version, name, src string) string {
	if name == "" {
		name = filepath.Base(filepath.Clean(src))
		if info, err := os.Stat(src); err == nil && info.IsDir() {
			name += ".tar.gz"
		}
	}
	return path.Join(app, correlationID, version, name)
}

func upload(ctx context.Context, bucket, src, key string) (string, error) {
	if _, err := archive.ParseKey(key, archive.LayoutNested, ""); err != nil {
		return "", err
	}

	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}

	var r io.Reader
	if info.IsDir() {
		var buf bytes.Buffer
		if err := archive.Pack(&buf, src); err != nil {
			return "", fmt.Errorf("pack %s: %w", src, err)
		}
		r = &buf
	} else {
		f, err := os.Open(src)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}

	store, err := storage.Open(ctx, bucket)
	if err != nil {
		return "", err
	}
	if err := store.Write(ctx, key, r); err != nil {
		return "", fmt.Errorf("write %s: %w", store.URI(key), err)
	}
	return key, nil
}
