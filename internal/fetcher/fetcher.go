// Package fetcher resolves document URIs to readable content. Extraction
// streams that work on local files use it; the processing core never reads
// documents itself.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/resilience"
)

// Fetcher downloads a remote URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Resolver dispatches a document URI to the fetcher for its scheme. Plain
// paths and file:// URIs are read from disk.
type Resolver struct {
	schemes map[string]Fetcher
	tempDir string
}

// Options configures NewResolver.
type Options struct {
	HTTP HTTPOptions
	FTP  FTPOptions
	// TempDir holds downloaded documents; defaults to os.TempDir().
	TempDir string
}

// NewResolver returns a resolver handling file, http, https and ftp URIs.
func NewResolver(opts Options) *Resolver {
	h := NewHTTPFetcher(opts.HTTP)
	return &Resolver{
		schemes: map[string]Fetcher{
			"http":  h,
			"https": h,
			"ftp":   NewFTPFetcher(opts.FTP),
		},
		tempDir: opts.TempDir,
	}
}

// Register installs f for scheme, replacing any existing fetcher.
func (r *Resolver) Register(scheme string, f Fetcher) {
	r.schemes[strings.ToLower(scheme)] = f
}

// Local returns a path on disk holding the document at uri. Remote
// documents are downloaded to a temp file; cleanup removes it and is always
// safe to call.
func (r *Resolver) Local(ctx context.Context, uri string) (path string, cleanup func(), err error) {
	noop := func() {}

	scheme, p, err := splitURI(uri)
	if err != nil {
		return "", noop, err
	}
	if scheme == "" || scheme == "file" {
		if _, err := os.Stat(p); err != nil {
			return "", noop, resilience.NewPermanentError(eris.Wrapf(err, "fetcher: stat %s", p), "document unavailable")
		}
		return p, noop, nil
	}

	f, ok := r.schemes[scheme]
	if !ok {
		return "", noop, resilience.NewPermanentError(eris.Errorf("fetcher: unsupported scheme %q", scheme), "unsupported uri")
	}

	rc, err := f.Fetch(ctx, uri)
	if err != nil {
		return "", noop, err
	}
	defer rc.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(r.tempDir, "docflow-*"+filepath.Ext(p))
	if err != nil {
		return "", noop, eris.Wrap(err, "fetcher: create temp file")
	}
	cleanup = func() { _ = os.Remove(tmp.Name()) }

	n, err := io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", noop, resilience.NewTransientError(eris.Wrapf(err, "fetcher: download %s", uri), 0)
	}

	zap.L().Debug("fetcher: downloaded document",
		zap.String("uri", uri),
		zap.Int64("bytes", n),
	)
	return tmp.Name(), cleanup, nil
}

// splitURI returns the lowercased scheme and path of uri. A bare path has
// an empty scheme.
func splitURI(uri string) (string, string, error) {
	if uri == "" {
		return "", "", resilience.NewPermanentError(eris.New("fetcher: empty uri"), "document unavailable")
	}
	if !strings.Contains(uri, "://") {
		return "", uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", resilience.NewPermanentError(eris.Wrap(err, "fetcher: parse uri"), "invalid uri")
	}
	return strings.ToLower(u.Scheme), u.Path, nil
}
