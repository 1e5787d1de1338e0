package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/resilience"
)

type stubFetcher struct {
	body string
	uris []string
}

func (s *stubFetcher) Fetch(_ context.Context, uri string) (io.ReadCloser, error) {
	s.uris = append(s.uris, uri)
	return io.NopCloser(strings.NewReader(s.body)), nil
}

func TestResolverLocal_Paths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inv-1.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf"), 0o644))

	r := NewResolver(Options{})
	for _, uri := range []string{path, "file://" + path} {
		got, cleanup, err := r.Local(context.Background(), uri)
		require.NoError(t, err)
		cleanup()
		assert.Equal(t, path, got)
		assert.FileExists(t, path, "cleanup must not remove local documents")
	}
}

func TestResolverLocal_Errors(t *testing.T) {
	r := NewResolver(Options{})
	ctx := context.Background()

	_, cleanup, err := r.Local(ctx, filepath.Join(t.TempDir(), "missing.pdf"))
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	cleanup()

	_, _, err = r.Local(ctx, "s3://bucket/doc.pdf")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), `unsupported scheme "s3"`)

	_, _, err = r.Local(ctx, "")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestResolverLocal_DownloadsRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("remote pdf"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := NewResolver(Options{TempDir: dir})

	path, cleanup, err := r.Local(context.Background(), srv.URL+"/scans/inv-1.pdf")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Equal(t, ".pdf", filepath.Ext(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "remote pdf", string(data))

	cleanup()
	assert.NoFileExists(t, path)
}

func TestResolverRegister(t *testing.T) {
	stub := &stubFetcher{body: "from s3"}
	r := NewResolver(Options{TempDir: t.TempDir()})
	r.Register("S3", stub)

	path, cleanup, err := r.Local(context.Background(), "s3://docs/memo.pdf")
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, []string{"s3://docs/memo.pdf"}, stub.uris)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from s3", string(data))
}
