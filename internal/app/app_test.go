package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrakosh/patrakosh/internal/config"
	"github.com/patrakosh/patrakosh/internal/errs"
	"github.com/patrakosh/patrakosh/internal/model"
	"github.com/patrakosh/patrakosh/pkg/bytesize"
)

// loadConfig writes body as a config file under dir and loads it.
func loadConfig(t *testing.T, dir, body string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "patrakosh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func memoryConfig(t *testing.T) *config.Config {
	return loadConfig(t, t.TempDir(), `
database: ":memory:"
blob:
  backend: memory
scheduler:
  shutdown_grace: 5s
`)
}

func newApp(t *testing.T, cfg *config.Config, opts Options) *App {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	a, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewMemoryBackend(t *testing.T) {
	a := newApp(t, memoryConfig(t), Options{})
	ctx := context.Background()

	acct, err := a.CreateAccount(ctx, "alice", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.QuotaLimit)

	rec, err := a.Files.Upload(ctx, acct.ID, "notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	_, data, err := a.Files.Download(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	stats, err := a.Files.UsageStats(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Used)
	assert.Equal(t, 1, stats.FileCount)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Healthy(ctx), ErrClosed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Blob.Backend = "tape"
	_, err := New(context.Background(), cfg, Options{Registry: prometheus.NewRegistry(), Logger: zerolog.Nop()})
	assert.Error(t, err)

	cfg = memoryConfig(t)
	cfg.Scheduler.ShutdownGrace = "soon"
	_, err = New(context.Background(), cfg, Options{Registry: prometheus.NewRegistry(), Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestCreateAccountDefaultQuota(t *testing.T) {
	a := newApp(t, memoryConfig(t), Options{})
	ctx := context.Background()

	acct, err := a.CreateAccount(ctx, "bob", -1)
	require.NoError(t, err)
	assert.Equal(t, bytesize.GB, acct.QuotaLimit)

	_, err = a.CreateAccount(ctx, "", 10)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	activity, err := a.Files.Activity(ctx, acct.ID, 10)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, model.ActionCreateAccount, activity[0].Action)
}

func TestSetQuotaRefreshesLedger(t *testing.T) {
	a := newApp(t, memoryConfig(t), Options{})
	ctx := context.Background()

	acct, err := a.CreateAccount(ctx, "carol", 4)
	require.NoError(t, err)

	_, err = a.Files.Upload(ctx, acct.ID, "a.txt", strings.NewReader("12345"))
	assert.ErrorIs(t, err, errs.ErrQuotaExceeded)

	require.NoError(t, a.SetQuota(ctx, acct.ID, 10))
	limit, err := a.Ledger.Limit(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), limit)

	_, err = a.Files.Upload(ctx, acct.ID, "a.txt", strings.NewReader("12345"))
	require.NoError(t, err)

	assert.ErrorIs(t, a.SetQuota(ctx, 9999, 10), errs.ErrAccountNotFound)
}

func TestLocalBackendSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	body := fmt.Sprintf(`
data_dir: %s
blob:
  backend: local
  compress: true
  key_file: %s
scheduler:
  shutdown_grace: 5s
quota:
  reject_duplicates: true
`, dir, filepath.Join(dir, "keys", "master.key"))
	ctx := context.Background()

	first := newApp(t, loadConfig(t, dir, body), Options{})
	acct, err := first.CreateAccount(ctx, "dave", 1<<20)
	require.NoError(t, err)
	rec, err := first.Files.Upload(ctx, acct.ID, "report.pdf", strings.NewReader("quarterly numbers"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "blobs", rec.Locator))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "quarterly", "blobs are encrypted at rest")

	second := newApp(t, loadConfig(t, dir, body), Options{})
	_, data, err := second.Files.Download(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))

	_, err = second.Files.Upload(ctx, acct.ID, "copy.pdf", strings.NewReader("quarterly numbers"))
	assert.ErrorIs(t, err, errs.ErrDuplicateContent, "fingerprints are reloaded on start")

	used, err := second.Ledger.Usage(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Size, used)
}

func TestS3BackendUsesInjectedClient(t *testing.T) {
	cfg := loadConfig(t, t.TempDir(), `
database: ":memory:"
blob:
  backend: s3
  s3:
    bucket: files
    prefix: tenant
scheduler:
  shutdown_grace: 5s
`)
	fake := &fakeS3{objects: make(map[string][]byte)}
	a := newApp(t, cfg, Options{S3: fake})
	ctx := context.Background()

	acct, err := a.CreateAccount(ctx, "erin", 100)
	require.NoError(t, err)
	rec, err := a.Files.Upload(ctx, acct.ID, "a.txt", strings.NewReader("abc"))
	require.NoError(t, err)

	fake.mu.Lock()
	_, ok := fake.objects["files/tenant/"+rec.Locator]
	fake.mu.Unlock()
	assert.True(t, ok)

	require.NoError(t, a.Files.Delete(ctx, rec.ID))
	fake.mu.Lock()
	assert.Empty(t, fake.objects)
	fake.mu.Unlock()
}

func TestCollectMetrics(t *testing.T) {
	a := newApp(t, memoryConfig(t), Options{})
	ctx := context.Background()

	acct, err := a.CreateAccount(ctx, "frank", 100)
	require.NoError(t, err)
	_, err = a.Files.Upload(ctx, acct.ID, "a.txt", strings.NewReader("abc"))
	require.NoError(t, err)

	a.CollectMetrics()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Metrics.CacheEntries.WithLabelValues("records")))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Metrics.LedgerCachedUsers))
	assert.Equal(t, float64(3), testutil.ToFloat64(a.Metrics.LedgerUsedBytes))
}

func TestServeAdmin(t *testing.T) {
	cfg := memoryConfig(t)
	a := newApp(t, cfg, Options{})
	addr, err := a.ServeAdmin()
	require.NoError(t, err)
	assert.Empty(t, addr, "no listen address configured")

	cfg = memoryConfig(t)
	cfg.Metrics.Listen = "127.0.0.1:0"
	a = newApp(t, cfg, Options{})
	addr, err = a.ServeAdmin()
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	again, err := a.ServeAdmin()
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, a.Close())
	_, err = a.ServeAdmin()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServeAdminTrace(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Metrics.Trace = true
	a := newApp(t, cfg, Options{})

	addr, err := a.ServeAdmin()
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/debug/trace")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body)

	require.NoError(t, a.Close())
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) key(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[f.key(in.Bucket, in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[f.key(in.Bucket, in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, f.key(in.Bucket, in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[f.key(in.Bucket, in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}
