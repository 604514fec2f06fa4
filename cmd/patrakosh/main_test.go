package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrakosh/patrakosh/internal/config"
	"github.com/patrakosh/patrakosh/internal/errs"
)

// workspace is a config file and a scratch directory for one test.
type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
data_dir: %s
scheduler:
  shutdown_grace: 5s
quota:
  default: 1Ki
`, filepath.Join(dir, "data"))
	path := filepath.Join(dir, "patrakosh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return &workspace{dir: dir, config: path}
}

func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", w.config, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (w *workspace) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := w.run(t, args...)
	require.NoError(t, err, out)
	return out
}

func (w *workspace) file(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(w.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestUserCommands(t *testing.T) {
	w := newWorkspace(t)

	out := w.mustRun(t, "user", "create", "alice")
	assert.Contains(t, out, "Created user alice (id 1) with quota 1.0 KiB")

	out = w.mustRun(t, "user", "create", "bob", "--quota", "2Mi")
	assert.Contains(t, out, "quota 2.0 MiB")

	_, err := w.run(t, "user", "create", "carol", "--quota", "lots")
	assert.Error(t, err)

	out = w.mustRun(t, "user", "list")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "bob")

	out = w.mustRun(t, "user", "quota", "alice", "4Ki")
	assert.Contains(t, out, "Quota of alice set to 4.0 KiB")

	_, err = w.run(t, "user", "quota", "nobody", "4Ki")
	assert.ErrorContains(t, err, `no user named "nobody"`)
}

func TestFileLifecycle(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun(t, "user", "create", "alice")

	out := w.mustRun(t, "upload", "alice", w.file(t, "notes.txt", "first draft"))
	assert.Contains(t, out, "notes.txt")
	assert.Contains(t, out, "text/plain")

	out = w.mustRun(t, "upload", "alice", w.file(t, "draft2.txt", "second draft!"), "--version-of", "1")
	assert.Regexp(t, regexp.MustCompile(`2\s+notes\.txt\s+2\s`), out)

	out = w.mustRun(t, "versions", "2")
	assert.Equal(t, 2, strings.Count(out, "notes.txt"))

	target := filepath.Join(w.dir, "out.txt")
	w.mustRun(t, "download", "2", "-o", target)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "second draft!", string(data))

	out = w.mustRun(t, "download", "1", "-o", "-")
	assert.Equal(t, "first draft", out)

	w.mustRun(t, "mv", "1", "old-notes.txt")
	out = w.mustRun(t, "search", "alice", "OLD")
	assert.Contains(t, out, "old-notes.txt")
	assert.NotRegexp(t, regexp.MustCompile(`(?m)^2\s`), out)

	out = w.mustRun(t, "usage", "alice")
	assert.Contains(t, out, "Files:  2")
	assert.Contains(t, out, "Used:   24 B of 1.0 KiB")

	out = w.mustRun(t, "rm", "1", "2")
	assert.Contains(t, out, "Deleted 1")
	assert.Contains(t, out, "Deleted 2")

	out = w.mustRun(t, "ls", "alice")
	assert.Contains(t, out, "No files found")

	out = w.mustRun(t, "activity", "alice", "-n", "3")
	assert.Contains(t, out, "DELETE")
	assert.NotContains(t, out, "CREATE_ACCOUNT")
}

func TestUploadErrors(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun(t, "user", "create", "alice")

	_, err := w.run(t, "upload", "nobody", w.file(t, "a.txt", "a"))
	assert.Error(t, err)

	out, err := w.run(t, "upload", "alice", w.file(t, "big.bin", strings.Repeat("x", 2048)))
	assert.ErrorIs(t, err, errs.ErrQuotaExceeded)
	assert.Contains(t, out, "big.bin")

	_, err = w.run(t, "upload", "alice", w.file(t, "b.txt", "b"), w.file(t, "c.txt", "c"), "--name", "same.txt")
	assert.ErrorContains(t, err, "exactly one path")

	_, err = w.run(t, "download", "abc")
	assert.ErrorContains(t, err, `invalid file id "abc"`)

	_, err = w.run(t, "rm", "99")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUploadMany(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun(t, "user", "create", "alice")

	out := w.mustRun(t, "upload", "alice",
		w.file(t, "a.txt", "aaa"), w.file(t, "b.txt", "bbb"), w.file(t, "c.txt", "ccc"))
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		assert.Contains(t, out, name)
	}

	out = w.mustRun(t, "ls", "1")
	assert.Equal(t, 3, strings.Count(out, ".txt"))
}

func TestShareCommands(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun(t, "user", "create", "alice")
	w.mustRun(t, "user", "create", "bob")
	w.mustRun(t, "upload", "alice", w.file(t, "photo.png", "png"))

	_, err := w.run(t, "share", "create", "1", "--by", "alice")
	assert.ErrorContains(t, err, "exactly one of --public and --with")

	out := w.mustRun(t, "share", "create", "1", "--by", "alice", "--public", "--expires", "1h")
	assert.Contains(t, out, "Expires:")
	token := regexp.MustCompile(`Token: (\S+)`).FindStringSubmatch(out)
	require.Len(t, token, 2)

	out = w.mustRun(t, "share", "get", token[1])
	assert.Contains(t, out, "photo.png")

	out = w.mustRun(t, "share", "create", "1", "--by", "alice", "--with", "bob")
	assert.Contains(t, out, "Created share 2")

	out = w.mustRun(t, "share", "list", "bob")
	assert.Contains(t, out, "never")

	_, err = w.run(t, "share", "revoke", "2", "--by", "bob")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	w.mustRun(t, "share", "revoke", "2", "--by", "alice")

	out = w.mustRun(t, "share", "list", "bob")
	assert.Contains(t, out, "No shares found")
}

func TestVersionCommand(t *testing.T) {
	w := newWorkspace(t)
	out := w.mustRun(t, "version")
	assert.Contains(t, out, "patrakosh dev")
}

func TestServe(t *testing.T) {
	var pushes atomic.Int32
	lokiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer lokiSrv.Close()

	saved, savedLevel := log.Logger, zerolog.GlobalLevel()
	defer func() {
		log.Logger = saved
		zerolog.SetGlobalLevel(savedLevel)
	}()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "patrakosh.db")
	cfg.Blob.Backend = config.BackendMemory
	cfg.Scheduler.ShutdownGrace = "5s"
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Loki.URL = lokiSrv.URL

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
	assert.Positive(t, pushes.Load(), "startup logs are shipped to loki on close")
}

func TestServiceCommands(t *testing.T) {
	cmd := newRootCmd()
	svcCmd, _, err := cmd.Find([]string{"service"})
	require.NoError(t, err)

	var names []string
	for _, c := range svcCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"install", "uninstall", "status", "logs", "run", "start", "stop", "restart"}, names)

	run, _, err := cmd.Find([]string{"service", "run"})
	require.NoError(t, err)
	assert.True(t, run.Hidden, "run is only invoked by the service manager")
}
