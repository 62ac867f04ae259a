package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-product-extractor/internal/config"
	"github.com/MimeLyc/video-product-extractor/internal/jobs"
	"github.com/MimeLyc/video-product-extractor/internal/media"
)

type fakeWorkers struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (f *fakeWorkers) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeWorkers) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

type fakeCron struct {
	started bool
	stopped bool
}

func (f *fakeCron) Start() {
	f.started = true
}

func (f *fakeCron) Stop() context.Context {
	f.stopped = true
	return context.Background()
}

type fakeHTTP struct {
	listenCalled chan struct{}
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	listenErr    error
}

func newFakeHTTP() *fakeHTTP {
	return &fakeHTTP{
		listenCalled: make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

func (f *fakeHTTP) ListenAndServe(string) error {
	close(f.listenCalled)
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.shutdownCh
	return http.ErrServerClosed
}

func (f *fakeHTTP) Shutdown(context.Context) error {
	f.shutdownOnce.Do(func() { close(f.shutdownCh) })
	return nil
}

func TestMain_StartsWorkersCronAndHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{HTTP: config.HTTPConfig{Addr: "127.0.0.1:0"}}
	workers := &fakeWorkers{}
	cronEngine := &fakeCron{}
	httpSrv := newFakeHTTP()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- runWithComponents(ctx, cfg, workers, cronEngine, httpSrv)
	}()

	select {
	case <-httpSrv.listenCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("http server did not start")
	}

	cancel()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runWithComponents did not exit after cancellation")
	}

	assert.True(t, workers.started)
	assert.True(t, workers.stopped)
	assert.True(t, cronEngine.started)
	assert.True(t, cronEngine.stopped)
}

func TestMain_ReturnsListenError(t *testing.T) {
	cfg := &config.Config{HTTP: config.HTTPConfig{Addr: "127.0.0.1:0"}}
	workers := &fakeWorkers{}
	httpSrv := newFakeHTTP()
	httpSrv.listenErr = errors.New("address in use")

	err := runWithComponents(context.Background(), cfg, workers, &fakeCron{}, httpSrv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
	assert.True(t, workers.stopped)
}

type fakeRetention struct {
	cutoff time.Time
	jobs   []*jobs.Job
	inUse  map[string]bool
}

func (f *fakeRetention) PruneBefore(cutoff time.Time) []string {
	f.cutoff = cutoff
	return []string{"old"}
}

func (f *fakeRetention) List() []*jobs.Job { return f.jobs }

func (f *fakeRetention) SweepStale(_ time.Time, inUse map[string]bool) ([]string, error) {
	f.inUse = inUse
	return nil, nil
}

func TestRetentionSweep_KeepsLiveWorkDirs(t *testing.T) {
	f := &fakeRetention{jobs: []*jobs.Job{
		{ID: "a", Artifacts: jobs.Artifacts{Video: &media.Handle{WorkDir: "/work/a/"}}},
		{ID: "b"},
	}}

	before := time.Now()
	retentionSweep(f, f, time.Hour)(context.Background())

	assert.WithinDuration(t, before.Add(-time.Hour), f.cutoff, time.Second)
	assert.Equal(t, map[string]bool{"/work/a": true}, f.inUse)
}

func TestBuildProviders_MockMode(t *testing.T) {
	set, err := buildProviders(&config.Config{Providers: config.ProvidersConfig{Mode: config.ProvidersMock}})
	require.NoError(t, err)
	assert.NotNil(t, set.Transcriber)
	assert.NotNil(t, set.Extractor)
	assert.NotNil(t, set.Vision)
	assert.NotNil(t, set.Search)
}

func TestBuild_MockModeWiresServer(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PROVIDERS_MODE", config.ProvidersMock)
	t.Setenv("DATA_DIR", dir)
	t.Setenv("MEDIA_WORK_DIR", dir+"/media")
	t.Setenv("SETTINGS_FILE", dir+"/settings.json")

	cfg, err := config.NewFromEnv()
	require.NoError(t, err)

	app, err := build(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.server)
	require.NotNil(t, app.workers)
	require.NotNil(t, app.scheduler)
}
