package service

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwdatafind/datafind-server/internal/config"
	"github.com/gwdatafind/datafind-server/internal/metrics"
	"github.com/gwdatafind/datafind-server/internal/query"
	"github.com/gwdatafind/datafind-server/internal/urls"
	"github.com/gwdatafind/datafind-server/pkg/errors"
	"github.com/gwdatafind/datafind-server/pkg/health"
	"github.com/gwdatafind/datafind-server/pkg/segments"
)

const fixture = `# two copies of the H series and one L series
/data/H,H,T,1,4,gwf 0 3 {1000 1012}
/archive/H,H,T,1,4,gwf 0 1 {1004 1008}
/data/L,L,T,1,4,gwf 0 2 {1000 1008}
`

const (
	fileData1000    = "file://localhost/data/H/H-T-1000-4.gwf"
	fileData1004    = "file://localhost/data/H/H-T-1004-4.gwf"
	fileData1008    = "file://localhost/data/H/H-T-1008-4.gwf"
	fileArchive1004 = "file://localhost/archive/H/H-T-1004-4.gwf"
	ftpData1004     = "gsiftp://ldr.example.org:2811/data/H/H-T-1004-4.gwf"
	ftpArchive1004  = "gsiftp://ldr.example.org:2811/archive/H/H-T-1004-4.gwf"
)

func writeFile(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefault()
	cfg.Inventory.Path = filepath.Join(dir, "frame_cache.dat")
	cfg.Inventory.RefreshInterval = 10 * time.Millisecond
	cfg.Inventory.Watch = false
	cfg.Inventory.ReadAttempts = 1
	cfg.AccessList.Path = filepath.Join(dir, "grid-mapfile")
	cfg.AccessList.RefreshInterval = 10 * time.Millisecond
	cfg.AccessList.Watch = false
	cfg.AccessList.ReadAttempts = 1
	cfg.Server.ReadyTimeout = time.Second
	cfg.URLs = []config.EndpointConfig{
		{Scheme: "file"},
		{Scheme: "gsiftp", Host: "ldr.example.org", Port: 2811},
	}
	return cfg
}

func startService(t *testing.T, cfg *config.Configuration, opts ...Option) *Service {
	t.Helper()
	svc, err := New(cfg, opts...)
	require.NoError(t, err)
	svc.Start(context.Background())
	t.Cleanup(svc.Close)
	require.Eventually(t, svc.Ready, 2*time.Second, 5*time.Millisecond)
	return svc
}

func fixtureService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	cfg := testConfig(t)
	cfg.Preference = []config.PreferenceConfig{
		{Pattern: "^file://", Prefer: []string{"/archive/"}},
	}
	writeFile(t, cfg.Inventory.Path, fixture, time.Minute)
	return startService(t, cfg, opts...)
}

func TestService_Listing(t *testing.T) {
	svc := fixtureService(t)
	ctx := context.Background()

	exts, err := svc.Extensions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gwf"}, exts)

	sites, err := svc.Sites(ctx, "gwf")
	require.NoError(t, err)
	assert.Equal(t, []string{"H", "L"}, sites)

	tags, err := svc.Tags(ctx, "gwf", query.AllSites)
	require.NoError(t, err)
	assert.Equal(t, []string{"T"}, tags)

	tags, err = svc.Tags(ctx, "h5", "H")
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestService_Segments(t *testing.T) {
	svc := fixtureService(t)
	ctx := context.Background()

	segs, err := svc.Segments(ctx, "gwf", "H", "T")
	require.NoError(t, err)
	assert.Equal(t, segments.List{{Start: 1000, Stop: 1012}}, segs)

	segs, err = svc.SegmentsIn(ctx, "gwf", query.AllSites, "T", segments.New(1002, 1006))
	require.NoError(t, err)
	assert.Equal(t, segments.List{{Start: 1002, Stop: 1006}}, segs)

	segs, err = svc.Segments(ctx, "gwf", "V", "T")
	require.NoError(t, err)
	assert.NotNil(t, segs)
	assert.Empty(t, segs)

	_, err = svc.SegmentsIn(ctx, "gwf", "H", "T", segments.Segment{Start: 10, Stop: 5})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestService_URLs(t *testing.T) {
	svc := fixtureService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		window segments.Segment
		filter urls.Filter
		want   []string
	}{
		{
			name:   "preferred copy per file",
			window: segments.New(1000, 1008),
			filter: urls.Filter{Scheme: "file"},
			want:   []string{fileData1000, fileArchive1004},
		},
		{
			name:   "unmatched schemes pass through",
			window: segments.New(1004, 1008),
			want:   []string{fileArchive1004, ftpArchive1004, ftpData1004},
		},
		{
			name:   "match filter",
			window: segments.New(1004, 1008),
			filter: urls.Filter{Match: "/data/"},
			want:   []string{fileData1004, ftpData1004},
		},
		{
			name:   "window outside coverage",
			window: segments.New(2000, 3000),
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.URLs(ctx, "gwf", "H", "T", tt.window, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown series is empty", func(t *testing.T) {
		got, err := svc.URLs(ctx, "gwf", "H", "NOPE", segments.New(0, 5000), urls.Filter{})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("invalid match", func(t *testing.T) {
		_, err := svc.URLs(ctx, "gwf", "H", "NOPE", segments.New(0, 5000), urls.Filter{Match: "("})
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	})

	t.Run("inverted window", func(t *testing.T) {
		_, err := svc.URLs(ctx, "gwf", "H", "T", segments.Segment{Start: 9, Stop: 1}, urls.Filter{})
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	})
}

func TestService_Latest(t *testing.T) {
	svc := fixtureService(t)
	ctx := context.Background()

	got, err := svc.Latest(ctx, "gwf", "H", "T", urls.Filter{Scheme: "file"})
	require.NoError(t, err)
	assert.Equal(t, []string{fileData1008}, got)

	got, err = svc.Latest(ctx, "gwf", query.AllSites, "T", urls.Filter{Scheme: "file"})
	require.NoError(t, err)
	assert.Equal(t, []string{fileData1008}, got)

	got, err = svc.Latest(ctx, "gwf", "L", "T", urls.Filter{Scheme: "FILE"})
	require.NoError(t, err)
	assert.Equal(t, []string{"file://localhost/data/L/L-T-1004-4.gwf"}, got)

	got, err = svc.Latest(ctx, "gwf", "V", "T", urls.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestService_FileURLs(t *testing.T) {
	svc := fixtureService(t)
	ctx := context.Background()

	got, err := svc.FileURLs(ctx, "H-T-1004-4.gwf", urls.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{fileArchive1004, ftpArchive1004, ftpData1004}, got)

	got, err = svc.FileURLs(ctx, "H-T-1002-4.gwf", urls.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got, "off-boundary start")

	_, err = svc.FileURLs(ctx, "not-a-frame", urls.Filter{})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestService_EmptyInventoryThenGrows(t *testing.T) {
	cfg := testConfig(t)
	writeFile(t, cfg.Inventory.Path, "", time.Minute)
	svc := startService(t, cfg)
	ctx := context.Background()

	exts, err := svc.Extensions(ctx)
	require.NoError(t, err)
	assert.Empty(t, exts)

	writeFile(t, cfg.Inventory.Path, "/data/H,H,T,1,4,h5 0 1 {0 4}\n", 0)
	require.Eventually(t, func() bool {
		exts, err := svc.Extensions(ctx)
		return err == nil && len(exts) == 1 && exts[0] == "h5"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_ColdStartTimesOut(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.ReadyTimeout = 30 * time.Millisecond
	trackerCfg := health.DefaultConfig()
	trackerCfg.UnavailableThreshold = 1 << 20

	svc, err := New(cfg, WithHealth(health.NewTracker(trackerCfg)))
	require.NoError(t, err)
	svc.Start(context.Background())
	t.Cleanup(svc.Close)

	_, err = svc.Extensions(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNotReady), "got %v", err)
	assert.False(t, svc.Ready())

	assert.Equal(t, health.StateStarting, svc.Health().GetState(InventoryStore))
	assert.Positive(t, svc.StoreStats()[0].Failures)
}

func TestService_AccessListAuthorization(t *testing.T) {
	cfg := testConfig(t)
	cfg.AccessList.Enabled = true
	cfg.Auth.Mode = config.AuthModeAccessList
	writeFile(t, cfg.Inventory.Path, fixture, time.Minute)
	writeFile(t, cfg.AccessList.Path, `"/DC=org/CN=Albert Einstein" albert.einstein`+"\n", time.Minute)

	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "svc"})
	require.NoError(t, err)
	svc := startService(t, cfg, WithMetrics(collector))

	req := httptest.NewRequest("GET", "/api/v1/", nil)
	req.Header.Set("X-SSL-Client-S-DN", "/DC=org/CN=Albert Einstein")
	d := svc.Authorize(req)
	assert.True(t, d.Allow)
	assert.Equal(t, "albert.einstein", d.Identity)

	req = httptest.NewRequest("GET", "/api/v1/", nil)
	req.Header.Set("X-SSL-Client-S-DN", "/DC=org/CN=Nobody")
	assert.False(t, svc.Authorize(req).Allow)

	assert.False(t, svc.Authorize(httptest.NewRequest("GET", "/api/v1/", nil)).Allow)

	stats := svc.StoreStats()
	require.Len(t, stats, 2)
	assert.Equal(t, AccessListStore, stats[1].Name)
	assert.Equal(t, 1, stats[1].Entries)
}

func TestService_HealthAndMetrics(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig())
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "svc"})
	require.NoError(t, err)
	svc := fixtureService(t, WithHealth(tracker), WithMetrics(collector))

	assert.Equal(t, health.StateHealthy, tracker.GetState(InventoryStore))
	assert.Equal(t, []string{InventoryStore}, tracker.Components())
	assert.Equal(t, []string{"file", "gsiftp"}, svc.Schemes())

	_, err = svc.Extensions(context.Background())
	require.NoError(t, err)
	_, _ = svc.FileURLs(context.Background(), "bogus", urls.Filter{})

	ops := collector.GetMetrics()["operations"].(map[string]*metrics.OperationMetrics)
	require.Contains(t, ops, OpExtensions)
	assert.Equal(t, int64(1), ops[OpExtensions].Count)
	require.Contains(t, ops, OpFileURLs)
	assert.Equal(t, int64(1), ops[OpFileURLs].Errors)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestService_ExportsHealthState(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig())
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "svc"})
	require.NoError(t, err)
	var logs lockedBuffer
	fixtureService(t, WithHealth(tracker), WithMetrics(collector), WithLogger(zerolog.New(&logs)))

	scrape := func() string {
		rec := httptest.NewRecorder()
		collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		return rec.Body.String()
	}
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(), `svc_component_health_state{component="inventory"} 0`)
	}, time.Second, 10*time.Millisecond)

	// a component no store refreshes, so nothing recovers it behind our back
	tracker.RegisterComponent("frames")
	tracker.RecordSuccess("frames")
	for i := 0; i < 3; i++ {
		tracker.RecordError("frames", fmt.Errorf("stat failed"))
	}
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(), `svc_component_health_state{component="frames"} 1`)
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, `"level":"warn"`) && strings.Contains(out, `"to":"degraded"`)
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"to":"healthy"`)
	}, time.Second, 10*time.Millisecond)
}

func TestService_Refresh(t *testing.T) {
	cfg := testConfig(t)
	writeFile(t, cfg.Inventory.Path, fixture, time.Minute)

	svc, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	require.NoError(t, svc.Refresh(context.Background()))
	assert.True(t, svc.Ready())
	assert.Equal(t, uint64(1), svc.StoreStats()[0].Generation)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Preference = []config.PreferenceConfig{{Pattern: "("}}

	_, err := New(cfg)
	require.Error(t, err)

	var dfErr *errors.DataFindError
	require.True(t, errors.As(err, &dfErr))
	assert.Equal(t, errors.ErrCodeInvalidConfig, dfErr.Code)
}

func TestService_Check(t *testing.T) {
	svc := fixtureService(t)

	assert.NoError(t, svc.Check(InventoryStore))
	assert.Error(t, svc.Check(AccessListStore), "access list disabled")

	require.NoError(t, os.Remove(svc.Config().Inventory.Path))
	assert.True(t, errors.Is(svc.Check(InventoryStore), errors.ErrRefreshIO))
}
