// Package service composes the inventory and access-list stores, the query
// engine, the URL builder and the preference ranker into the data-find
// query surface.
package service

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwdatafind/datafind-server/internal/auth"
	"github.com/gwdatafind/datafind-server/internal/config"
	"github.com/gwdatafind/datafind-server/internal/inventory"
	"github.com/gwdatafind/datafind-server/internal/metrics"
	"github.com/gwdatafind/datafind-server/internal/store"
	"github.com/gwdatafind/datafind-server/internal/urls"
	"github.com/gwdatafind/datafind-server/pkg/errors"
	"github.com/gwdatafind/datafind-server/pkg/health"
	"github.com/gwdatafind/datafind-server/pkg/retry"
)

// Store names, also used as health component names.
const (
	InventoryStore  = "inventory"
	AccessListStore = "accesslist"
)

// Query operation names as recorded in metrics.
const (
	OpExtensions = "extensions"
	OpSites      = "sites"
	OpTags       = "tags"
	OpSegments   = "segments"
	OpURLs       = "urls"
	OpLatest     = "latest"
	OpFileURLs   = "file_urls"
)

// Service is the data-find query surface. All query methods are safe for
// concurrent use and wait for the first inventory snapshot within ctx.
type Service struct {
	config *config.Configuration
	logger zerolog.Logger

	inventory  *store.Store[*inventory.Index]
	accessList *store.Store[*inventory.AccessList]

	builder    *urls.Builder
	ranker     *urls.Ranker
	authorizer auth.Authorizer

	metrics *metrics.Collector
	health  *health.Tracker
	started time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used by the service and its stores.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics records refreshes and queries on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Service) { s.metrics = collector }
}

// WithHealth reports store refresh outcomes to tracker.
func WithHealth(tracker *health.Tracker) Option {
	return func(s *Service) { s.health = tracker }
}

// New validates cfg and builds the service. Call Start to begin loading
// the data files.
func New(cfg *config.Configuration, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		config: cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewTracker(health.DefaultConfig())
	}
	s.health.AddHealthListener(healthLogger{logger: s.logger})
	for _, state := range []health.HealthState{
		health.StateHealthy, health.StateDegraded, health.StateStarting, health.StateUnavailable,
	} {
		s.health.AddStateChangeCallback(state, s.exportHealth)
	}

	parser, err := inventory.NewParser(inventory.Options{
		LegacyExtension: cfg.Inventory.LegacyExtension,
		Include:         cfg.Inventory.Include,
		Exclude:         cfg.Inventory.Exclude,
	})
	if err != nil {
		return nil, err
	}

	endpoints := make([]urls.Endpoint, 0, len(cfg.URLs))
	for _, ep := range cfg.URLs {
		endpoints = append(endpoints, urls.Endpoint{
			Scheme:      ep.Scheme,
			Host:        ep.Host,
			Port:        ep.Port,
			StripPrefix: ep.StripPrefix,
			AddPrefix:   ep.PathPrefix,
		})
	}
	if s.builder, err = urls.NewBuilder(endpoints); err != nil {
		return nil, err
	}

	rules := make([]urls.Rule, 0, len(cfg.Preference))
	for _, p := range cfg.Preference {
		rules = append(rules, urls.Rule{Pattern: p.Pattern, Prefer: p.Prefer})
	}
	if s.ranker, err = urls.NewRanker(rules); err != nil {
		return nil, err
	}

	s.health.RegisterComponent(InventoryStore)
	s.exportHealth(InventoryStore, 0, 0, nil)
	s.inventory = store.New(store.Config{
		Name:     InventoryStore,
		Path:     cfg.Inventory.Path,
		Interval: cfg.Inventory.RefreshInterval,
		Watch:    cfg.Inventory.Watch,
		Debounce: cfg.Inventory.Debounce,
		Strict:   cfg.Inventory.Strict,
		Retry:    readRetry(cfg.Inventory.ReadAttempts),
	}, InventoryLoader(parser), storeOptions[*inventory.Index](s)...)

	if cfg.AccessList.Enabled {
		s.health.RegisterComponent(AccessListStore)
		s.exportHealth(AccessListStore, 0, 0, nil)
		s.accessList = store.New(store.Config{
			Name:     AccessListStore,
			Path:     cfg.AccessList.Path,
			Interval: cfg.AccessList.RefreshInterval,
			Watch:    cfg.AccessList.Watch,
			Retry:    readRetry(cfg.AccessList.ReadAttempts),
		}, AccessListLoader(), storeOptions[*inventory.AccessList](s)...)
	}

	s.authorizer = auth.AllowAll{}
	if cfg.Auth.Mode == config.AuthModeAccessList {
		s.authorizer = auth.NewAccessListAuthorizer(cfg.Auth.SubjectHeader, s.AccessList)
	}

	return s, nil
}

func storeOptions[T any](s *Service) []store.Option[T] {
	opts := []store.Option[T]{
		store.WithLogger[T](s.logger),
		store.WithObserver[T](healthObserver{tracker: s.health}),
	}
	if s.metrics != nil {
		opts = append(opts, store.WithObserver[T](s.metrics))
	}
	return opts
}

func readRetry(attempts int) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = attempts
	return rc
}

// InventoryLoader adapts a Parser to the store Loader interface.
func InventoryLoader(p *inventory.Parser) store.LoaderFunc[*inventory.Index] {
	return func(r io.Reader) (*inventory.Index, store.Result, error) {
		idx, stats, err := p.Load(r)
		return idx, toResult(stats), err
	}
}

// AccessListLoader adapts ParseAccessList to the store Loader interface.
func AccessListLoader() store.LoaderFunc[*inventory.AccessList] {
	return func(r io.Reader) (*inventory.AccessList, store.Result, error) {
		list, stats, err := inventory.ParseAccessList(r)
		return list, toResult(stats), err
	}
}

func toResult(stats inventory.Stats) store.Result {
	return store.Result{
		Lines:     stats.Lines,
		Entries:   stats.Records,
		Malformed: stats.Malformed,
		Excluded:  stats.Excluded,
		Errors:    stats.Errors,
	}
}

// Start launches the store workers. They stop when ctx is cancelled or
// Shutdown is called.
func (s *Service) Start(ctx context.Context) {
	s.started = time.Now()
	s.inventory.Start(ctx)
	if s.accessList != nil {
		s.accessList.Start(ctx)
	}
	s.logger.Info().
		Str("inventory", s.config.Inventory.Path).
		Bool("access_list", s.accessList != nil).
		Str("auth_mode", s.config.Auth.Mode).
		Msg("data-find service started")
}

// Shutdown stops the store workers without waiting for them.
func (s *Service) Shutdown() {
	s.inventory.Shutdown()
	if s.accessList != nil {
		s.accessList.Shutdown()
	}
}

// Wait blocks until every store worker has exited.
func (s *Service) Wait() {
	s.inventory.Wait()
	if s.accessList != nil {
		s.accessList.Wait()
	}
}

// Close shuts the service down and waits for the workers.
func (s *Service) Close() {
	s.Shutdown()
	s.Wait()
	s.logger.Info().Msg("data-find service stopped")
}

// Ready reports whether every enabled store has published a snapshot.
func (s *Service) Ready() bool {
	if !s.inventory.IsReady() {
		return false
	}
	return s.accessList == nil || s.accessList.IsReady()
}

// Started returns when Start was called.
func (s *Service) Started() time.Time { return s.started }

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Configuration { return s.config }

// Health returns the tracker the stores report to.
func (s *Service) Health() *health.Tracker { return s.health }

// Metrics returns the collector, or nil when none was configured.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// Schemes lists the configured URL schemes in order.
func (s *Service) Schemes() []string { return s.builder.Schemes() }

// StoreStats returns the refresh statistics of every enabled store.
func (s *Service) StoreStats() []store.Stats {
	out := []store.Stats{s.inventory.Stats()}
	if s.accessList != nil {
		out = append(out, s.accessList.Stats())
	}
	return out
}

// Refresh forces one refresh cycle on every enabled store.
func (s *Service) Refresh(ctx context.Context) error {
	if _, err := s.inventory.Refresh(ctx); err != nil {
		return err
	}
	if s.accessList != nil {
		if _, err := s.accessList.Refresh(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Check is the periodic health check for one store: it fails until the store has
// published a snapshot and whenever its backing file cannot be stat'ed.
func (s *Service) Check(component string) error {
	var ready bool
	var path string
	switch {
	case component == InventoryStore:
		ready, path = s.inventory.IsReady(), s.config.Inventory.Path
	case component == AccessListStore && s.accessList != nil:
		ready, path = s.accessList.IsReady(), s.config.AccessList.Path
	default:
		return errors.NewError(errors.ErrCodeInternalError, "unknown component "+component)
	}
	if !ready {
		return errors.ErrNotReady
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrap(errors.ErrCodeRefreshIO, err, "stat failed").WithComponent(component)
	}
	return nil
}

// Authorize applies the configured authorization gate to r.
func (s *Service) Authorize(r *http.Request) auth.Decision {
	d := s.authorizer.Authorize(r)
	s.metrics.RecordAuthorization(d.Allow)
	return d
}

// AccessList returns the access-list snapshot. It fails when the access
// list is disabled.
func (s *Service) AccessList(ctx context.Context) (*inventory.AccessList, error) {
	if s.accessList == nil {
		return nil, errors.NewError(errors.ErrCodeNotReady, "access list disabled").
			WithComponent(AccessListStore)
	}
	ctx, cancel := s.readyContext(ctx)
	defer cancel()
	return s.accessList.Snapshot(ctx)
}

// Index returns the inventory snapshot, waiting for the first load within
// ctx and the configured ready timeout.
func (s *Service) Index(ctx context.Context) (*inventory.Index, error) {
	ctx, cancel := s.readyContext(ctx)
	defer cancel()
	return s.inventory.Snapshot(ctx)
}

func (s *Service) readyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := s.config.Server.ReadyTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// healthObserver maps store refresh outcomes onto a health component.
type healthObserver struct {
	tracker *health.Tracker
}

func (h healthObserver) RefreshSucceeded(name string, res store.Result, generation uint64) {
	h.tracker.RecordSuccess(name)
	h.tracker.SetComponentMetadata(name, "generation", generation)
	h.tracker.SetComponentMetadata(name, "entries", res.Entries)
	h.tracker.SetComponentMetadata(name, "malformed", res.Malformed)
}

func (h healthObserver) RefreshSkipped(name string) {
	h.tracker.RecordSuccess(name)
}

func (h healthObserver) RefreshFailed(name string, err error) {
	h.tracker.RecordError(name, err)
}

var _ store.Observer = healthObserver{}

// exportHealth publishes the component's current state rather than
// newState: callbacks run concurrently and may arrive out of order.
func (s *Service) exportHealth(component string, _, _ health.HealthState, _ error) {
	s.metrics.SetHealthState(component, int(s.health.GetState(component)))
}

// healthLogger logs component state changes and failed periodic checks.
type healthLogger struct {
	logger zerolog.Logger
}

func (h healthLogger) OnStateChange(component string, oldState, newState health.HealthState, err error) {
	level := zerolog.InfoLevel
	if newState > oldState {
		level = zerolog.WarnLevel
	}
	h.logger.WithLevel(level).Err(err).Str("component", component).
		Stringer("from", oldState).
		Stringer("to", newState).
		Msg("health state changed")
}

func (h healthLogger) OnHealthCheck(component string, healthy bool, err error) {
	if !healthy {
		h.logger.Debug().Err(err).Str("component", component).Msg("health check failed")
	}
}

var _ health.HealthListener = healthLogger{}
