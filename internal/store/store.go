package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/gwdatafind/datafind-server/pkg/errors"
	"github.com/gwdatafind/datafind-server/pkg/retry"
)

// State is the lifecycle state of a Store.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateRefreshing
	StateShutdown
)

// String returns the string representation of a state
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRefreshing:
		return "refreshing"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Result summarises one load of the backing file.
type Result struct {
	Lines     int
	Entries   int
	Malformed int
	Excluded  int
	Errors    []error
}

// Loader parses the backing file into a snapshot value.
type Loader[T any] interface {
	Load(r io.Reader) (T, Result, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc[T any] func(r io.Reader) (T, Result, error)

// Load calls f(r).
func (f LoaderFunc[T]) Load(r io.Reader) (T, Result, error) { return f(r) }

// Observer is notified of every refresh cycle outcome.
type Observer interface {
	RefreshSucceeded(store string, res Result, generation uint64)
	RefreshSkipped(store string)
	RefreshFailed(store string, err error)
}

// Config configures a Store.
type Config struct {
	// Name identifies the store in logs, metrics and health.
	Name string
	// Path is the backing file.
	Path string
	// Interval between modification-time checks.
	Interval time.Duration
	// Watch enables an fsnotify trigger that checks the file as soon as it
	// changes instead of waiting for the next interval.
	Watch bool
	// Debounce delays a watch-triggered check so bursts of writes cause one
	// reparse.
	Debounce time.Duration
	// Strict rejects a cycle when any line is malformed.
	Strict bool
	// Retry governs stat and open of the backing file within one cycle.
	// The zero value tries once.
	Retry retry.Config
}

// Stats reports the store's refresh history.
type Stats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Generation  uint64    `json:"generation"`
	Entries     int       `json:"entries"`
	Lines       int       `json:"lines"`
	Malformed   int       `json:"malformed"`
	FileModTime time.Time `json:"file_mod_time"`
	LastSuccess time.Time `json:"last_success"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error,omitempty"`
	Failures    int64     `json:"failures"`
}

type snapshot[T any] struct {
	value      T
	generation uint64
	modTime    time.Time
}

// Store serves an immutable snapshot parsed from a file and keeps it fresh
// from a background worker. The snapshot pointer is the only shared mutable
// state; parsing happens outside the lock.
type Store[T any] struct {
	cfg       Config
	loader    Loader[T]
	logger    zerolog.Logger
	observers []Observer
	retryer   *retry.Retryer

	mu    sync.RWMutex
	snap  *snapshot[T]
	stats Stats

	state atomic.Int32

	// refreshMu serialises refresh cycles between the worker and Refresh.
	refreshMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	nudge     chan struct{}

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        conc.WaitGroup
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithLogger sets the logger.
func WithLogger[T any](logger zerolog.Logger) Option[T] {
	return func(s *Store[T]) { s.logger = logger }
}

// WithObserver adds a refresh observer.
func WithObserver[T any](o Observer) Option[T] {
	return func(s *Store[T]) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// New creates a store. Call Start to begin loading.
func New[T any](cfg Config, loader Loader[T], opts ...Option[T]) *Store[T] {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Path)
	}
	cfg.Path = filepath.Clean(cfg.Path)

	s := &Store[T]{
		cfg:    cfg,
		loader: loader,
		logger: zerolog.Nop(),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		nudge:  make(chan struct{}, 1),
		stats:  Stats{Name: cfg.Name},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("store", cfg.Name).Str("path", cfg.Path).Logger()
	if len(cfg.Retry.RetryableErrors) == 0 {
		cfg.Retry.RetryableErrors = []errors.ErrorCode{errors.ErrCodeRefreshIO}
	}
	s.retryer = retry.New(cfg.Retry).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		s.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying backing file access")
	})
	return s
}

// Name returns the store name.
func (s *Store[T]) Name() string { return s.cfg.Name }

// Start launches the background worker. It performs an immediate load
// attempt and then checks the file every interval until ctx is cancelled or
// Shutdown is called. Start is idempotent.
func (s *Store[T]) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel

		if s.cfg.Watch {
			if w, err := newWatcher(s.cfg.Path, s.logger); err != nil {
				s.logger.Warn().Err(err).Msg("file watch unavailable, relying on interval polling")
			} else {
				s.wg.Go(func() { w.run(ctx, s.poke) })
			}
		}
		s.wg.Go(func() { s.run(ctx) })
	})
}

// Shutdown stops the background worker. An in-flight refresh is abandoned
// before it publishes. Safe to call more than once and before Start.
func (s *Store[T]) Shutdown() {
	s.doneOnce.Do(func() {
		s.state.Store(int32(StateShutdown))
		close(s.done)
	})
	s.startOnce.Do(func() {})
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the background worker has exited.
func (s *Store[T]) Wait() {
	if r := s.wg.WaitAndRecover(); r != nil {
		s.logger.Error().Str("panic", r.String()).Msg("store worker panicked")
	}
}

// Close shuts the store down and waits for the worker.
func (s *Store[T]) Close() {
	s.Shutdown()
	s.Wait()
}

// State returns the current lifecycle state.
func (s *Store[T]) State() State {
	return State(s.state.Load())
}

// Ready returns a channel closed once the first snapshot is published.
func (s *Store[T]) Ready() <-chan struct{} {
	return s.ready
}

// IsReady reports whether a snapshot has been published.
func (s *Store[T]) IsReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Snapshot returns the current snapshot, blocking until the first one is
// published, ctx is done, or the store shuts down without ever loading.
func (s *Store[T]) Snapshot(ctx context.Context) (T, error) {
	if v, ok := s.Current(); ok {
		return v, nil
	}
	select {
	case <-s.ready:
		v, _ := s.Current()
		return v, nil
	case <-s.done:
		var zero T
		return zero, errors.ErrShutdown
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(errors.ErrCodeNotReady, ctx.Err(), "waiting for first snapshot").
			WithComponent(s.cfg.Name)
	}
}

// Current returns the snapshot without blocking.
func (s *Store[T]) Current() (T, bool) {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	if snap == nil {
		var zero T
		return zero, false
	}
	return snap.value, true
}

// Generation returns the number of snapshots published so far.
func (s *Store[T]) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return 0
	}
	return s.snap.generation
}

// Stats returns a copy of the refresh statistics.
func (s *Store[T]) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.State = s.State().String()
	return st
}

// Refresh runs one refresh cycle synchronously. It reports whether a new
// snapshot was published.
func (s *Store[T]) Refresh(ctx context.Context) (bool, error) {
	return s.refresh(ctx)
}

func (s *Store[T]) poke() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

func (s *Store[T]) run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.cfg.Interval).Bool("watch", s.cfg.Watch).Msg("store worker started")
	defer s.logger.Info().Msg("store worker stopped")

	_, _ = s.refresh(ctx)

	interval := time.NewTimer(s.cfg.Interval)
	defer interval.Stop()
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.nudge:
			debounce.Reset(s.cfg.Debounce)
		case <-debounce.C:
			_, _ = s.refresh(ctx)
		case <-interval.C:
			_, _ = s.refresh(ctx)
			interval.Reset(s.cfg.Interval)
		}
	}
}

func (s *Store[T]) refresh(ctx context.Context) (bool, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if ctx.Err() != nil || s.State() == StateShutdown {
		return false, errors.ErrShutdown
	}

	s.mu.Lock()
	s.stats.LastAttempt = time.Now()
	var lastMod time.Time
	loaded := s.snap != nil
	if loaded {
		lastMod = s.snap.modTime
	}
	s.mu.Unlock()

	var info os.FileInfo
	err := s.retryer.DoWithContext(ctx, func(context.Context) error {
		var statErr error
		if info, statErr = os.Stat(s.cfg.Path); statErr != nil {
			return errors.Wrap(errors.ErrCodeRefreshIO, statErr, "stat failed").
				WithComponent(s.cfg.Name).WithOperation("stat")
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, errors.ErrShutdown
		}
		return false, s.fail(err)
	}
	if loaded && !info.ModTime().After(lastMod) {
		s.logger.Debug().Time("mod_time", info.ModTime()).Msg("unchanged, skipping")
		for _, o := range s.observers {
			o.RefreshSkipped(s.cfg.Name)
		}
		return false, nil
	}

	if loaded {
		s.state.CompareAndSwap(int32(StateReady), int32(StateRefreshing))
		defer s.state.CompareAndSwap(int32(StateRefreshing), int32(StateReady))
	}

	start := time.Now()
	value, res, err := s.load(ctx)
	if ctx.Err() != nil {
		s.logger.Info().Msg("refresh abandoned by shutdown")
		return false, errors.ErrShutdown
	}
	if err != nil {
		return false, s.fail(err)
	}
	if err := s.check(res, loaded); err != nil {
		return false, s.fail(err)
	}

	s.mu.Lock()
	gen := uint64(1)
	if s.snap != nil {
		gen = s.snap.generation + 1
	}
	s.snap = &snapshot[T]{value: value, generation: gen, modTime: info.ModTime()}
	s.stats.Generation = gen
	s.stats.Entries = res.Entries
	s.stats.Lines = res.Lines
	s.stats.Malformed = res.Malformed
	s.stats.FileModTime = info.ModTime()
	s.stats.LastSuccess = time.Now()
	s.stats.LastError = ""
	s.mu.Unlock()

	s.state.CompareAndSwap(int32(StateUninitialized), int32(StateReady))
	s.readyOnce.Do(func() { close(s.ready) })

	ev := s.logger.Info()
	if res.Malformed > 0 {
		ev = s.logger.Warn()
	}
	ev.Uint64("generation", gen).
		Int("entries", res.Entries).
		Int("lines", res.Lines).
		Int("malformed", res.Malformed).
		Int("excluded", res.Excluded).
		Dur("took", time.Since(start)).
		Msg("snapshot published")
	for i, lineErr := range res.Errors {
		if i == 5 {
			s.logger.Warn().Int("more", len(res.Errors)-i).Msg("further malformed lines suppressed")
			break
		}
		s.logger.Warn().Err(lineErr).Msg("malformed line skipped")
	}

	for _, o := range s.observers {
		o.RefreshSucceeded(s.cfg.Name, res, gen)
	}
	return true, nil
}

func (s *Store[T]) load(ctx context.Context) (T, Result, error) {
	var zero T
	var f *os.File
	err := s.retryer.DoWithContext(ctx, func(context.Context) error {
		var openErr error
		if f, openErr = os.Open(s.cfg.Path); openErr != nil {
			return errors.Wrap(errors.ErrCodeRefreshIO, openErr, "open failed").
				WithComponent(s.cfg.Name).WithOperation("open")
		}
		return nil
	})
	if err != nil {
		return zero, Result{}, err
	}
	defer f.Close()

	value, res, err := s.loader.Load(&ctxReader{ctx: ctx, r: f})
	if err != nil {
		if errors.Is(err, errors.ErrRefreshIO) {
			return zero, res, err
		}
		return zero, res, errors.Wrap(errors.ErrCodeRefreshIO, err, "load failed").
			WithComponent(s.cfg.Name).WithOperation("load")
	}
	return value, res, nil
}

// check rejects a load that would replace a good snapshot with garbage:
// every line malformed, or any malformed line in strict mode. Without a
// previous snapshot only strict mode rejects, so a store never stays
// unready over a file of bad lines.
func (s *Store[T]) check(res Result, loaded bool) error {
	if res.Malformed == 0 {
		return nil
	}
	if !s.cfg.Strict && !loaded {
		if res.Malformed == res.Lines {
			s.logger.Warn().Int("malformed", res.Malformed).Msg("every line malformed, publishing empty first snapshot")
		}
		return nil
	}
	if s.cfg.Strict || res.Malformed == res.Lines {
		return errors.NewError(errors.ErrCodeMalformedLine,
			fmt.Sprintf("%d of %d lines malformed", res.Malformed, res.Lines)).
			WithComponent(s.cfg.Name).
			WithOperation("parse").
			WithDetail("malformed", res.Malformed).
			WithDetail("lines", res.Lines)
	}
	return nil
}

func (s *Store[T]) fail(err error) error {
	s.mu.Lock()
	s.stats.Failures++
	s.stats.LastError = err.Error()
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("refresh failed, keeping previous snapshot")
	for _, o := range s.observers {
		o.RefreshFailed(s.cfg.Name, err)
	}
	return err
}

// ctxReader aborts a parse promptly once its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
