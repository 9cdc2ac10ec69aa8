package swcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swcache/internal/logger"
)

type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled // waiting
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type WorkerOptions struct {
	// Version names the cache store owned by this worker, e.g. "app-cache-v1".
	// Bumping it is the only way to invalidate previously cached assets.
	Version string
	// Origin is scheme://host of the controlled application.
	Origin   string
	Manifest []string
	Fallback string
	// SkipWaiting activates right after install instead of waiting for
	// every page controlled by the previous version to close.
	SkipWaiting bool
	// Precache lists extra paths cached after the manifest, best-effort.
	Precache           []string
	InstallConcurrency int
}

// workerHost is the registration a worker reports to. Host implements it.
type workerHost interface {
	supersede(w *Worker)
	claim(ctx context.Context, w *Worker)
	broadcast(msg Message) int
	skipWaiting(ctx context.Context, w *Worker)
}

// Worker is one version of the offline cache. It moves through
// uninstalled, installing, installed, activating and activated; a worker
// that fails to install or is replaced ends redundant.
type Worker struct {
	opts        WorkerOptions
	origin      *url.URL
	fallbackKey RequestKey
	storage     Storage
	fetcher     Fetcher
	host        workerHost
	log         *zap.Logger
	writeLog    *rateLimitedLogger

	mu            sync.Mutex
	state         State
	history       []State
	cache         Cache
	skipRequested bool
	closed        bool

	pending sync.WaitGroup
}

func NewWorker(opts WorkerOptions, storage Storage, fetcher Fetcher) (*Worker, error) {
	return newWorker(opts, storage, fetcher, nil)
}

func newWorker(opts WorkerOptions, storage Storage, fetcher Fetcher, host workerHost) (*Worker, error) {
	if err := validStoreName(opts.Version); err != nil {
		return nil, fmt.Errorf("worker version: %w", err)
	}
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("worker origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("worker origin %q must be absolute", opts.Origin)
	}
	if opts.Fallback == "" {
		return nil, fmt.Errorf("worker fallback is required")
	}
	if !slices.Contains(opts.Manifest, opts.Fallback) {
		return nil, fmt.Errorf("fallback %q is not in the manifest", opts.Fallback)
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 8
	}

	w := &Worker{
		opts:    opts,
		origin:  origin,
		storage: storage,
		fetcher: fetcher,
		host:    host,
		state:   StateUninstalled,
		history: []State{StateUninstalled},
	}
	w.log = logger.Named("worker").With(zap.String("version", opts.Version))
	w.writeLog = newRateLimitedLogger(w.log, time.Minute)

	fb, err := w.assetRequest(context.Background(), opts.Fallback)
	if err != nil {
		return nil, fmt.Errorf("worker fallback: %w", err)
	}
	w.fallbackKey = KeyFor(fb)
	return w, nil
}

func (w *Worker) Version() string { return w.opts.Version }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// History returns every state the worker has been in, oldest first.
func (w *Worker) History() []State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]State(nil), w.history...)
}

func (w *Worker) skipWaitingRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipRequested
}

func (w *Worker) setStateLocked(s State) {
	if w.state == s {
		return
	}
	w.state = s
	w.history = append(w.history, s)
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s is %s, want %s before %s", ErrInvalidTransition, w.opts.Version, w.state, from, to)
	}
	w.setStateLocked(to)
	return nil
}

func (w *Worker) markRedundant() {
	w.mu.Lock()
	w.setStateLocked(StateRedundant)
	w.mu.Unlock()
}

// ---- events ----

type Event interface{ isEvent() }

type InstallEvent struct{}

type ActivateEvent struct{}

// ResumeEvent reinstalls a worker from the store it left behind, without
// fetching anything.
type ResumeEvent struct{}

// FetchEvent carries one intercepted request; Dispatch fills in the
// response.
type FetchEvent struct {
	Request  *http.Request
	Response Snapshot
	Outcome  Outcome
}

type MessageEvent struct {
	Message Message
	Source  *Client
}

func (InstallEvent) isEvent()  {}
func (ActivateEvent) isEvent() {}
func (ResumeEvent) isEvent()   {}
func (*FetchEvent) isEvent()   {}
func (MessageEvent) isEvent()  {}

// Dispatch runs the handler for ev and returns once it has settled. Close
// waits for every dispatched handler, so a worker is never torn down in the
// middle of an install or activation.
func (w *Worker) Dispatch(ctx context.Context, ev Event) error {
	if !w.enter() {
		return ErrWorkerClosed
	}
	defer w.pending.Done()

	switch e := ev.(type) {
	case InstallEvent:
		return w.Install(ctx)
	case ActivateEvent:
		return w.Activate(ctx)
	case ResumeEvent:
		return w.Resume(ctx)
	case *FetchEvent:
		snap, outcome, err := w.HandleFetch(ctx, e.Request)
		e.Response, e.Outcome = snap, outcome
		return err
	case MessageEvent:
		if e.Source != nil {
			w.log.Debug("message from client", zap.String("client", e.Source.ID()), zap.Stringer("message", e.Message))
		}
		w.HandleMessage(ctx, e.Message)
		return nil
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

func (w *Worker) enter() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.pending.Add(1)
	return true
}

// Close rejects new events and waits for in-flight ones.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.pending.Wait()
}

// ---- install ----

// Install precaches the whole manifest into the worker's store. Any failed
// or non-200 fetch fails the install with *InstallError and nothing from
// the manifest is written.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}
	started := time.Now()

	cache, created, err := w.precacheManifest(ctx)
	if err != nil {
		w.markRedundant()
		if created {
			if _, derr := w.storage.Delete(context.WithoutCancel(ctx), w.opts.Version); derr != nil {
				w.log.Warn("drop store after failed install", zap.Error(derr))
			}
		}
		w.log.Error("install failed", zap.Error(err))
		return err
	}
	w.precacheOptional(ctx, cache)

	w.mu.Lock()
	w.cache = cache
	w.setStateLocked(StateInstalled)
	if w.opts.SkipWaiting {
		w.skipRequested = true
	}
	w.mu.Unlock()

	w.log.Info("installed",
		zap.Int("assets", len(w.opts.Manifest)),
		zap.Duration("took", time.Since(started)),
	)
	return nil
}

func (w *Worker) precacheManifest(ctx context.Context) (Cache, bool, error) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return nil, false, &InstallError{Version: w.opts.Version, Err: err}
	}
	created := !slices.Contains(names, w.opts.Version)

	cache, err := w.storage.Open(ctx, w.opts.Version)
	if err != nil {
		return nil, created, &InstallError{Version: w.opts.Version, Err: err}
	}

	entries := make([]Entry, len(w.opts.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.InstallConcurrency)
	for i, path := range w.opts.Manifest {
		i, path := i, path
		g.Go(func() error {
			req, err := w.assetRequest(gctx, path)
			if err != nil {
				return &InstallError{Version: w.opts.Version, Path: path, Err: err}
			}
			snap, err := w.fetcher.Fetch(gctx, req)
			if err != nil {
				return &InstallError{Version: w.opts.Version, Path: path, Err: err}
			}
			if snap.Status != http.StatusOK {
				return &InstallError{Version: w.opts.Version, Path: path, Status: snap.Status}
			}
			entries[i] = Entry{Key: KeyFor(req), Snapshot: snap}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, created, err
	}

	if err := cache.PutAll(ctx, entries); err != nil {
		return nil, created, &InstallError{Version: w.opts.Version, Err: fmt.Errorf("write manifest: %w", err)}
	}
	return cache, created, nil
}

// Resume installs the worker from its existing store. The store must exist
// and hold the fallback page; nothing is fetched. A resumed worker always
// skips waiting.
func (w *Worker) Resume(ctx context.Context) error {
	if err := w.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}
	cache, err := w.reopen(ctx)
	if err != nil {
		w.markRedundant()
		return fmt.Errorf("resume %s: %w", w.opts.Version, err)
	}

	w.mu.Lock()
	w.cache = cache
	w.skipRequested = true
	w.setStateLocked(StateInstalled)
	w.mu.Unlock()
	w.log.Info("resumed from stored cache")
	return nil
}

func (w *Worker) reopen(ctx context.Context) (Cache, error) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(names, w.opts.Version) {
		return nil, ErrStoreNotFound
	}
	cache, err := w.storage.Open(ctx, w.opts.Version)
	if err != nil {
		return nil, err
	}
	if _, ok, err := cache.Match(ctx, w.fallbackKey); err != nil || !ok {
		return nil, fmt.Errorf("%w: fallback %s not stored", ErrStoreNotFound, w.opts.Fallback)
	}
	return cache, nil
}

func (w *Worker) precacheOptional(ctx context.Context, cache Cache) {
	stored := 0
	for _, path := range w.opts.Precache {
		if slices.Contains(w.opts.Manifest, path) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		req, err := w.assetRequest(ctx, path)
		if err != nil || !w.sameOrigin(req.URL) {
			continue
		}
		snap, err := w.fetcher.Fetch(ctx, req)
		if err != nil || snap.Status != http.StatusOK {
			w.log.Debug("optional precache skipped", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := cache.Put(ctx, KeyFor(req), snap); err != nil {
			w.writeLog.Warn("optional precache write failed", zap.String("path", path), zap.Error(err))
			continue
		}
		stored++
	}
	if len(w.opts.Precache) > 0 {
		w.log.Info("optional precache done", zap.Int("stored", stored), zap.Int("listed", len(w.opts.Precache)))
	}
}

// ---- activate ----

// Activate deletes every store but this worker's own, records its store as
// the active one, then claims all open clients so they are controlled
// without a reload. If the stores cannot be listed the worker goes back to
// installed and the previous version keeps serving.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	names, err := w.storage.Names(ctx)
	if err != nil {
		w.mu.Lock()
		w.setStateLocked(StateInstalled)
		w.mu.Unlock()
		return fmt.Errorf("activate %s: list stores: %w", w.opts.Version, err)
	}
	if w.host != nil {
		w.host.supersede(w)
	}
	for _, name := range names {
		if name == w.opts.Version {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.log.Warn("delete stale store", zap.String("store", name), zap.Error(err))
			continue
		}
		w.log.Info("deleted stale store", zap.String("store", name))
	}

	w.mu.Lock()
	w.setStateLocked(StateActivated)
	w.mu.Unlock()
	if err := w.storage.SetActive(ctx, w.opts.Version); err != nil {
		w.log.Warn("record active store", zap.Error(err))
	}
	w.log.Info("activated")

	if w.host != nil {
		w.host.claim(ctx, w)
	}
	return nil
}

// SkipWaiting asks for activation without waiting for the previous
// version's pages to close. A request made during install is honoured as
// soon as install completes.
func (w *Worker) SkipWaiting(ctx context.Context) {
	w.mu.Lock()
	w.skipRequested = true
	ready := w.state == StateInstalled
	w.mu.Unlock()
	if ready && w.host != nil {
		w.host.skipWaiting(ctx, w)
	}
}

// ---- messages ----

func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	switch msg.Command() {
	case CommandSkipWaiting:
		w.log.Debug("skip waiting requested", zap.Stringer("message", msg))
		w.SkipWaiting(ctx)
	case CommandReload:
		n := w.ReloadClients()
		w.log.Info("reload pushed to clients", zap.Int("clients", n))
	default:
		w.log.Debug("ignoring message", zap.Stringer("message", msg))
	}
}

// ReloadClients pushes a reload message to every open client and reports
// how many accepted it.
func (w *Worker) ReloadClients() int {
	if w.host == nil {
		return 0
	}
	return w.host.broadcast(ReloadMessage)
}

// ---- helpers ----

func (w *Worker) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return w.origin.String() + path
}

func (w *Worker) assetRequest(ctx context.Context, path string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, w.resolve(path), http.NoBody)
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.origin.Scheme) && strings.EqualFold(u.Host, w.origin.Host)
}

func (w *Worker) currentCache() Cache {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cache
}
