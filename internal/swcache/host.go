package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"swcache/internal/logger"
)

type HostOptions struct {
	Script string // e.g. "/sw.js"
	Scope  string // e.g. "/"
}

// Registration is a point-in-time view of the host's workers.
type Registration struct {
	Script     string
	Scope      string
	Active     *Worker
	Waiting    *Worker
	Installing *Worker
}

// Host owns one registration: the installing, waiting and active workers
// and the pages they control. It moves control between versions and
// raises controller-change on pages.
type Host struct {
	storage Storage
	fetcher Fetcher
	script  string
	scope   string
	log     *zap.Logger

	mu         sync.Mutex
	active     *Worker
	waiting    *Worker
	installing *Worker
	clients    map[string]*Client
	closed     bool

	retired sync.WaitGroup
}

func NewHost(storage Storage, fetcher Fetcher, opts HostOptions) *Host {
	if opts.Script == "" {
		opts.Script = "/sw.js"
	}
	if opts.Scope == "" {
		opts.Scope = "/"
	}
	return &Host{
		storage: storage,
		fetcher: fetcher,
		script:  opts.Script,
		scope:   opts.Scope,
		log:     logger.Named("host"),
		clients: map[string]*Client{},
	}
}

func (h *Host) Scope() string { return h.scope }

// InScope reports whether path is served by this registration.
func (h *Host) InScope(path string) bool {
	return strings.HasPrefix(path, h.scope)
}

func (h *Host) Registration() Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Registration{
		Script:     h.script,
		Scope:      h.scope,
		Active:     h.active,
		Waiting:    h.waiting,
		Installing: h.installing,
	}
}

// Active returns the worker serving fetches, or nil.
func (h *Host) Active() *Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Host) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Register installs the worker version described by opts. Registering the
// version already active, waiting or installing is a no-op. If install fails
// the previous active version keeps serving and the *InstallError is
// returned. A successful install activates immediately when the worker asked
// to skip waiting, when nothing is active yet, or when no page is controlled
// by the active version; otherwise the new worker waits.
func (h *Host) Register(ctx context.Context, opts WorkerOptions) (*Worker, error) {
	return h.start(ctx, opts, InstallEvent{})
}

// Resume brings back the version storage recorded as active, serving its
// existing store without touching the network. Only the version name is
// taken from storage; the rest of opts still applies. It fails with
// ErrStoreNotFound when no complete store was recorded.
func (h *Host) Resume(ctx context.Context, opts WorkerOptions) (*Worker, error) {
	name, err := h.storage.Active(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no active store recorded", ErrStoreNotFound)
	}
	opts.Version = name
	opts.Precache = nil
	return h.start(ctx, opts, ResumeEvent{})
}

func (h *Host) start(ctx context.Context, opts WorkerOptions, ev Event) (*Worker, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}
	for _, cur := range []*Worker{h.active, h.waiting, h.installing} {
		if cur != nil && cur.Version() == opts.Version {
			h.mu.Unlock()
			return cur, nil
		}
	}
	if h.installing != nil {
		h.mu.Unlock()
		return nil, ErrInstallInProgress
	}
	w, err := newWorker(opts, h.storage, h.fetcher, h)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.installing = w
	h.mu.Unlock()

	if _, ok := ev.(ResumeEvent); ok {
		h.log.Info("resuming", zap.String("version", opts.Version))
	} else {
		h.log.Info("installing", zap.String("version", opts.Version))
	}
	err = w.Dispatch(ctx, ev)

	h.mu.Lock()
	h.installing = nil
	if err != nil {
		h.mu.Unlock()
		h.retire(w)
		return nil, err
	}
	if h.closed {
		h.mu.Unlock()
		h.retire(w)
		return nil, ErrHostClosed
	}
	if old := h.waiting; old != nil {
		h.log.Info("replacing waiting worker", zap.String("version", old.Version()))
		defer h.retire(old)
	}
	h.waiting = w
	activateNow := w.skipWaitingRequested() || h.active == nil || h.controlledByLocked(h.active) == 0
	h.mu.Unlock()

	if !activateNow {
		h.log.Info("waiting for controlled pages to close", zap.String("version", w.Version()))
		return w, nil
	}
	if err := h.activate(ctx, w); err != nil {
		return w, err
	}
	return w, nil
}

// activate promotes the waiting worker w. A failed activation leaves w
// waiting and the previous worker in control.
func (h *Host) activate(ctx context.Context, w *Worker) error {
	h.mu.Lock()
	if h.waiting != w {
		h.mu.Unlock()
		return nil
	}
	h.waiting = nil
	prev := h.active
	h.mu.Unlock()

	if err := w.Dispatch(ctx, ActivateEvent{}); err != nil {
		h.log.Error("activate", zap.String("version", w.Version()), zap.Error(err))
		h.mu.Lock()
		requeue := !h.closed && h.waiting == nil && w.State() == StateInstalled && !errors.Is(err, ErrWorkerClosed)
		if requeue {
			h.waiting = w
		}
		h.mu.Unlock()
		if !requeue {
			h.retire(w)
		}
		return err
	}
	if prev != nil {
		h.retire(prev)
	}
	return nil
}

// supersede stops the active worker writing to its store. w calls it before
// deleting the stores it replaces.
func (h *Host) supersede(w *Worker) {
	h.mu.Lock()
	prev := h.active
	h.mu.Unlock()
	if prev != nil && prev != w {
		prev.markRedundant()
	}
}

func (h *Host) retire(w *Worker) {
	w.markRedundant()
	h.retired.Add(1)
	go func() {
		defer h.retired.Done()
		w.Close()
	}()
}

func (h *Host) claim(_ context.Context, w *Worker) {
	h.mu.Lock()
	h.active = w
	var changed []*Client
	for _, c := range h.clients {
		if c.setController(w) {
			changed = append(changed, c)
		}
	}
	h.mu.Unlock()

	h.log.Info("claimed clients", zap.String("version", w.Version()), zap.Int("changed", len(changed)))
	for _, c := range changed {
		c.ControllerChanged()
	}
}

func (h *Host) broadcast(msg Message) int {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range clients {
		if c.Post(msg) {
			delivered++
		}
	}
	return delivered
}

func (h *Host) skipWaiting(ctx context.Context, w *Worker) {
	if err := h.activate(ctx, w); err != nil {
		h.log.Warn("skip waiting", zap.String("version", w.Version()), zap.Error(err))
	}
}

func (h *Host) controlledByLocked(w *Worker) int {
	n := 0
	for _, c := range h.clients {
		if c.controlledBy(w) {
			n++
		}
	}
	return n
}

// Connect attaches a loading page. It is controlled by the active worker, if
// any, from the start.
func (h *Host) Connect(c *Client, script, scope string) error {
	if script != "" && script != h.script {
		return fmt.Errorf("%w: script %q is not registered (want %q)", ErrUnsupported, script, h.script)
	}
	if scope != "" && !strings.HasPrefix(scope, h.scope) {
		return fmt.Errorf("%w: scope %q is outside %q", ErrUnsupported, scope, h.scope)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHostClosed
	}
	c.attach(h, h.active)
	h.clients[c.ID()] = c
	return nil
}

// Disconnect detaches a closed page. When the last page controlled by the
// active version goes away, a waiting version activates.
func (h *Host) Disconnect(ctx context.Context, c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID())
	c.close()
	w := h.waiting
	release := w != nil && h.controlledByLocked(h.active) == 0
	h.mu.Unlock()

	if release {
		if err := h.activate(ctx, w); err != nil {
			h.log.Warn("activate after last client closed", zap.Error(err))
		}
	}
}

// PostMessage delivers a page message to the registration. Skip-waiting goes
// to the waiting worker; everything else goes to the active one. With no
// worker to receive it the message is dropped.
func (h *Host) PostMessage(ctx context.Context, msg Message, from *Client) error {
	h.mu.Lock()
	target := h.active
	if msg.Command() == CommandSkipWaiting {
		switch {
		case h.waiting != nil:
			target = h.waiting
		case h.installing != nil:
			target = h.installing
		}
	}
	if target == nil {
		target = h.waiting
	}
	h.mu.Unlock()

	if target == nil {
		h.log.Debug("message dropped, no worker", zap.Stringer("message", msg))
		return nil
	}
	err := target.Dispatch(ctx, MessageEvent{Message: msg, Source: from})
	if errors.Is(err, ErrWorkerClosed) {
		return nil
	}
	return err
}

// Fetch routes a request through the active worker. Without one the request
// goes straight to the network.
func (h *Host) Fetch(ctx context.Context, r *http.Request) (Snapshot, Outcome, error) {
	for attempt := 0; attempt < 2; attempt++ {
		w := h.Active()
		if w == nil {
			break
		}
		ev := &FetchEvent{Request: r}
		err := w.Dispatch(ctx, ev)
		if errors.Is(err, ErrWorkerClosed) {
			continue
		}
		return ev.Response, ev.Outcome, err
	}
	snap, err := h.fetcher.Fetch(ctx, r)
	if err != nil {
		return Snapshot{}, "", fmt.Errorf("%w: %w", ErrOffline, err)
	}
	return snap, OutcomeUncontrolled, nil
}

// Close detaches every page and waits for all workers to settle. The
// storage is left open for its owner to close.
func (h *Host) Close() {
	h.mu.Lock()
	h.closed = true
	workers := []*Worker{h.active, h.waiting, h.installing}
	h.active, h.waiting = nil, nil
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, w := range workers {
		if w != nil {
			w.Close()
		}
	}
	h.retired.Wait()
}
