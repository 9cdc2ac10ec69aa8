package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"swcache/internal/logger"
)

// Service is the HTTP front end: every page request is routed through the
// active worker of its host.
type Service struct {
	storage Storage
	fetcher Fetcher
	host    *Host
	stats   *statsCollector
	log     *zap.Logger

	mu  sync.RWMutex
	cfg Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewService(ctx context.Context, cfg Config) (*Service, error) {
	storage, err := OpenStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	return newService(ctx, cfg, storage, NewNetworkFetcher(30*time.Second)), nil
}

func newService(ctx context.Context, cfg Config, storage Storage, fetcher Fetcher) *Service {
	s := &Service{
		storage: storage,
		fetcher: fetcher,
		host:    NewHost(storage, fetcher, cfg.HostOptions()),
		stats:   newStatsCollector(),
		log:     logger.Named("service"),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}

	// A failed first install with no stored version to resume leaves pages
	// uncontrolled; the proxy still serves them straight from the origin.
	if err := s.deploy(ctx, cfg); err != nil {
		s.log.Error("initial registration failed, serving without offline support", zap.Error(err))
	}

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s
}

// StopStreams ends every open event stream. Register it with
// http.Server.RegisterOnShutdown.
func (s *Service) StopStreams() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Service) Close() {
	s.StopStreams()
	s.wg.Wait()
	s.host.Close()
	if err := s.storage.Close(); err != nil {
		s.log.Warn("close storage", zap.Error(err))
	}
}

func (s *Service) Host() *Host { return s.host }

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload applies a new config. A changed worker.cacheName registers and
// installs a new version. Storage settings, the control prefix and the
// worker script and scope shape the storage, the router and the host, so
// they only apply after a restart.
func (s *Service) Reload(ctx context.Context, cfg Config) error {
	cur := s.config()
	if cfg.Storage != cur.Storage {
		s.log.Warn("storage settings changed, restart to apply them")
	}
	cfg.Storage = cur.Storage
	if cfg.Server.ControlPrefix != cur.Server.ControlPrefix ||
		cfg.Worker.Script != cur.Worker.Script ||
		cfg.Worker.Scope != cur.Worker.Scope {
		s.log.Warn("control prefix or worker script/scope changed, restart to apply them",
			zap.String("controlPrefix", cur.Server.ControlPrefix),
			zap.String("script", cur.Worker.Script),
			zap.String("scope", cur.Worker.Scope),
		)
	}
	cfg.Server.ControlPrefix = cur.Server.ControlPrefix
	cfg.Worker.Script = cur.Worker.Script
	cfg.Worker.Scope = cur.Worker.Scope

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.deploy(ctx, cfg)
}

func (s *Service) deploy(ctx context.Context, cfg Config) error {
	var precache []string
	if len(cfg.Worker.Sitemaps) > 0 {
		dctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		paths, err := discoverPrecache(dctx, s.fetcher, cfg.Server.Origin, cfg.Worker.Sitemaps, s.log)
		cancel()
		if err != nil {
			s.log.Warn("sitemap discovery", zap.Error(err))
		}
		precache = paths
		s.log.Info("sitemap discovery", zap.Int("paths", len(paths)))
	}

	ictx, cancel := context.WithTimeout(ctx, cfg.InstallTimeout())
	defer cancel()
	w, err := s.host.Register(ictx, cfg.WorkerOptions(precache))
	if err != nil {
		if s.host.Active() != nil {
			return err
		}
		// Nothing serves yet, typically right after a restart with the
		// origin down: fall back to the version that was active last time.
		rw, rerr := s.host.Resume(ctx, cfg.WorkerOptions(nil))
		if rerr != nil {
			if !errors.Is(rerr, ErrStoreNotFound) {
				s.log.Warn("resume stored version", zap.Error(rerr))
			}
			return err
		}
		s.log.Warn("install failed, serving stored version",
			zap.String("version", rw.Version()),
			zap.String("wanted", cfg.Worker.CacheName),
			zap.Error(err),
		)
		return nil
	}
	s.log.Info("registered", zap.String("version", w.Version()), zap.Stringer("state", w.State()))
	return nil
}

func (s *Service) Handler() http.Handler {
	cfg := s.config()
	prefix := cfg.Server.ControlPrefix

	r := chi.NewRouter()
	r.Get(prefix+"/events", s.handleEvents)
	r.Post(prefix+"/message", s.handleMessage)
	r.Get(prefix+"/status", s.handleStatus)
	r.Get(cfg.Worker.Script, s.handleScript)
	r.NotFound(s.handle)
	r.MethodNotAllowed(s.handle)
	return r
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	out, err := s.outbound(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var (
		snap    Snapshot
		outcome Outcome
	)
	if s.host.InScope(r.URL.Path) {
		snap, outcome, err = s.host.Fetch(r.Context(), out)
	} else {
		snap, err = s.fetcher.Fetch(r.Context(), out)
		outcome = OutcomeBypass
	}
	if err != nil {
		s.stats.ObserveFailure()
		s.log.Debug("fetch failed", zap.String("url", out.URL.String()), zap.Error(err))
		setSwcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeSnapshot(w, snap, outcome)
	s.stats.Observe(outcome, len(snap.Body))
}

// outbound turns an incoming request into the absolute request a page
// would have issued. Proxy-form requests keep their own host.
func (s *Service) outbound(r *http.Request) (*http.Request, error) {
	target := r.URL
	if !target.IsAbs() {
		u, err := url.Parse(s.config().Server.Origin + r.URL.RequestURI())
		if err != nil {
			return nil, err
		}
		target = u
	}
	out := r.Clone(r.Context())
	out.URL = target
	out.Host = ""
	out.RequestURI = ""
	return out, nil
}

func writeSnapshot(w http.ResponseWriter, snap Snapshot, outcome Outcome) {
	for k, vs := range snap.Header {
		if strings.EqualFold(k, "x-swcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSwcacheHeaders(w.Header(), string(outcome))
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
}

func setSwcacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Swcache", outcome)
	}
	// Custom headers are hidden from cross-origin JS unless exposed.
	ensureExposedHeader(h, "X-Swcache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- page channel ----

// handleEvents holds one page open as a server-sent event stream. The page
// gets a "reload" event when a controller change or a worker reload message
// asks for one.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	reloads := make(chan string, 4)
	c := NewClient(r.URL.Query().Get("client"), s.fetcher, func(reason string) {
		select {
		case reloads <- reason:
		default:
		}
	})
	cfg := s.config()
	if _, err := c.Register(s.host, cfg.Worker.Script, cfg.Worker.Scope); err != nil {
		http.Error(w, "service worker unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.host.Disconnect(context.WithoutCancel(r.Context()), c)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hello := map[string]string{"client": c.ID()}
	if ctrl := c.Controller(); ctrl != nil {
		hello["controller"] = ctrl.Version()
	}
	writeEvent(w, "hello", hello)
	fl.Flush()

	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopCh:
			return
		case msg, ok := <-c.Messages():
			if !ok {
				return
			}
			c.Deliver(msg)
		case reason := <-reloads:
			writeEvent(w, "reload", map[string]string{"reason": reason})
			fl.Flush()
		case <-ping.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			fl.Flush()
		}
	}
}

func writeEvent(w io.Writer, name string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	msg, err := ParseMessage(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.host.PostMessage(r.Context(), msg, nil); err != nil {
		s.log.Warn("message", zap.Stringer("message", msg), zap.Error(err))
		http.Error(w, "message failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"command": msg.Command().String()})
}

type WorkerReport struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

type StatusReport struct {
	Script     string        `json:"script"`
	Scope      string        `json:"scope"`
	Active     *WorkerReport `json:"active,omitempty"`
	Waiting    *WorkerReport `json:"waiting,omitempty"`
	Installing *WorkerReport `json:"installing,omitempty"`
	Clients    int           `json:"clients"`
	Stores     []StoreInfo   `json:"stores"`
	Stats      statsSnapshot `json:"stats"`
}

func reportWorker(w *Worker) *WorkerReport {
	if w == nil {
		return nil
	}
	return &WorkerReport{Version: w.Version(), State: w.State().String()}
}

func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	reg := s.host.Registration()
	stores, err := DescribeStores(ctx, s.storage)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		Script:     reg.Script,
		Scope:      reg.Scope,
		Active:     reportWorker(reg.Active),
		Waiting:    reportWorker(reg.Waiting),
		Installing: reportWorker(reg.Installing),
		Clients:    s.host.ClientCount(),
		Stores:     stores,
		Stats:      s.stats.Snapshot(),
	}, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Status(r.Context())
	if err != nil {
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)
}

func (s *Service) handleScript(w http.ResponseWriter, _ *http.Request) {
	cfg := s.config()
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Service-Worker-Allowed", cfg.Worker.Scope)
	_, _ = io.WriteString(w, registrationScript(cfg.Server.ControlPrefix))
}

// ---- stats ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := []zap.Field{
		zap.Uint64("hits", ss.Hits),
		zap.Uint64("misses", ss.Misses),
		zap.Uint64("network", ss.Network),
		zap.Uint64("fallbacks", ss.Fallbacks),
		zap.Uint64("bypassed", ss.Bypassed),
		zap.Uint64("failures", ss.Failures),
		zap.String("resp_min", formatBytes(ss.MinRespBytes)),
		zap.String("resp_avg", formatBytes(ss.AvgRespBytes)),
		zap.String("resp_max", formatBytes(ss.MaxRespBytes)),
	}
	if w := s.host.Active(); w != nil {
		if c := w.currentCache(); c != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			keys, kerr := c.Keys(ctx)
			used, uerr := c.Usage(ctx)
			cancel()
			if err := errors.Join(kerr, uerr); err == nil {
				fields = append(fields,
					zap.String("store", c.Name()),
					zap.Int("entries", len(keys)),
					zap.String("usage", formatBytes(uint64(used))),
				)
			}
		}
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	s.log.Info("stats", fields...)
}
