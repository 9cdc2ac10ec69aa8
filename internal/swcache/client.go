package swcache

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swcache/internal/logger"
)

const (
	ReasonControllerChange = "controllerchange"
	ReasonMessage          = "message"
)

// ReloadFunc performs a full page reload. reason is ReasonControllerChange
// or ReasonMessage.
type ReloadFunc func(reason string)

const clientInboxSize = 16

// Client is one open page. It remembers which worker controlled it at load
// time and reloads at most once when control moves to another version.
type Client struct {
	id      string
	network Fetcher
	reload  ReloadFunc
	log     *zap.Logger

	mu              sync.Mutex
	host            *Host
	controller      *Worker
	loadVersion     string
	reloadTriggered bool
	closed          bool

	inbox chan Message
}

// NewClient creates a page. An empty id is replaced by a random one.
// network serves requests while the page is uncontrolled.
func NewClient(id string, network Fetcher, reload ReloadFunc) *Client {
	if id == "" {
		id = uuid.NewString()
	}
	if reload == nil {
		reload = func(string) {}
	}
	return &Client{
		id:      id,
		network: network,
		reload:  reload,
		log:     logger.Named("client").With(zap.String("client", id)),
		inbox:   make(chan Message, clientInboxSize),
	}
}

func (c *Client) ID() string { return c.id }

// Register attaches the page to h. A nil host, or a script or scope the host
// does not serve, fails with ErrUnsupported; the failure is logged and the
// page keeps working uncontrolled.
func (c *Client) Register(h *Host, script, scope string) (Registration, error) {
	if h == nil {
		c.log.Warn("service worker registration failed, continuing without offline support", zap.Error(ErrUnsupported))
		return Registration{}, ErrUnsupported
	}
	if err := h.Connect(c, script, scope); err != nil {
		c.log.Warn("service worker registration failed, continuing without offline support", zap.Error(err))
		return Registration{}, err
	}
	return h.Registration(), nil
}

// Controller is the worker currently controlling the page, or nil.
func (c *Client) Controller() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// ReloadTriggered reports whether a controller change has already reloaded
// this page.
func (c *Client) ReloadTriggered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadTriggered
}

func (c *Client) attach(h *Host, w *Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = h
	c.controller = w
	if w != nil {
		c.loadVersion = w.Version()
	}
}

// setController moves the page under w and reports whether that is a
// controller change.
func (c *Client) setController(w *Worker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.controller == w {
		return false
	}
	c.controller = w
	return true
}

func (c *Client) controlledBy(w *Worker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return w != nil && c.controller == w
}

// ControllerChanged handles the controller-change signal. The first signal
// reloads the page; repeats are ignored. It reports whether it reloaded.
func (c *Client) ControllerChanged() bool {
	c.mu.Lock()
	if c.reloadTriggered || c.closed {
		c.mu.Unlock()
		return false
	}
	c.reloadTriggered = true
	from := c.loadVersion
	c.mu.Unlock()

	c.log.Info("controller changed, reloading", zap.String("loaded_with", from))
	c.reload(ReasonControllerChange)
	return true
}

// Post queues a worker message for the page. Delivery is fire-and-forget:
// a closed page or a full inbox drops the message.
func (c *Client) Post(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.inbox <- msg:
		return true
	default:
		return false
	}
}

// Messages yields queued worker messages. The channel closes with the page.
func (c *Client) Messages() <-chan Message { return c.inbox }

// Deliver handles one worker message on the page. A reload message always
// reloads, independent of the controller-change guard.
func (c *Client) Deliver(msg Message) {
	if msg.Command() != CommandReload {
		return
	}
	c.log.Debug("reload message received")
	c.reload(ReasonMessage)
}

// Send posts a message from the page to its worker registration.
func (c *Client) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	h := c.host
	c.mu.Unlock()
	if h == nil {
		return ErrUnsupported
	}
	return h.PostMessage(ctx, msg, c)
}

// Fetch issues a request from the page. Controlled pages go through their
// worker; uncontrolled pages go straight to the network.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (Snapshot, Outcome, error) {
	c.mu.Lock()
	h, w := c.host, c.controller
	c.mu.Unlock()

	if w != nil {
		ev := &FetchEvent{Request: r}
		err := w.Dispatch(ctx, ev)
		if !errors.Is(err, ErrWorkerClosed) {
			return ev.Response, ev.Outcome, err
		}
	}
	if h != nil {
		return h.Fetch(ctx, r)
	}
	if c.network == nil {
		return Snapshot{}, "", ErrOffline
	}
	snap, err := c.network.Fetch(ctx, r)
	return snap, OutcomeUncontrolled, err
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.inbox)
}
