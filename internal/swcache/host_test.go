package swcache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitingOptions(version string) WorkerOptions {
	opts := testOptions(version)
	opts.SkipWaiting = false
	return opts
}

func connect(t *testing.T, h *Host, o *fakeOrigin) (*Client, *reloadCounter) {
	t.Helper()
	rc := &reloadCounter{}
	c := NewClient("", o, rc.reload)
	_, err := c.Register(h, "/sw.js", "/")
	require.NoError(t, err)
	return c, rc
}

func TestReloadGuard(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	v1, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	c, rc := connect(t, h, o)
	require.Same(t, v1, c.Controller())

	v2, err := h.Register(ctx, testOptions("v2"))
	require.NoError(t, err)
	assert.Same(t, v2, c.Controller())
	assert.Equal(t, 1, rc.count(ReasonControllerChange))
	assert.True(t, c.ReloadTriggered())

	// Repeated signals on the same page are ignored.
	assert.False(t, c.ControllerChanged())
	assert.False(t, c.ControllerChanged())

	_, err = h.Register(ctx, testOptions("v3"))
	require.NoError(t, err)
	assert.Equal(t, 1, rc.count(ReasonControllerChange))
}

func TestReloadGuard_FreshPageReloadsAgain(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	_, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	first, rc1 := connect(t, h, o)

	_, err = h.Register(ctx, testOptions("v2"))
	require.NoError(t, err)
	require.Equal(t, 1, rc1.count(ReasonControllerChange))

	// The reloaded page is a new client with its own guard.
	h.Disconnect(ctx, first)
	_, rc2 := connect(t, h, o)
	_, err = h.Register(ctx, testOptions("v3"))
	require.NoError(t, err)
	assert.Equal(t, 1, rc2.count(ReasonControllerChange))
}

func TestSkipWaitingMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"bare", Bare("skipWaiting")},
		{"structured", Structured("SKIP_WAITING")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := NewMemoryStorage()
			o := newFakeOrigin()
			seedSite(o, "v1")
			h := newTestHost(t, st, o)

			v1, err := h.Register(ctx, waitingOptions("v1"))
			require.NoError(t, err)
			c, rc := connect(t, h, o)

			v2, err := h.Register(ctx, waitingOptions("v2"))
			require.NoError(t, err)
			assert.Equal(t, StateInstalled, v2.State())
			assert.Same(t, v1, h.Active())
			assert.Same(t, v2, h.Registration().Waiting)

			require.NoError(t, c.Send(ctx, tt.msg))

			assert.Same(t, v2, h.Active())
			assert.Equal(t, StateActivated, v2.State())
			assert.Equal(t, StateRedundant, v1.State())
			assert.Nil(t, h.Registration().Waiting)
			assert.Same(t, v2, c.Controller())
			assert.Equal(t, 1, rc.count(ReasonControllerChange))
			assert.Equal(t, []string{"v2"}, storeNames(t, st))
		})
	}
}

func TestWaiting_ReleasedWhenLastClientCloses(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	v1, err := h.Register(ctx, waitingOptions("v1"))
	require.NoError(t, err)
	a, _ := connect(t, h, o)
	b, _ := connect(t, h, o)

	v2, err := h.Register(ctx, waitingOptions("v2"))
	require.NoError(t, err)
	require.Same(t, v2, h.Registration().Waiting)

	h.Disconnect(ctx, a)
	assert.Same(t, v1, h.Active())

	h.Disconnect(ctx, b)
	assert.Same(t, v2, h.Active())
	assert.Equal(t, 0, h.ClientCount())
}

func TestWaiting_NoControlledClientsActivatesNow(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	_, err := h.Register(ctx, waitingOptions("v1"))
	require.NoError(t, err)
	v2, err := h.Register(ctx, waitingOptions("v2"))
	require.NoError(t, err)
	assert.Same(t, v2, h.Active())
}

func TestWaiting_NewerWaitingReplacesOlder(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	_, err := h.Register(ctx, waitingOptions("v1"))
	require.NoError(t, err)
	connect(t, h, o)

	v2, err := h.Register(ctx, waitingOptions("v2"))
	require.NoError(t, err)
	v3, err := h.Register(ctx, waitingOptions("v3"))
	require.NoError(t, err)

	assert.Same(t, v3, h.Registration().Waiting)
	assert.Equal(t, StateRedundant, v2.State())
}

func TestReloadMessage(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	v1, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	a, rca := connect(t, h, o)
	b, rcb := connect(t, h, o)

	for i := 0; i < 2; i++ {
		require.NoError(t, v1.Dispatch(ctx, MessageEvent{Message: Bare("reload")}))
		a.Deliver(<-a.Messages())
		b.Deliver(<-b.Messages())
	}

	// Explicit reload messages bypass the controller-change guard.
	assert.Equal(t, 2, rca.count(ReasonMessage))
	assert.Equal(t, 2, rcb.count(ReasonMessage))
	assert.Equal(t, 0, rca.count(ReasonControllerChange))
}

func TestMessages_FireAndForget(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")

	t.Run("no worker", func(t *testing.T) {
		h := newTestHost(t, st, o)
		c, _ := connect(t, h, o)
		assert.NoError(t, c.Send(ctx, SkipWaitingMessage))
		assert.NoError(t, h.PostMessage(ctx, ReloadMessage, nil))
	})

	t.Run("unknown message", func(t *testing.T) {
		h := newTestHost(t, st, o)
		v1, err := h.Register(ctx, testOptions("v1"))
		require.NoError(t, err)
		c, rc := connect(t, h, o)
		assert.NoError(t, c.Send(ctx, Structured("PING")))
		assert.Same(t, v1, h.Active())
		assert.Zero(t, rc.count(ReasonMessage))
	})

	t.Run("closed and full inboxes drop", func(t *testing.T) {
		h := newTestHost(t, st, o)
		v1, err := h.Register(ctx, testOptions("v1-fire"))
		require.NoError(t, err)
		gone, _ := connect(t, h, o)
		h.Disconnect(ctx, gone)
		assert.False(t, gone.Post(ReloadMessage))

		busy, _ := connect(t, h, o)
		for i := 0; i < clientInboxSize; i++ {
			require.True(t, busy.Post(ReloadMessage))
		}
		assert.Equal(t, 0, v1.ReloadClients())
	})
}

func TestClient_RegistrationFailure(t *testing.T) {
	o := newFakeOrigin()
	c := NewClient("page-1", o, nil)
	assert.Equal(t, "page-1", c.ID())

	_, err := c.Register(nil, "/sw.js", "/")
	assert.ErrorIs(t, err, ErrUnsupported)

	h := newTestHost(t, NewMemoryStorage(), o)
	_, err = c.Register(h, "/other.js", "/")
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = NewClient("", o, nil).Register(h, "/sw.js", "/admin")
	assert.NoError(t, err)

	// An unregistered page still loads straight from the network.
	o.set("/", http.StatusOK, "home")
	got, outcome, err := c.Fetch(context.Background(), getRequest(t, "/"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUncontrolled, outcome)
	assert.Equal(t, "home", string(got.Body))
	assert.Nil(t, c.Controller())
}

func TestClient_FetchThroughController(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	_, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	c, _ := connect(t, h, o)

	_, outcome, err := c.Fetch(ctx, getRequest(t, "/manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
}

func TestHost_Register(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	v1, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	again, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	assert.Same(t, v1, again)

	gate := o.block("/offline.html")
	done := make(chan error, 1)
	go func() {
		_, err := h.Register(ctx, testOptions("v2"))
		done <- err
	}()
	require.Eventually(t, func() bool { return h.Registration().Installing != nil }, time.Second, 5*time.Millisecond)

	_, err = h.Register(ctx, testOptions("v3"))
	assert.ErrorIs(t, err, ErrInstallInProgress)

	// Fetches keep going to the active version while v2 installs.
	_, outcome, err := h.Fetch(ctx, getRequest(t, "/manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, "v2", h.Active().Version())
}

func TestHost_ResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")

	before := NewHost(st, o, HostOptions{})
	_, err := before.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	before.Close()

	o.setOffline(true)
	h := newTestHost(t, st, o)
	_, err = h.Register(ctx, testOptions("v2"))
	var ierr *InstallError
	require.ErrorAs(t, err, &ierr)
	assert.Nil(t, h.Active())

	w, err := h.Resume(ctx, testOptions("v2"))
	require.NoError(t, err)
	assert.Equal(t, "v1", w.Version())
	assert.Same(t, w, h.Active())
	assert.Equal(t, StateActivated, w.State())
	assert.Equal(t, []string{"v1"}, storeNames(t, st))

	snap, outcome, err := h.Fetch(ctx, navRequest(t, "/articles/1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, "v1 /offline.html", string(snap.Body))
}

func TestHost_ResumeNothingRecorded(t *testing.T) {
	ctx := context.Background()
	o := newFakeOrigin()
	h := newTestHost(t, NewMemoryStorage(), o)

	_, err := h.Resume(ctx, testOptions("v1"))
	assert.ErrorIs(t, err, ErrStoreNotFound)
	assert.Nil(t, h.Active())
}

func TestHost_FetchUncontrolled(t *testing.T) {
	ctx := context.Background()
	o := newFakeOrigin()
	o.set("/", http.StatusOK, "home")
	h := newTestHost(t, NewMemoryStorage(), o)

	_, outcome, err := h.Fetch(ctx, getRequest(t, "/"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUncontrolled, outcome)

	o.setOffline(true)
	_, _, err = h.Fetch(ctx, getRequest(t, "/"))
	assert.ErrorIs(t, err, ErrOffline)
}

func TestHost_Close(t *testing.T) {
	ctx := context.Background()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := NewHost(NewMemoryStorage(), o, HostOptions{})

	_, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	c, _ := connect(t, h, o)
	h.Close()

	_, ok := <-c.Messages()
	assert.False(t, ok)
	_, err = h.Register(ctx, testOptions("v2"))
	assert.ErrorIs(t, err, ErrHostClosed)
	assert.ErrorIs(t, h.Connect(NewClient("", o, nil), "", ""), ErrHostClosed)
}
