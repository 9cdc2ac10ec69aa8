package swcache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorker_Validation(t *testing.T) {
	st := NewMemoryStorage()
	o := newFakeOrigin()

	tests := []struct {
		name   string
		mutate func(*WorkerOptions)
	}{
		{"empty version", func(o *WorkerOptions) { o.Version = "" }},
		{"relative origin", func(o *WorkerOptions) { o.Origin = "/app" }},
		{"missing fallback", func(o *WorkerOptions) { o.Fallback = "" }},
		{"fallback outside manifest", func(o *WorkerOptions) { o.Fallback = "/elsewhere.html" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions("v1")
			tt.mutate(&opts)
			_, err := NewWorker(opts, st, o)
			assert.Error(t, err)
		})
	}
}

func TestInstall_PrecachesManifest(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")

	w, err := NewWorker(testOptions("v1"), st, o)
	require.NoError(t, err)
	require.NoError(t, w.Dispatch(ctx, InstallEvent{}))

	assert.Equal(t, StateInstalled, w.State())
	assert.Equal(t, []string{"v1"}, storeNames(t, st))
	assert.Len(t, storeKeys(t, st, "v1"), len(DefaultManifest))

	c, err := st.Open(ctx, "v1")
	require.NoError(t, err)
	got, ok, err := c.Match(ctx, NewRequestKey("GET", testOrigin+"/offline.html"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1 /offline.html", string(got.Body))
}

// A single bad manifest entry fails the whole install and leaves nothing
// from the manifest behind.
func TestInstallAtomicity(t *testing.T) {
	tests := []struct {
		name  string
		setup func(o *fakeOrigin)
		check func(t *testing.T, err error)
	}{
		{
			name:  "missing asset",
			setup: func(o *fakeOrigin) { o.set("/icons/icon-512x512.png", http.StatusNotFound, "") },
			check: func(t *testing.T, err error) {
				var ie *InstallError
				require.ErrorAs(t, err, &ie)
				assert.Equal(t, "/icons/icon-512x512.png", ie.Path)
				assert.Equal(t, http.StatusNotFound, ie.Status)
			},
		},
		{
			name:  "server error",
			setup: func(o *fakeOrigin) { o.set("/manifest.json", http.StatusInternalServerError, "boom") },
			check: func(t *testing.T, err error) {
				var ie *InstallError
				require.ErrorAs(t, err, &ie)
				assert.Equal(t, http.StatusInternalServerError, ie.Status)
			},
		},
		{
			name:  "offline",
			setup: func(o *fakeOrigin) { o.setOffline(true) },
			check: func(t *testing.T, err error) {
				var ie *InstallError
				require.ErrorAs(t, err, &ie)
				assert.ErrorIs(t, err, errConnRefused)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := NewMemoryStorage()
			o := newFakeOrigin()
			seedSite(o, "v1")
			tt.setup(o)

			w, err := NewWorker(testOptions("v1"), st, o)
			require.NoError(t, err)
			err = w.Dispatch(ctx, InstallEvent{})
			require.Error(t, err)
			tt.check(t, err)

			assert.Equal(t, StateRedundant, w.State())
			assert.Empty(t, storeNames(t, st))
		})
	}
}

func TestInstallAtomicity_KeepsActiveVersion(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	v1, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	require.Equal(t, StateActivated, v1.State())

	seedSite(o, "v2")
	o.set("/manifest.json", http.StatusNotFound, "")
	_, err = h.Register(ctx, testOptions("v2"))
	var ie *InstallError
	require.ErrorAs(t, err, &ie)

	assert.Same(t, v1, h.Active())
	assert.Equal(t, []string{"v1"}, storeNames(t, st))
	assert.Len(t, storeKeys(t, st, "v1"), len(DefaultManifest))
}

func TestInstall_FailureKeepsPreexistingStore(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	pre, err := st.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, pre.Put(ctx, NewRequestKey("GET", testOrigin+"/kept"), snap("kept")))

	o := newFakeOrigin()
	o.setOffline(true)
	w, err := NewWorker(testOptions("v1"), st, o)
	require.NoError(t, err)
	require.Error(t, w.Dispatch(ctx, InstallEvent{}))

	assert.Equal(t, []RequestKey{NewRequestKey("GET", testOrigin+"/kept")}, storeKeys(t, st, "v1"))
}

func TestInstall_OptionalPrecacheIsBestEffort(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	o.set("/blog/post", http.StatusOK, "post")

	opts := testOptions("v1")
	opts.Precache = []string{"/blog/post", "/blog/gone", "https://cdn.example/lib.js", "/"}
	w, err := NewWorker(opts, st, o)
	require.NoError(t, err)
	require.NoError(t, w.Dispatch(ctx, InstallEvent{}))

	keys := storeKeys(t, st, "v1")
	assert.Len(t, keys, len(DefaultManifest)+1)
	assert.Contains(t, keys, NewRequestKey("GET", testOrigin+"/blog/post"))
	assert.Equal(t, 0, o.count("https://cdn.example/lib.js"))
}

func TestLifecycle_StateOrder(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	w, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateUninstalled, StateInstalling, StateInstalled, StateActivating, StateActivated,
	}, w.History())

	// Lifecycle events run once.
	assert.ErrorIs(t, w.Dispatch(ctx, InstallEvent{}), ErrInvalidTransition)
	assert.ErrorIs(t, w.Dispatch(ctx, ActivateEvent{}), ErrInvalidTransition)
}

func TestActivationCleanup(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	for _, name := range []string{"app-cache-v0", "scratch", "zz-other"} {
		_, err := st.Open(ctx, name)
		require.NoError(t, err)
	}
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	_, err := h.Register(ctx, testOptions("app-cache-v1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"app-cache-v1"}, storeNames(t, st))

	seedSite(o, "v2")
	v2, err := h.Register(ctx, testOptions("app-cache-v2"))
	require.NoError(t, err)
	assert.Equal(t, StateActivated, v2.State())
	assert.Equal(t, []string{"app-cache-v2"}, storeNames(t, st))
}

func TestActivationCleanup_OldWorkerStopsWriting(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	o.set("/late.js", http.StatusOK, "late")
	h := newTestHost(t, st, o)

	v1, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)

	seedSite(o, "v2")
	_, err = h.Register(ctx, testOptions("v2"))
	require.NoError(t, err)
	assert.Equal(t, StateRedundant, v1.State())

	// A straggling fetch on the replaced worker must not recreate its store.
	_, outcome, err := v1.HandleFetch(ctx, getRequest(t, "/late.js"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBypass, outcome)
	assert.Equal(t, []string{"v2"}, storeNames(t, st))
}

func TestActivate_ListFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	st := &flakyStorage{Storage: NewMemoryStorage()}
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	v1, err := h.Register(ctx, waitingOptions("v1"))
	require.NoError(t, err)
	connect(t, h, o)
	seedSite(o, "v2")
	v2, err := h.Register(ctx, waitingOptions("v2"))
	require.NoError(t, err)
	require.Equal(t, StateInstalled, v2.State())

	st.failNames.Store(true)
	err = h.activate(ctx, v2)
	assert.ErrorIs(t, err, errDiskGone)
	assert.Equal(t, StateInstalled, v2.State())
	assert.Same(t, v2, h.Registration().Waiting)
	assert.Same(t, v1, h.Active())
	assert.Equal(t, StateActivated, v1.State())

	// v1 still writes through while v2 waits.
	o.set("/app.js", http.StatusOK, "js")
	_, outcome, err := h.Fetch(ctx, getRequest(t, "/app.js"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)

	st.failNames.Store(false)
	v2.SkipWaiting(ctx)
	assert.Same(t, v2, h.Active())
	assert.Equal(t, StateActivated, v2.State())
	assert.Equal(t, StateRedundant, v1.State())
	assert.Equal(t, []string{"v2"}, storeNames(t, st))
}

func TestActivate_RecordsActiveStore(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")
	h := newTestHost(t, st, o)

	_, err := h.Register(ctx, testOptions("v1"))
	require.NoError(t, err)
	name, err := st.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", name)

	_, err = h.Register(ctx, testOptions("v2"))
	require.NoError(t, err)
	name, err = st.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", name)
}

func TestWorker_Resume(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")

	first, err := NewWorker(testOptions("v1"), st, o)
	require.NoError(t, err)
	require.NoError(t, first.Dispatch(ctx, InstallEvent{}))
	fetched := o.total()

	o.setOffline(true)
	w, err := NewWorker(testOptions("v1"), st, o)
	require.NoError(t, err)
	require.NoError(t, w.Dispatch(ctx, ResumeEvent{}))
	assert.Equal(t, StateInstalled, w.State())
	assert.True(t, w.skipWaitingRequested())
	assert.Equal(t, fetched, o.total())

	missing, err := NewWorker(testOptions("v9"), st, o)
	require.NoError(t, err)
	assert.ErrorIs(t, missing.Dispatch(ctx, ResumeEvent{}), ErrStoreNotFound)
	assert.Equal(t, StateRedundant, missing.State())
	assert.Equal(t, []string{"v1"}, storeNames(t, st))
}

func TestWorker_SkipWaitingDuringInstall(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")

	opts := testOptions("v1")
	opts.SkipWaiting = false
	w, err := NewWorker(opts, st, o)
	require.NoError(t, err)

	gate := o.block("/")
	done := make(chan error, 1)
	go func() { done <- w.Dispatch(ctx, InstallEvent{}) }()

	require.Eventually(t, func() bool { return w.State() == StateInstalling }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Dispatch(ctx, MessageEvent{Message: Structured("SKIP_WAITING")}))
	close(gate)

	require.NoError(t, <-done)
	assert.True(t, w.skipWaitingRequested())
}

func TestWorker_CloseWaitsForHandlers(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	o := newFakeOrigin()
	seedSite(o, "v1")

	w, err := NewWorker(testOptions("v1"), st, o)
	require.NoError(t, err)

	gate := o.block("/manifest.json")
	done := make(chan error, 1)
	go func() { done <- w.Dispatch(ctx, InstallEvent{}) }()
	require.Eventually(t, func() bool { return o.count("/manifest.json") == 1 }, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		w.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while install was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	require.NoError(t, <-done)
	<-closed

	assert.Equal(t, StateInstalled, w.State())
	assert.True(t, errors.Is(w.Dispatch(ctx, &FetchEvent{Request: getRequest(t, "/")}), ErrWorkerClosed))
}
