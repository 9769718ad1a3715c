package xserver_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/SamuelBayliss/xdna-driver/internal/xtest"
	"github.com/SamuelBayliss/xdna-driver/xbo"
	"github.com/SamuelBayliss/xdna-driver/xcmd"
	"github.com/SamuelBayliss/xdna-driver/xdevice"
	"github.com/SamuelBayliss/xdna-driver/xnpu"
	"github.com/SamuelBayliss/xdna-driver/xserver"
	"github.com/SamuelBayliss/xdna-driver/xstore"
	"github.com/SamuelBayliss/xdna-driver/xstore/xmemstore"
)

// serverRig is two attached devices behind one status server:
// npu0 with a watchdog, npu1 without.
type serverRig struct {
	Base string

	Store *xmemstore.Store

	Dev0, Dev1 *xdevice.Device
}

func newServerRig(t *testing.T) (context.Context, serverRig) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	log := xtest.NewLogger(t)

	e0 := xnpu.New(ctx, log.With("dev", "npu0"), xnpu.Config{Columns: 1})
	e1 := xnpu.New(ctx, log.With("dev", "npu1"), xnpu.Config{Columns: 1})
	t.Cleanup(func() {
		cancel()
		e0.Wait()
		e1.Wait()
	})

	store := xmemstore.NewStore(log.With("sys", "store"))

	d0, err := xdevice.Attach(ctx, log, xdevice.Config{
		Name:       "npu0",
		Backend:    e0,
		TDRTimeout: time.Duration(xtest.ScaleMs(5000)),
		Store:      store,
	})
	require.NoError(t, err)
	t.Cleanup(d0.Detach)

	d1, err := xdevice.Attach(ctx, log, xdevice.Config{
		Name:    "npu1",
		Backend: e1,
	})
	require.NoError(t, err)
	t.Cleanup(d1.Detach)

	ln, err := (new(net.ListenConfig)).Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := xserver.NewHTTPServer(ctx, log.With("sys", "http"), xserver.HTTPServerConfig{
		Listener: ln,
		Devices:  []*xdevice.Device{d0, d1},
		Store:    store,
	})
	// Cleanups run last-in first-out, so cancel before waiting.
	t.Cleanup(func() {
		cancel()
		h.Wait()
	})

	return ctx, serverRig{
		Base:  "http://" + h.Addr().String(),
		Store: store,
		Dev0:  d0,
		Dev1:  d1,
	}
}

// newSyncCmd builds an encoded sync command over a fresh command buffer.
func newSyncCmd(t *testing.T) *xcmd.ExecBuf {
	t.Helper()

	cmd, err := xbo.Alloc(xbo.KindCmd, 64)
	require.NoError(t, err)

	eb, err := xcmd.New(cmd, xcmd.OpSync)
	require.NoError(t, err)
	require.NoError(t, eb.Encode())

	return eb
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHTTPServer_Devices(t *testing.T) {
	t.Parallel()

	_, rig := newServerRig(t)

	var statuses []xdevice.Status
	code := getJSON(t, rig.Base+"/devices", &statuses)
	require.Equal(t, http.StatusOK, code)

	require.Len(t, statuses, 2)
	require.Equal(t, "npu0", statuses[0].Device)
	require.True(t, statuses[0].Watchdog)
	require.Equal(t, "npu1", statuses[1].Device)
	require.False(t, statuses[1].Watchdog)
}

func TestHTTPServer_DeviceStatus(t *testing.T) {
	t.Parallel()

	_, rig := newServerRig(t)

	t.Run("known device", func(t *testing.T) {
		var st xdevice.Status
		code := getJSON(t, rig.Base+"/devices/npu0", &st)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "npu0", st.Device)
		require.False(t, st.Detached)
	})

	t.Run("unknown device", func(t *testing.T) {
		resp, err := http.Get(rig.Base + "/devices/npu9")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusNotFound, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Contains(t, body["error"], "npu9")
	})
}

func TestHTTPServer_DeviceContexts(t *testing.T) {
	t.Parallel()

	ctx, rig := newServerRig(t)

	cl, err := rig.Dev0.OpenClient("web")
	require.NoError(t, err)
	_, err = cl.OpenContext()
	require.NoError(t, err)
	hc2, err := cl.OpenContext()
	require.NoError(t, err)

	// One completed submission on the second context,
	// so the counters have something to show.
	sub, err := hc2.Submit(ctx, newSyncCmd(t))
	require.NoError(t, err)
	st, err := sub.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, xcmd.StateCompleted, st)

	var contexts []xdevice.ContextStatus
	code := getJSON(t, rig.Base+"/devices/npu0/contexts", &contexts)
	require.Equal(t, http.StatusOK, code)

	require.Equal(t, []xdevice.ContextStatus{
		{Name: "web/1"},
		{Name: "web/2", Submitted: 1, Completed: 1},
	}, contexts)

	// A device with no contexts still returns an array.
	var empty []xdevice.ContextStatus
	code = getJSON(t, rig.Base+"/devices/npu1/contexts", &empty)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, empty)
}

func TestHTTPServer_DeviceRecoveries(t *testing.T) {
	t.Parallel()

	ctx, rig := newServerRig(t)

	base := time.Date(2026, 2, 11, 9, 30, 0, 0, time.UTC)
	for attempt := uint64(1); attempt <= 2; attempt++ {
		require.NoError(t, rig.Store.SaveRecoveryEvent(ctx, xstore.RecoveryEvent{
			ID:      uuid.New(),
			Device:  "npu0",
			Attempt: attempt,
			Time:    base.Add(time.Duration(attempt) * time.Minute),
			Contexts: []xstore.ContextSample{
				{Name: "web/1", Submitted: 3, Completed: 1, LastSampled: 1},
			},
		}))
	}
	require.NoError(t, rig.Store.SaveRecoveryEvent(ctx, xstore.RecoveryEvent{
		ID:      uuid.New(),
		Device:  "npu1",
		Attempt: 1,
		Time:    base.Add(time.Hour),
	}))

	t.Run("newest first, filtered to the device", func(t *testing.T) {
		var events []xstore.RecoveryEvent
		code := getJSON(t, rig.Base+"/devices/npu0/recoveries", &events)
		require.Equal(t, http.StatusOK, code)

		require.Len(t, events, 2)
		require.Equal(t, uint64(2), events[0].Attempt)
		require.Equal(t, uint64(1), events[1].Attempt)
		require.Equal(t, "web/1", events[0].Contexts[0].Name)
	})

	t.Run("limit caps the result", func(t *testing.T) {
		var events []xstore.RecoveryEvent
		code := getJSON(t, rig.Base+"/devices/npu0/recoveries?limit=1", &events)
		require.Equal(t, http.StatusOK, code)

		require.Len(t, events, 1)
		require.Equal(t, uint64(2), events[0].Attempt)
	})

	t.Run("bad limit", func(t *testing.T) {
		code := getJSON(t, rig.Base+"/devices/npu0/recoveries?limit=soon", nil)
		require.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("shared store covers a device without its own journal", func(t *testing.T) {
		var events []xstore.RecoveryEvent
		code := getJSON(t, rig.Base+"/devices/npu1/recoveries", &events)
		require.Equal(t, http.StatusOK, code)

		require.Len(t, events, 1)
		require.Equal(t, "npu1", events[0].Device)
	})
}

func TestHTTPServer_DeviceRecoveries_noJournal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	log := xtest.NewLogger(t)

	e := xnpu.New(ctx, log, xnpu.Config{Columns: 1})
	t.Cleanup(func() {
		cancel()
		e.Wait()
	})

	d, err := xdevice.Attach(ctx, log, xdevice.Config{Name: "npu0", Backend: e})
	require.NoError(t, err)
	t.Cleanup(d.Detach)

	ln, err := (new(net.ListenConfig)).Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := xserver.NewHTTPServer(ctx, log, xserver.HTTPServerConfig{
		Listener: ln,
		Devices:  []*xdevice.Device{d},
	})
	t.Cleanup(func() {
		cancel()
		h.Wait()
	})

	resp, err := http.Get("http://" + h.Addr().String() + "/devices/npu0/recoveries")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
