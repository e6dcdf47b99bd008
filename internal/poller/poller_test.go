package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter/internal/config"
	"github.com/ferux/trackercenter/internal/model"
	itime "github.com/ferux/trackercenter/internal/time"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	history []model.HistoryEntry
	err     error
}

func (f *fakeFetcher) DeviceHistory(_ context.Context, deviceID string) ([]model.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.calls == nil {
		f.calls = make(map[string]int)
	}

	f.calls[deviceID]++

	return f.history, f.err
}

func (f *fakeFetcher) count(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[deviceID]
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func entries(n int) []model.HistoryEntry {
	out := make([]model.HistoryEntry, n)
	for i := range out {
		out[i] = model.HistoryEntry{Location: model.Location{Lat: model.Float64String(i)}}
	}

	return out
}

func fastConfig() config.Poller {
	return config.Poller{
		Interval:     itime.Duration(10 * time.Millisecond),
		MaxBackoff:   itime.Duration(40 * time.Millisecond),
		HistoryLimit: 4,
	}
}

func collect(buf int) (Handler, chan Update) {
	ch := make(chan Update, buf)

	return func(u Update) {
		select {
		case ch <- u:
		default:
		}
	}, ch
}

func waitUpdate(t *testing.T, ch chan Update) Update {
	t.Helper()

	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatal("no update in time")
	}

	return Update{}
}

func TestLatest(t *testing.T) {
	is := is.New(t)

	history := entries(10)
	got := Latest(history, 4)
	is.Equal(got, history[6:])

	got[0].Location.Lng = 1
	is.Equal(history[6].Location.Lng.Float64(), 0.0) // no aliasing

	short := entries(3)
	is.Equal(Latest(short, 4), short)
	is.Equal(len(Latest(nil, 4)), 0)
	is.Equal(len(Latest(history, -1)), 0)
}

func TestSubscribeDeliversTruncatedHistory(t *testing.T) {
	is := is.New(t)

	f := &fakeFetcher{history: entries(10)}
	hub := New(f, fastConfig(), zerolog.Nop())
	defer hub.Close()

	h, ch := collect(8)
	unsubscribe := hub.Subscribe("NAV-001", h)
	defer unsubscribe()

	u := waitUpdate(t, ch)
	is.NoErr(u.Err)
	is.Equal(u.DeviceID, "NAV-001")
	is.Equal(u.History, f.history[6:])

	latest, ok := hub.Latest("NAV-001")
	is.True(ok)
	is.Equal(len(latest.History), 4)
}

func TestPollingRepeats(t *testing.T) {
	f := &fakeFetcher{history: entries(2)}
	hub := New(f, fastConfig(), zerolog.Nop())
	defer hub.Close()

	h, ch := collect(16)
	unsubscribe := hub.Subscribe("NAV-001", h)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		waitUpdate(t, ch)
	}
}

func TestSubscribersShareTask(t *testing.T) {
	is := is.New(t)

	f := &fakeFetcher{history: entries(1)}
	hub := New(f, fastConfig(), zerolog.Nop())
	defer hub.Close()

	h1, ch1 := collect(8)
	h2, ch2 := collect(8)

	unsub1 := hub.Subscribe("NAV-001", h1)
	unsub2 := hub.Subscribe("NAV-001", h2)

	is.Equal(hub.Active(), 1)

	waitUpdate(t, ch1)
	waitUpdate(t, ch2)

	unsub1()
	is.Equal(hub.Active(), 1)

	waitUpdate(t, ch2)

	unsub2()
	is.Equal(hub.Active(), 0)
}

func TestUnsubscribeStopsPolling(t *testing.T) {
	is := is.New(t)

	f := &fakeFetcher{history: entries(1)}
	hub := New(f, fastConfig(), zerolog.Nop())
	defer hub.Close()

	var (
		mu        sync.Mutex
		delivered int
	)

	unsubscribe := hub.Subscribe("NAV-003", func(Update) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	deadline := time.Now().Add(time.Second)
	for f.count("NAV-003") < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	unsubscribe()
	unsubscribe() // safe to call twice

	calls := f.count("NAV-003")
	mu.Lock()
	seen := delivered
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	is.Equal(f.count("NAV-003"), calls)
	mu.Lock()
	is.Equal(delivered, seen)
	mu.Unlock()
	is.Equal(hub.Active(), 0)

	_, ok := hub.Latest("NAV-003")
	is.True(!ok)
}

func TestSwitchingDevice(t *testing.T) {
	is := is.New(t)

	f := &fakeFetcher{history: entries(1)}
	hub := New(f, fastConfig(), zerolog.Nop())
	defer hub.Close()

	h, ch := collect(8)
	unsubscribe := hub.Subscribe("NAV-001", h)
	waitUpdate(t, ch)
	unsubscribe()

	before := f.count("NAV-001")

	h2, ch2 := collect(8)
	unsubscribe = hub.Subscribe("NAV-002", h2)
	defer unsubscribe()

	u := waitUpdate(t, ch2)
	is.Equal(u.DeviceID, "NAV-002")

	time.Sleep(30 * time.Millisecond)
	is.Equal(f.count("NAV-001"), before)
}

func TestFailuresAreDelivered(t *testing.T) {
	is := is.New(t)

	f := &fakeFetcher{err: errors.New("API error: 500")}
	hub := New(f, fastConfig(), zerolog.Nop())
	defer hub.Close()

	h, ch := collect(8)
	unsubscribe := hub.Subscribe("NAV-001", h)
	defer unsubscribe()

	u := waitUpdate(t, ch)
	is.True(u.Err != nil)
	is.Equal(u.Failures, 1)
	is.Equal(len(u.History), 0)

	u = waitUpdate(t, ch)
	is.Equal(u.Failures, 2)

	f.setErr(nil)

	for u.Err != nil {
		u = waitUpdate(t, ch)
	}

	is.Equal(u.Failures, 0)
}

func TestNextDelay(t *testing.T) {
	is := is.New(t)

	cfg := config.Poller{
		Interval:   itime.Duration(2 * time.Second),
		MaxBackoff: itime.Duration(30 * time.Second),
	}

	hub := New(&fakeFetcher{}, cfg, zerolog.Nop())
	hub.cfg.Jitter = 0

	is.Equal(hub.nextDelay(0), 2*time.Second)
	is.Equal(hub.nextDelay(1), 4*time.Second)
	is.Equal(hub.nextDelay(2), 8*time.Second)
	is.Equal(hub.nextDelay(10), 30*time.Second)

	hub.cfg.Jitter = 0.5
	for i := 0; i < 100; i++ {
		d := hub.nextDelay(2)
		is.True(d >= 4*time.Second)
		is.True(d <= 12*time.Second)
	}

	// jitter is never applied on success
	is.Equal(hub.nextDelay(0), 2*time.Second)
}

func TestCloseStopsEverything(t *testing.T) {
	is := is.New(t)

	f := &fakeFetcher{history: entries(1)}
	hub := New(f, fastConfig(), zerolog.Nop())

	h, ch := collect(8)
	unsubscribe := hub.Subscribe("NAV-001", h)
	waitUpdate(t, ch)

	hub.Close()
	calls := f.count("NAV-001")
	time.Sleep(30 * time.Millisecond)
	is.Equal(f.count("NAV-001"), calls)

	unsubscribe()

	// subscribing to a closed hub is a noop
	hub.Subscribe("NAV-002", h)()
	is.Equal(f.count("NAV-002"), 0)
}

// slowFetcher takes delay to answer and remembers when each call started.
type slowFetcher struct {
	delay time.Duration

	mu     sync.Mutex
	starts []time.Time
}

func (f *slowFetcher) DeviceHistory(ctx context.Context, _ string) ([]model.HistoryEntry, error) {
	f.mu.Lock()
	f.starts = append(f.starts, time.Now())
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
		return entries(1), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *slowFetcher) started() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]time.Time(nil), f.starts...)
}

func TestIntervalCountsFromFetchStart(t *testing.T) {
	is := is.New(t)

	f := &slowFetcher{delay: 40 * time.Millisecond}
	hub := New(f, config.Poller{
		Interval:     itime.Duration(60 * time.Millisecond),
		MaxBackoff:   itime.Duration(60 * time.Millisecond),
		HistoryLimit: 4,
	}, zerolog.Nop())
	defer hub.Close()

	h, ch := collect(16)
	unsubscribe := hub.Subscribe("NAV-001", h)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		waitUpdate(t, ch)
	}

	starts := f.started()
	gap := starts[4].Sub(starts[0]) / 4

	// 100ms if the fetch time was added to every interval
	is.True(gap >= 55*time.Millisecond)
	is.True(gap < 85*time.Millisecond)
}

// gatedFetcher answers one call per token put into release.
type gatedFetcher struct {
	history []model.HistoryEntry
	entered chan struct{}
	release chan struct{}
}

func (f *gatedFetcher) DeviceHistory(ctx context.Context, _ string) ([]model.HistoryEntry, error) {
	f.entered <- struct{}{}

	select {
	case <-f.release:
		return f.history, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestInvalidateDropsFetchInFlight(t *testing.T) {
	is := is.New(t)

	f := &gatedFetcher{
		history: entries(3),
		entered: make(chan struct{}, 8),
		release: make(chan struct{}, 8),
	}
	hub := New(f, fastConfig(), zerolog.Nop())
	defer hub.Close()

	h, ch := collect(8)
	unsubscribe := hub.Subscribe("NAV-001", h)
	defer unsubscribe()

	<-f.entered
	f.release <- struct{}{}
	waitUpdate(t, ch)

	// second fetch is sent before history is invalidated
	<-f.entered
	hub.Invalidate("NAV-001")

	_, ok := hub.Latest("NAV-001")
	is.True(!ok)

	f.release <- struct{}{}
	<-f.entered

	select {
	case <-ch:
		t.Fatal("stale fetch was delivered")
	case <-time.After(30 * time.Millisecond):
	}

	_, ok = hub.Latest("NAV-001")
	is.True(!ok)

	f.release <- struct{}{}
	u := waitUpdate(t, ch)
	is.Equal(len(u.History), 3)

	_, ok = hub.Latest("NAV-001")
	is.True(ok)
}
