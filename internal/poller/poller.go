// Package poller refreshes device location history in background.
//
// All subscribers of the same device share one task. A task fetches right
// away, then on every interval while it has subscribers. Intervals count
// from the start of the previous fetch. Failed fetches back
// off exponentially with jitter; a success brings the interval back.
package poller

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter/internal/config"
	"github.com/ferux/trackercenter/internal/fcontext"
	"github.com/ferux/trackercenter/internal/model"
)

// HistoryFetcher loads full history of device.
type HistoryFetcher interface {
	DeviceHistory(ctx context.Context, deviceID string) ([]model.HistoryEntry, error)
}

// Update is a result of a single fetch. History is already truncated.
type Update struct {
	DeviceID string
	History  []model.HistoryEntry
	Err      error
	// Started is when the fetch was sent, At is when it completed.
	Started time.Time
	At      time.Time
	// Failures is the number of consecutive failed fetches, including this one.
	Failures int
}

// Handler receives updates. It must not call its own unsubscribe func.
type Handler func(Update)

// Latest returns the last n entries of history in original order.
// The result never aliases history.
func Latest(history []model.HistoryEntry, n int) []model.HistoryEntry {
	if n < 0 {
		n = 0
	}

	if len(history) > n {
		history = history[len(history)-n:]
	}

	return append(make([]model.HistoryEntry, 0, len(history)), history...)
}

// Hub owns polling tasks.
type Hub struct {
	fetcher HistoryFetcher
	cfg     config.Poller
	logger  zerolog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates hub. Zero fields of cfg are taken from config.DefaultPoller.
func New(fetcher HistoryFetcher, cfg config.Poller, logger zerolog.Logger) *Hub {
	def := config.DefaultPoller()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}

	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}

	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = def.Jitter
	}

	return &Hub{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With().Str("pkg", "poller").Logger(),
		tasks:   make(map[string]*task),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe starts receiving history of device. Call returned func to stop;
// once it returns, h is never called again.
func (hub *Hub) Subscribe(deviceID string, h Handler) (unsubscribe func()) {
	sub := &subscription{handler: h}

	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		return func() {}
	}

	t, ok := hub.tasks[deviceID]
	if !ok {
		t = hub.startTask(deviceID)
		hub.tasks[deviceID] = t
	}

	t.add(sub)
	hub.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() { hub.unsubscribe(deviceID, t, sub) })
	}
}

func (hub *Hub) unsubscribe(deviceID string, t *task, sub *subscription) {
	hub.mu.Lock()
	last := t.remove(sub)
	if last && hub.tasks[deviceID] == t {
		delete(hub.tasks, deviceID)
	}
	hub.mu.Unlock()

	sub.close()

	if last {
		t.stop()
	}
}

// Latest returns the most recent update for device, if it is being polled
// and has fetched at least once.
func (hub *Hub) Latest(deviceID string) (Update, bool) {
	hub.mu.Lock()
	t, ok := hub.tasks[deviceID]
	hub.mu.Unlock()

	if !ok {
		return Update{}, false
	}

	return t.latest()
}

// Invalidate drops the cached update of device and any fetch sent before
// now, e.g. after its history was deleted.
func (hub *Hub) Invalidate(deviceID string) {
	hub.mu.Lock()
	t, ok := hub.tasks[deviceID]
	hub.mu.Unlock()

	if ok {
		t.invalidate(time.Now())
	}
}

// Active is the number of running tasks.
func (hub *Hub) Active() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	return len(hub.tasks)
}

// Close stops every task and waits for them to finish. Subscribe after
// Close does nothing.
func (hub *Hub) Close() {
	hub.mu.Lock()
	hub.closed = true
	tasks := hub.tasks
	hub.tasks = make(map[string]*task)
	hub.mu.Unlock()

	for _, t := range tasks {
		t.closeAll()
		t.stop()
	}
}

func (hub *Hub) startTask(deviceID string) *task {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = fcontext.WithDeviceID(ctx, deviceID)

	logger := hub.logger.With().Str("device_id", deviceID).Logger()
	ctx = logger.WithContext(ctx)

	t := &task{
		deviceID: deviceID,
		cancel:   cancel,
		done:     make(chan struct{}),
		subs:     make(map[*subscription]struct{}),
	}

	go hub.run(ctx, t, logger)

	return t
}

func (hub *Hub) run(ctx context.Context, t *task, logger zerolog.Logger) {
	defer close(t.done)

	logger.Debug().Msg("polling started")
	defer logger.Debug().Msg("polling stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	var failures int

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		started := time.Now()

		history, err := hub.fetcher.DeviceHistory(ctx, t.deviceID)
		if ctx.Err() != nil {
			return
		}

		u := Update{DeviceID: t.deviceID, Started: started, At: time.Now()}
		if err != nil {
			failures++
			u.Err = err
			logger.Warn().Err(err).Int("failures", failures).Msg("fetching history")
		} else {
			failures = 0
			u.History = Latest(history, hub.cfg.HistoryLimit)
		}

		u.Failures = failures
		t.publish(u)

		// delays count from fetch start so the cadence does not drift
		delay := hub.nextDelay(failures) - time.Since(started)
		if delay < 0 {
			delay = 0
		}

		timer.Reset(delay)
	}
}

// nextDelay is the interval after a success, after failures it grows as
// interval*2^failures up to max backoff and gets jitter applied.
func (hub *Hub) nextDelay(failures int) time.Duration {
	interval := hub.cfg.Interval.Std()
	if failures == 0 {
		return interval
	}

	max := hub.cfg.MaxBackoff.Std()
	delay := float64(interval) * math.Pow(2, float64(failures))
	if delay > float64(max) {
		delay = float64(max)
	}

	if hub.cfg.Jitter > 0 {
		hub.rndMu.Lock()
		f := hub.rnd.Float64()
		hub.rndMu.Unlock()

		delay += delay * hub.cfg.Jitter * (2*f - 1)
	}

	if delay < float64(interval) {
		delay = float64(interval)
	}

	return time.Duration(delay)
}
