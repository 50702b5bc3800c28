package logging

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"
)

type aggregateKey struct {
	component string
	event     string
}

type aggregateEntry struct {
	count       int64
	first, last time.Time
	fields      []slog.Attr
}

// Aggregator folds high-frequency events such as poll ticks into one
// "event_summary" record per event and interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewAggregator returns an aggregator flushing every intervalSecs seconds
// once started. With a nil logger, flushed counts are dropped.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = defaultAggregateSecs
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		entries:  make(map[aggregateKey]*aggregateEntry),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the periodic flush in the background.
func (a *Aggregator) Start() {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	go func() {
		defer close(a.stopped)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the background flush and writes out what is pending. It is
// safe to call more than once, and without Start.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.mu.Lock()
		started := a.started
		a.mu.Unlock()
		if started {
			<-a.stopped
		}
		a.flush()
	})
}

// Record counts one occurrence. The latest non-empty fields are kept.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggregateKey{component, event}
	e := a.entries[key]
	if e == nil {
		e = &aggregateEntry{first: now}
		a.entries[key] = e
	}
	e.count++
	e.last = now
	if len(fields) > 0 {
		e.fields = fields
	}
}

// Pending returns the unflushed count for an event.
func (a *Aggregator) Pending(component, event string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e := a.entries[aggregateKey{component, event}]; e != nil {
		return e.count
	}
	return 0
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	a.mu.Unlock()

	if a.logger == nil || len(entries) == 0 {
		return
	}

	keys := make([]aggregateKey, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y aggregateKey) int {
		return cmp.Or(cmp.Compare(x.component, y.component), cmp.Compare(x.event, y.event))
	})

	for _, k := range keys {
		e := entries[k]
		attrs := make([]any, 0, 5+len(e.fields))
		attrs = append(attrs,
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", e.count),
			slog.Time("first", e.first),
			slog.Time("last", e.last),
		)
		for _, f := range e.fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
