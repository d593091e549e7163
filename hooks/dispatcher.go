package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/arkiv/storage"
)

// Options tunes the dispatcher.
type Options struct {
	// QueueSize bounds the event queue. Default 1000.
	QueueSize int
	// BlockOnFull makes Fire wait for queue room instead of dropping.
	BlockOnFull bool
	// HTTPClient overrides the webhook client, mainly for tests.
	HTTPClient *http.Client
}

// Dispatcher fans events out to registrations. One consumer drains the
// bounded queue; each registration owns a serial executor goroutine, so
// hooks run in parallel to each other and FIFO within themselves.
type Dispatcher struct {
	mu    sync.RWMutex
	hooks map[string]*hookRunner

	queue  chan Event
	block  bool
	client *http.Client
	meta   *storage.MetaDB
	log    *slog.Logger

	eventsFired   atomic.Int64
	eventsDropped atomic.Int64
	hooksExecuted atomic.Int64
	hooksFailed   atomic.Int64
	execNanos     atomic.Int64

	done         chan struct{}
	consumerDone chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup // hook executors
}

type hookRunner struct {
	reg Registration
	ch  chan Event
}

// NewDispatcher creates and starts a dispatcher. meta may be nil when no
// execution records are wanted.
func NewDispatcher(meta *storage.MetaDB, log *slog.Logger, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		hooks:        make(map[string]*hookRunner),
		queue:        make(chan Event, opts.QueueSize),
		block:        opts.BlockOnFull,
		client:       opts.HTTPClient,
		meta:         meta,
		log:          log,
		done:         make(chan struct{}),
		consumerDone: make(chan struct{}),
	}
	go d.consume()
	return d
}

// Register adds a hook. Names are unique.
func (d *Dispatcher) Register(reg Registration) error {
	if err := reg.validate(); err != nil {
		return err
	}
	if reg.Timeout <= 0 {
		reg.Timeout = 10 * time.Second
	}
	if reg.Method == "" {
		reg.Method = http.MethodPost
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.hooks[reg.Name]; exists {
		return ErrDuplicateName
	}
	r := &hookRunner{reg: reg, ch: make(chan Event, 64)}
	d.hooks[reg.Name] = r
	d.wg.Add(1)
	go d.runHook(r)
	return nil
}

// Unregister removes a hook and stops its executor once it drains.
func (d *Dispatcher) Unregister(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.hooks[name]
	if !ok {
		return ErrUnknownHook
	}
	delete(d.hooks, name)
	close(r.ch)
	return nil
}

// Registrations lists the registered hooks.
func (d *Dispatcher) Registrations() []Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Registration, 0, len(d.hooks))
	for _, r := range d.hooks {
		out = append(out, r.reg)
	}
	return out
}

// Fire enqueues an event and returns immediately. With a full queue it
// blocks when configured to, otherwise it drops and counts.
func (d *Dispatcher) Fire(event string, data map[string]any, metadata map[string]string) error {
	e := Event{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Metadata:  metadata,
	}
	if d.block {
		select {
		case d.queue <- e:
		case <-d.done:
			return ErrQueueFull
		}
		d.eventsFired.Add(1)
		return nil
	}
	select {
	case d.queue <- e:
		d.eventsFired.Add(1)
		return nil
	default:
		d.eventsDropped.Add(1)
		return ErrQueueFull
	}
}

// consume fans queued events out to matching hook executors. On shutdown
// the remaining queue is drained so accepted events still deliver.
func (d *Dispatcher) consume() {
	defer close(d.consumerDone)
	fanOut := func(e Event) {
		d.mu.RLock()
		defer d.mu.RUnlock()
		for _, r := range d.hooks {
			if r.reg.matches(e.Event) {
				r.ch <- e
			}
		}
	}
	for {
		select {
		case <-d.done:
			for {
				select {
				case e := <-d.queue:
					fanOut(e)
				default:
					return
				}
			}
		case e := <-d.queue:
			fanOut(e)
		}
	}
}

// runHook is one registration's serial executor.
func (d *Dispatcher) runHook(r *hookRunner) {
	defer d.wg.Done()
	for e := range r.ch {
		d.execute(r.reg, e)
	}
}

func (d *Dispatcher) execute(reg Registration, e Event) {
	start := time.Now()
	var (
		response string
		err      error
	)
	switch reg.Type {
	case TypeWebhook:
		response, err = d.deliverWebhook(reg, e)
	case TypeCallback:
		err = d.deliverCallback(reg, e)
	case TypeFileLog:
		err = appendFileLog(reg, e)
	}
	took := time.Since(start)

	d.hooksExecuted.Add(1)
	d.execNanos.Add(int64(took))
	if err != nil {
		d.hooksFailed.Add(1)
		d.log.Warn("hooks: delivery failed",
			"hook", reg.Name, "event", e.Event, "error", err)
	}

	if d.meta != nil {
		rec := storage.HookExecution{
			HookName:  reg.Name,
			Event:     e.Event,
			ObjectKey: eventKey(e),
			Success:   err == nil,
			Duration:  took,
			Response:  response,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if rerr := d.meta.RecordHookExecution(ctx, rec); rerr != nil {
			d.log.Warn("hooks: execution record failed", "hook", reg.Name, "error", rerr)
		}
		cancel()
	}
}

func eventKey(e Event) string {
	if k, ok := e.Data["key"].(string); ok {
		return k
	}
	return ""
}

// deliverWebhook posts the payload, retrying with exponential backoff. Each
// attempt gets its own deadline of the registration's timeout.
func (d *Dispatcher) deliverWebhook(reg Registration, e Event) (string, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("hooks: marshal payload: %w", err)
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= reg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-d.done:
				return "", lastErr
			}
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), reg.Timeout)
		req, err := http.NewRequestWithContext(ctx, reg.Method, reg.URL, bytes.NewReader(payload))
		if err != nil {
			cancel()
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range reg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return string(body), nil
		}
		lastErr = fmt.Errorf("hooks: webhook status %d", resp.StatusCode)
	}
	return "", lastErr
}

// deliverCallback runs the function under the registration timeout. A stuck
// callback leaks its goroutine rather than wedging the executor.
func (d *Dispatcher) deliverCallback(reg Registration, e Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), reg.Timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("hooks: callback panic: %v", r)
			}
		}()
		errc <- reg.Callback(ctx, e)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("hooks: callback timeout after %s", reg.Timeout)
	}
}

// appendFileLog writes one line per event, JSON or plain text.
func appendFileLog(reg Registration, e Event) error {
	f, err := os.OpenFile(reg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("hooks: open log: %w", err)
	}
	defer f.Close()

	var line []byte
	if reg.FileFormat == "text" {
		line = []byte(fmt.Sprintf("%s %s key=%s\n",
			e.Timestamp.Format(time.RFC3339), e.Event, eventKey(e)))
	} else {
		line, err = json.Marshal(e)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}
		line = append(line, '\n')
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("hooks: append: %w", err)
	}
	return nil
}

// Stats snapshots the counters.
func (d *Dispatcher) Stats() Stats {
	executed := d.hooksExecuted.Load()
	failed := d.hooksFailed.Load()
	s := Stats{
		EventsFired:   d.eventsFired.Load(),
		EventsDropped: d.eventsDropped.Load(),
		HooksExecuted: executed,
		HooksFailed:   failed,
		QueueDepth:    len(d.queue),
	}
	d.mu.RLock()
	s.RegisteredHooks = len(d.hooks)
	d.mu.RUnlock()
	if executed > 0 {
		s.AvgExecutionMS = float64(d.execNanos.Load()) / float64(executed) / 1e6
		s.SuccessRate = float64(executed-failed) / float64(executed)
	}
	return s
}

// Close stops intake, drains accepted events, and waits for every hook
// executor to finish. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		<-d.consumerDone
		d.mu.Lock()
		for name, r := range d.hooks {
			close(r.ch)
			delete(d.hooks, name)
		}
		d.mu.Unlock()
		d.wg.Wait()
	})
}
