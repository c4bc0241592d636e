package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"brm/core/events"
)

const (
	SignatureHeader = "X-BRM-Signature"
	EventHeader     = "X-BRM-Event"
	DeliveryHeader  = "X-BRM-Delivery"

	defaultMaxAttempts = 5
	defaultTimeout     = 10 * time.Second
	maxBackoff         = 5 * time.Minute
)

// Endpoint is a subscriber URL. An empty Events list receives every event.
type Endpoint struct {
	Name              string
	URL               string
	Secret            string
	Events            []string
	RequestsPerMinute float64
}

func (e *Endpoint) wants(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, t := range e.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// Config controls fan-out and retry behaviour.
type Config struct {
	Endpoints     []Endpoint
	MaxAttempts   int
	Timeout       time.Duration
	QueueCapacity int
	QueueTTL      time.Duration
}

// Event is the payload posted to subscribers.
type Event struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"timestamp"`
}

// Dispatcher forwards engine events to webhook endpoints. Emit only enqueues;
// Run performs the HTTP deliveries.
type Dispatcher struct {
	endpoints   []*Endpoint
	limiters    map[string]*rate.Limiter
	queue       *Queue
	store       *Store
	client      *http.Client
	maxAttempts int
	logger      *slog.Logger
	nowFn       func() time.Time
	seq         atomic.Int64
}

// NewDispatcher validates the endpoints and builds a dispatcher. store may be
// nil, in which case attempts are only logged.
func NewDispatcher(cfg Config, store *Store, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		limiters:    make(map[string]*rate.Limiter),
		queue:       NewQueue(cfg.QueueCapacity, cfg.QueueTTL),
		store:       store,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
		nowFn:       time.Now,
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d.client = &http.Client{Timeout: timeout}
	for i := range cfg.Endpoints {
		ep := cfg.Endpoints[i]
		parsed, err := url.Parse(strings.TrimSpace(ep.URL))
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, fmt.Errorf("webhook: endpoint %d: invalid url %q", i, ep.URL)
		}
		if ep.Name == "" {
			ep.Name = parsed.Host
		}
		if _, dup := d.limiters[ep.Name]; dup {
			return nil, fmt.Errorf("webhook: duplicate endpoint name %q", ep.Name)
		}
		var limiter *rate.Limiter
		if ep.RequestsPerMinute > 0 {
			burst := int(ep.RequestsPerMinute / 60)
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(ep.RequestsPerMinute/60), burst)
		}
		d.limiters[ep.Name] = limiter
		d.endpoints = append(d.endpoints, &ep)
	}
	return d, nil
}

// Enabled reports whether any endpoint is configured.
func (d *Dispatcher) Enabled() bool { return d != nil && len(d.endpoints) > 0 }

// Emit implements events.Emitter.
func (d *Dispatcher) Emit(evt events.Event) {
	if !d.Enabled() || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	attrs := make(map[string]string, len(payload.Attributes))
	for k, v := range payload.Attributes {
		attrs[k] = v
	}
	out := Event{
		Sequence:   d.seq.Add(1),
		Type:       payload.Type,
		Attributes: attrs,
		EmittedAt:  d.nowFn().UTC(),
	}
	for _, ep := range d.endpoints {
		if !ep.wants(out.Type) {
			continue
		}
		d.queue.Push(Task{Delivery: uuid.NewString(), Endpoint: ep, Event: out})
	}
}

// Run delivers queued tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, ok := d.queue.Pop(ctx)
		if !ok {
			return
		}
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task Task) {
	ep := task.Endpoint
	now := d.nowFn()
	if limiter := d.limiters[ep.Name]; limiter != nil {
		if r := limiter.ReserveN(now, 1); r.OK() {
			if delay := r.DelayFrom(now); delay > 0 {
				r.CancelAt(now)
				task.NotBefore = now.Add(delay)
				d.queue.Push(task)
				return
			}
		}
	}
	if task.Attempt == 0 && d.store != nil {
		if err := d.store.RecordDelivery(ctx, task.Delivery, ep.Name, task.Event); err != nil {
			d.logger.Warn("webhook delivery log failed", "component", "webhook", "endpoint", ep.Name, "error", err)
		}
	}

	body, err := json.Marshal(task.Event)
	if err != nil {
		d.record(ctx, task, "error", 0, err.Error(), time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		d.record(ctx, task, "error", 0, err.Error(), time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, task.Event.Type)
	req.Header.Set(DeliveryHeader, task.Delivery)
	if ep.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(ep.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.retryLater(ctx, task, 0, err.Error())
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.retryLater(ctx, task, resp.StatusCode, resp.Status)
		return
	}
	d.record(ctx, task, "success", resp.StatusCode, "", time.Time{})
}

func (d *Dispatcher) retryLater(ctx context.Context, task Task, code int, errMsg string) {
	attempt := task.Attempt + 1
	if attempt >= d.maxAttempts {
		d.record(ctx, task, "failed", code, errMsg, time.Time{})
		d.logger.Warn("webhook delivery abandoned", "component", "webhook",
			"endpoint", task.Endpoint.Name, "event", task.Event.Type, "attempts", attempt, "error", errMsg)
		return
	}
	next := d.nowFn().Add(backoff(attempt))
	d.record(ctx, task, "retry", code, errMsg, next)
	task.Attempt = attempt
	task.NotBefore = next
	d.queue.Push(task)
}

func (d *Dispatcher) record(ctx context.Context, task Task, status string, code int, errMsg string, next time.Time) {
	d.queue.metrics.recordAttempt(task.Endpoint.Name, status)
	if d.store == nil {
		return
	}
	err := d.store.RecordAttempt(ctx, Attempt{
		Delivery:    task.Delivery,
		Attempt:     task.Attempt + 1,
		Status:      status,
		StatusCode:  code,
		Error:       errMsg,
		NextAttempt: next,
		CreatedAt:   d.nowFn(),
	})
	if err != nil {
		d.logger.Warn("webhook attempt log failed", "component", "webhook", "endpoint", task.Endpoint.Name, "error", err)
	}
}

// backoff doubles from one second per attempt, capped at five minutes.
func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 10 {
		return maxBackoff
	}
	d := time.Second << uint(attempt-1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
