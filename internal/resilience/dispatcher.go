package resilience

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/kranthikarthan/payment-engine/internal/eventbus"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

// Enqueuer persists a deferred outbound call for the queue loop. The
// queue store implements it; the dispatcher only depends on the verb.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *models.QueuedMessage) error
}

// Call describes one guarded downstream invocation.
type Call struct {
	Service string
	Tenant  string

	// HTTP shape, also reused verbatim when the enqueue fallback fires.
	Method  string
	URL     string
	Headers map[string]string
	Body    interface{}

	MessageType   string
	CorrelationID string

	// TLS carries the client certificate configuration for endpoints
	// authenticated at the transport layer. Nil uses the shared client.
	TLS *tls.Config

	// Op replaces the HTTP execution with a custom operation. Adapters
	// that speak something other than plain REST set this.
	Op func(ctx context.Context) (*Result, error)

	// CacheKey enables the cached fallback and last-known-good capture
	// for this call. Empty disables both.
	CacheKey string
}

func (c Call) breakerKey() string {
	return c.Service + "|" + c.Tenant
}

// Result is the dispatcher's view of a downstream outcome.
type Result struct {
	StatusCode      int
	Body            []byte
	FallbackUsed    bool
	Cached          bool
	QueuedMessageID string
}

// Dispatcher guards every outbound call with a keyed circuit breaker,
// a bounded retry loop, per-attempt timeout and a keyed bulkhead, in
// that nesting order. When the guarded call ultimately fails with a
// transient error the configured fallback policy decides between
// propagating, enqueuing for later replay, and serving the last known
// good response.
type Dispatcher struct {
	http       *resty.Client
	tlsClients sync.Map
	breakers   *breakerRegistry
	bulkheads  *bulkheadRegistry
	enqueuer   Enqueuer
	lastGood   *gocache.Cache
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

// NewDispatcher creates a dispatcher. enqueuer may be nil when no
// queue store is wired; the enqueue fallback then degrades to
// propagation.
func NewDispatcher(enqueuer Enqueuer, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		http:     resty.New(),
		enqueuer: enqueuer,
		lastGood: gocache.New(10*time.Minute, time.Minute),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
	d.breakers = newBreakerRegistry(d.nowFn, logger, metrics.observeState)
	d.bulkheads = newBulkheadRegistry()
	return d
}

func (d *Dispatcher) nowFn() time.Time { return d.now() }

// WatchInvalidations drops keyed breakers and bulkheads whenever the
// configuration changes, so new limits take effect.
func (d *Dispatcher) WatchInvalidations(ctx context.Context, bus eventbus.EventBus) error {
	_, err := bus.Subscribe(ctx, eventbus.TopicConfigChanged, func(ctx context.Context, event map[string]interface{}) error {
		d.breakers.Flush()
		d.bulkheads.Flush()
		return nil
	})
	return err
}

// Execute runs the call under the given settings.
func (d *Dispatcher) Execute(ctx context.Context, call Call, settings Settings) (*Result, error) {
	ctx, span := otel.Tracer("resilience").Start(ctx, "dispatcher.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("service", call.Service),
		attribute.String("tenant", call.Tenant),
	)

	br := d.breakers.get(call.breakerKey(), settings)
	bh := d.bulkheads.get(call.breakerKey(), settings)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = settings.WaitDuration
	policy.Multiplier = settings.BackoffMultiplier
	policy.MaxInterval = settings.MaxWaitDuration
	policy.RandomizationFactor = 0
	policy.Reset()

	var result *Result
	var lastErr error
	for attempt := 1; attempt <= settings.MaxAttempts; attempt++ {
		result, lastErr = d.attempt(ctx, call, settings, br, bh)
		if lastErr == nil {
			if call.CacheKey != "" {
				d.lastGood.Set(call.CacheKey, cloneResult(result), gocache.DefaultExpiration)
			}
			return result, nil
		}
		if !settings.shouldRetry(payerr.CodeOf(lastErr), payerr.IsRetryable(lastErr)) {
			break
		}
		if attempt == settings.MaxAttempts {
			break
		}
		wait := policy.NextBackOff()
		d.logger.Debug("retrying downstream call",
			zap.String("service", call.Service),
			zap.String("tenant", call.Tenant),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.String("error_code", payerr.CodeOf(lastErr)))
		if err := d.sleep(ctx, wait); err != nil {
			return nil, payerr.Wrap(payerr.ErrTimeout, err)
		}
	}

	return d.fallback(ctx, call, settings, lastErr)
}

// attempt is one guarded execution: breaker admission, bulkhead slot,
// per-attempt deadline, then the operation. Every outcome, timeouts
// included, feeds the breaker window.
func (d *Dispatcher) attempt(ctx context.Context, call Call, settings Settings, br *breaker, bh *bulkhead) (*Result, error) {
	if err := br.Allow(); err != nil {
		d.metrics.observeAttempt(call.Service, call.Tenant, "circuit_open", 0)
		return nil, err
	}
	if err := bh.Acquire(ctx); err != nil {
		d.metrics.observeAttempt(call.Service, call.Tenant, "bulkhead_full", 0)
		// Saturation is not a downstream verdict; the window only sees
		// calls that actually went out.
		return nil, err
	}
	defer bh.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	started := d.now()
	res, err := d.run(attemptCtx, call)
	elapsed := d.now().Sub(started)

	if attemptCtx.Err() == context.DeadlineExceeded {
		err = payerr.Wrapf(payerr.ErrTimeout, attemptCtx.Err(), "%s timed out after %s", call.Service, settings.Timeout)
	}

	br.Record(err != nil, elapsed)
	outcome := "success"
	if err != nil {
		outcome = payerr.CodeOf(err)
	}
	d.metrics.observeAttempt(call.Service, call.Tenant, outcome, elapsed.Seconds())
	return res, err
}

// sleepContext waits out a backoff interval or returns early with the
// context's error, so a cancelled caller is not held for the full wait.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// clientFor returns the HTTP client for a call: the shared client, or
// a per-service client carrying the call's TLS configuration.
func (d *Dispatcher) clientFor(call Call) *resty.Client {
	if call.TLS == nil {
		return d.http
	}
	if v, ok := d.tlsClients.Load(call.Service); ok {
		return v.(*resty.Client)
	}
	client := resty.New().SetTLSClientConfig(call.TLS)
	actual, _ := d.tlsClients.LoadOrStore(call.Service, client)
	return actual.(*resty.Client)
}

// run performs the actual downstream invocation.
func (d *Dispatcher) run(ctx context.Context, call Call) (*Result, error) {
	if call.Op != nil {
		return call.Op(ctx)
	}

	req := d.clientFor(call).R().SetContext(ctx).SetHeaders(call.Headers)
	if call.Body != nil {
		req.SetBody(call.Body)
	}
	resp, err := req.Execute(call.Method, call.URL)
	if err != nil {
		return nil, payerr.Wrapf(payerr.ErrNetwork, err, "calling %s", call.Service)
	}
	result := &Result{StatusCode: resp.StatusCode(), Body: resp.Body()}
	if err := classifyStatus(resp.StatusCode()); err != nil {
		return result, err
	}
	return result, nil
}

// classifyStatus maps an HTTP status to the error taxonomy: 5xx, 408
// and 429 are transient, other 4xx are terminal rejections.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return payerr.Wrapf(payerr.ErrNetwork, nil, "downstream returned %d", status)
	default:
		return payerr.Rejected(http.StatusText(status))
	}
}

// fallback applies the configured degradation policy. Definitive
// downstream verdicts always propagate; masking a rejection behind a
// queue entry or a cached body would forge an outcome.
func (d *Dispatcher) fallback(ctx context.Context, call Call, settings Settings, cause error) (*Result, error) {
	kind := payerr.KindOf(cause)
	if kind != payerr.KindTransient {
		return nil, cause
	}

	switch settings.Fallback {
	case FallbackEnqueue:
		if d.enqueuer == nil || call.URL == "" {
			return nil, cause
		}
		msg, err := d.enqueue(ctx, call, settings, cause)
		if err != nil {
			d.logger.Error("fallback enqueue failed",
				zap.String("service", call.Service),
				zap.String("tenant", call.Tenant),
				zap.Error(err))
			return nil, cause
		}
		d.metrics.observeFallback(call.Service, call.Tenant, FallbackEnqueue)
		d.logger.Info("downstream call queued for replay",
			zap.String("service", call.Service),
			zap.String("tenant", call.Tenant),
			zap.String("message_id", msg.ID.String()),
			zap.String("error_code", payerr.CodeOf(cause)))
		return &Result{
			StatusCode:      http.StatusAccepted,
			FallbackUsed:    true,
			QueuedMessageID: msg.ID.String(),
		}, nil

	case FallbackCached:
		if call.CacheKey == "" {
			return nil, cause
		}
		if v, ok := d.lastGood.Get(call.CacheKey); ok {
			cached := cloneResult(v.(*Result))
			cached.FallbackUsed = true
			cached.Cached = true
			d.metrics.observeFallback(call.Service, call.Tenant, FallbackCached)
			return cached, nil
		}
		return nil, cause

	default:
		return nil, cause
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, call Call, settings Settings, cause error) (*models.QueuedMessage, error) {
	payload, err := json.Marshal(call.Body)
	if err != nil {
		return nil, err
	}
	headers, err := json.Marshal(call.Headers)
	if err != nil {
		return nil, err
	}
	msg := &models.QueuedMessage{
		MessageType:   call.MessageType,
		TenantID:      call.Tenant,
		ServiceName:   call.Service,
		URL:           call.URL,
		HTTPMethod:    call.Method,
		Payload:       datatypes.JSON(payload),
		Headers:       datatypes.JSON(headers),
		Status:        models.QueuePending,
		MaxRetries:    settings.MaxAttempts,
		CorrelationID: call.CorrelationID,
		ErrorDetail:   cause.Error(),
	}
	if err := d.enqueuer.Enqueue(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func cloneResult(r *Result) *Result {
	cp := *r
	cp.Body = append([]byte(nil), r.Body...)
	return &cp
}
