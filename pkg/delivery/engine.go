// Package delivery pushes packed envelopes to their recipients with
// at-least-once semantics. A worker pool drains pending delivery rows;
// transient failures retry with exponential backoff, terminal failures are
// recorded and never retried automatically.
package delivery

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tap-rsvp/tap-go/pkg/didcomm"
	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// InternalDeliverer hands an envelope to an agent inside the same process.
type InternalDeliverer func(ctx context.Context, recipientDID string, raw []byte) error

// Options tune the engine.
type Options struct {
	// MaxAttempts caps send attempts per delivery row (default 5).
	MaxAttempts int
	// Workers is the pool size (default 4).
	Workers int
	// PollInterval is the dequeue cadence (default 1s).
	PollInterval time.Duration
	// HTTPTimeout bounds one HTTP attempt (default 30s).
	HTTPTimeout time.Duration
	// ShouldAbort, when set, lets the router abort pending deliveries
	// whose transaction reached a terminal state.
	ShouldAbort func(d *storage.Delivery) bool
}

// Engine drains the delivery queue of one agent store.
type Engine struct {
	store    *storage.Store
	internal InternalDeliverer
	client   *http.Client
	opts     Options
	logger   *slog.Logger

	// backoffBase is shrunk by tests.
	backoffBase time.Duration

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// NewEngine creates an engine over a store.
func NewEngine(store *storage.Store, internal InternalDeliverer, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	return &Engine{
		store:       store,
		internal:    internal,
		client:      &http.Client{Timeout: opts.HTTPTimeout},
		opts:        opts,
		logger:      logger,
		backoffBase: time.Second,
		stop:        make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled. Blocking; callers usually
// spawn it.
func (e *Engine) Run(ctx context.Context) {
	sem := make(chan struct{}, e.opts.Workers)
	var inFlight sync.Map

	dispatch := func() {
		rows, err := e.store.ClaimPendingDeliveries(ctx, 32)
		if err != nil {
			e.logger.Error("delivery: dequeue failed", "error", err)
			return
		}
		for _, d := range rows {
			if _, loaded := inFlight.LoadOrStore(d.ID, true); loaded {
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				inFlight.Delete(d.ID)
				return
			}
			e.wg.Add(1)
			go func(d *storage.Delivery) {
				defer e.wg.Done()
				defer func() {
					<-sem
					inFlight.Delete(d.ID)
				}()
				e.process(ctx, d)
			}(d)
		}
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	dispatch()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case <-e.stop:
			e.wg.Wait()
			return
		case <-ticker.C:
			dispatch()
		}
	}
}

// Close stops the engine.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.stop) })
}

// DeliverNow performs the full attempt chain for one delivery row
// synchronously. Used by the router for internal sends and by tests.
func (e *Engine) DeliverNow(ctx context.Context, d *storage.Delivery) error {
	return e.attemptChain(ctx, d)
}

func (e *Engine) process(ctx context.Context, d *storage.Delivery) {
	if err := e.attemptChain(ctx, d); err != nil {
		e.logger.Warn("delivery: exhausted",
			"delivery_id", d.ID, "recipient", d.RecipientDID, "error", err)
	}
}

// attemptChain runs attempts with backoff until success, terminal failure,
// or the attempt budget is spent.
func (e *Engine) attemptChain(ctx context.Context, d *storage.Delivery) error {
	if e.opts.ShouldAbort != nil && e.opts.ShouldAbort(d) {
		err := taperr.New(taperr.KindDeliveryFatal, "transaction is terminal; delivery aborted")
		_ = e.store.UpdateDeliveryResult(ctx, d.ID, storage.DeliveryStatusFailed, 0, err.Error())
		return err
	}

	attempt := d.RetryCount
	for attempt < e.opts.MaxAttempts {
		if attempt > 0 {
			select {
			case <-time.After(e.backoff(attempt)):
			case <-ctx.Done():
				return taperr.Wrap(taperr.KindCancelled, ctx.Err(), "delivery %d", d.ID)
			}
		}
		attempt++

		httpStatus, err := e.attempt(ctx, d)
		switch {
		case err == nil:
			if uerr := e.store.UpdateDeliveryResult(ctx, d.ID, storage.DeliveryStatusSuccess, httpStatus, ""); uerr != nil {
				return uerr
			}
			e.logger.Info("delivery: delivered",
				"delivery_id", d.ID, "recipient", d.RecipientDID, "type", d.DeliveryType)
			return nil
		case taperr.Is(err, taperr.KindDeliveryTransient) && attempt < e.opts.MaxAttempts:
			if uerr := e.store.UpdateDeliveryResult(ctx, d.ID, storage.DeliveryStatusPending, httpStatus, err.Error()); uerr != nil {
				return uerr
			}
			e.logger.Warn("delivery: transient failure",
				"delivery_id", d.ID, "attempt", attempt, "http_status", httpStatus, "error", err)
		case taperr.Is(err, taperr.KindCancelled):
			return err
		default:
			// Fatal, or the budget is spent.
			if uerr := e.store.UpdateDeliveryResult(ctx, d.ID, storage.DeliveryStatusFailed, httpStatus, err.Error()); uerr != nil {
				return uerr
			}
			return err
		}
	}
	err := taperr.New(taperr.KindDeliveryFatal, "delivery %d exhausted %d attempts", d.ID, e.opts.MaxAttempts)
	_ = e.store.UpdateDeliveryResult(ctx, d.ID, storage.DeliveryStatusFailed, 0, err.Error())
	return err
}

// backoff is 1s, 2s, 4s, ... capped at 30s.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.backoffBase << (attempt - 1)
	if max := 30 * e.backoffBase; d > max {
		d = max
	}
	return d
}

func (e *Engine) attempt(ctx context.Context, d *storage.Delivery) (int, error) {
	switch d.DeliveryType {
	case storage.DeliveryTypeInternal:
		if e.internal == nil {
			return 0, taperr.New(taperr.KindDeliveryFatal, "no internal deliverer configured")
		}
		if err := e.internal(ctx, d.RecipientDID, []byte(d.MessageText)); err != nil {
			return 0, taperr.Wrap(taperr.KindDeliveryFatal, err, "internal delivery to %s", d.RecipientDID)
		}
		return 0, nil
	case storage.DeliveryTypeHTTPS:
		return e.attemptHTTP(ctx, d)
	default:
		return 0, taperr.New(taperr.KindDeliveryFatal, "delivery type %q is not routable", d.DeliveryType)
	}
}

func (e *Engine) attemptHTTP(ctx context.Context, d *storage.Delivery) (int, error) {
	if d.DeliveryURL == "" {
		return 0, taperr.New(taperr.KindDeliveryFatal, "delivery %d has no url", d.ID)
	}
	raw := []byte(d.MessageText)
	mode, err := didcomm.DetectMode(raw)
	if err != nil {
		return 0, taperr.Wrap(taperr.KindDeliveryFatal, err, "stored envelope is malformed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.DeliveryURL, bytes.NewReader(raw))
	if err != nil {
		return 0, taperr.Wrap(taperr.KindDeliveryFatal, err, "build request")
	}
	req.Header.Set("Content-Type", didcomm.ContentTypeFor(mode))

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, taperr.Wrap(taperr.KindCancelled, ctx.Err(), "delivery %d", d.ID)
		}
		return 0, taperr.Wrap(taperr.KindDeliveryTransient, err, "post %s", d.DeliveryURL)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, taperr.New(taperr.KindDeliveryTransient, "%s returned %d", d.DeliveryURL, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return resp.StatusCode, taperr.New(taperr.KindDeliveryFatal, "%s returned %d", d.DeliveryURL, resp.StatusCode)
	default:
		return resp.StatusCode, taperr.New(taperr.KindDeliveryTransient, "%s returned %d", d.DeliveryURL, resp.StatusCode)
	}
}

