// Package outbox keeps a POS terminal taking orders while the ledger server
// is unreachable. Every checkout is written to a durable SQLite mailbox
// before it is sent; a single flush loop replays what the server has not
// confirmed. The entry's temp id travels as the order's idempotency key, so
// a replay after a lost response never creates a second order.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/metrics"
)

// TempIDPrefix marks terminal-generated ids. Server order numbers are
// decimal, so the two id spaces cannot collide.
const TempIDPrefix = "OFF-"

// NewTempID returns a fresh temp id
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether s was generated by a terminal
func IsTempID(s string) bool {
	return strings.HasPrefix(s, TempIDPrefix)
}

// OrderCreator is the server call the outbox replays
type OrderCreator interface {
	CreateOrder(context.Context, *connect.Request[api.CreateOrderRequest]) (*connect.Response[api.CreateOrderResponse], error)
}

// Checker reports whether the server is reachable
type Checker interface {
	Online(ctx context.Context) bool
}

// Submission is the result of Submit. OrderNumber is the server's number, or
// the temp id while the order waits in the outbox.
type Submission struct {
	OrderNumber string
	TempID      string
	Offline     bool
}

// FlushReport summarizes one flush cycle
type FlushReport struct {
	Skipped   bool
	Attempted int
	Synced    int
	Retried   int
	Rejected  int
}

// Options tune the outbox
type Options struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	SendsPerSecond float64
	Retention      time.Duration
	BatchSize      int
}

// Outbox submits orders and replays the ones the server has not confirmed
type Outbox struct {
	store   *Store
	creator OrderCreator
	checker Checker
	limiter *rate.Limiter
	opts    Options
	log     zerolog.Logger

	syncing   atomic.Bool
	online    atomic.Bool
	lastFlush atomic.Int64
	trigger   chan struct{}
}

// New creates an outbox
func New(store *Store, creator OrderCreator, checker Checker, opts Options, log zerolog.Logger) *Outbox {
	if opts.Interval <= 0 {
		opts.Interval = 20 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	limit := rate.Inf
	if opts.SendsPerSecond > 0 {
		limit = rate.Limit(opts.SendsPerSecond)
	}

	o := &Outbox{
		store:   store,
		creator: creator,
		checker: checker,
		limiter: rate.NewLimiter(limit, 1),
		opts:    opts,
		log:     log.With().Str("component", "outbox").Logger(),
		trigger: make(chan struct{}, 1),
	}
	o.online.Store(true)
	return o
}

// Online reports the last known connectivity
func (o *Outbox) Online() bool {
	return o.online.Load()
}

// LastFlush returns when the last flush cycle finished
func (o *Outbox) LastFlush() (time.Time, bool) {
	ns := o.lastFlush.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Submit places an order. The request is persisted before it is sent. When
// the server confirms it the server order number is returned; when the
// server cannot be reached, or its answer is lost, the entry stays queued and
// the temp id stands in for the order number. A rejection the cashier must
// correct is returned as an error and nothing stays queued.
func (o *Outbox) Submit(ctx context.Context, req api.CreateOrderRequest) (Submission, error) {
	tempID := NewTempID()
	req.ClientRef = tempID

	if !o.online.Load() {
		if _, err := o.store.Enqueue(ctx, tempID, &req, StatusPending); err != nil {
			return Submission{}, err
		}
		o.log.Info().Str("temp_id", tempID).Msg("order queued offline")
		o.updatePending(ctx)
		o.Trigger()
		return Submission{OrderNumber: tempID, TempID: tempID, Offline: true}, nil
	}

	// enqueued as processing so the flush loop leaves it to us
	if _, err := o.store.Enqueue(ctx, tempID, &req, StatusProcessing); err != nil {
		return Submission{}, err
	}

	orderNumber, err := o.send(ctx, tempID, &req)
	switch {
	case err == nil:
		metrics.RecordOutboxAttempt("synced")
		if err := o.store.MarkSynced(ctx, tempID, orderNumber); err != nil {
			// the order exists; the next flush gets the same number back
			// from the server's idempotency record
			o.log.Error().Err(err).Str("temp_id", tempID).Str("order_number", orderNumber).
				Msg("failed to mark entry synced")
			if rerr := o.store.MarkRetry(ctx, tempID, err); rerr != nil {
				o.log.Error().Err(rerr).Str("temp_id", tempID).Msg("failed to requeue entry")
			}
			o.updatePending(ctx)
		}
		return Submission{OrderNumber: orderNumber, TempID: tempID}, nil

	case api.IsPermanent(err):
		metrics.RecordOutboxAttempt("rejected")
		if derr := o.store.Discard(ctx, tempID); derr != nil {
			o.log.Error().Err(derr).Str("temp_id", tempID).Msg("failed to discard refused order")
		}
		return Submission{}, err

	default:
		metrics.RecordOutboxAttempt("retry")
		if err := o.store.MarkRetry(ctx, tempID, err); err != nil {
			return Submission{}, err
		}
		o.log.Warn().Err(err).Str("temp_id", tempID).Msg("order not confirmed, queued for replay")
		o.updatePending(ctx)
		o.Trigger()
		return Submission{OrderNumber: tempID, TempID: tempID, Offline: true}, nil
	}
}

// Flush replays pending entries in creation order. Each entry's outcome is
// committed before the next is sent. A call made while another flush is
// running returns immediately with Skipped set.
func (o *Outbox) Flush(ctx context.Context) FlushReport {
	if !o.syncing.CompareAndSwap(false, true) {
		return FlushReport{Skipped: true}
	}
	defer o.syncing.Store(false)

	start := time.Now()
	var report FlushReport
	defer func() {
		metrics.OutboxFlushDuration.Observe(time.Since(start).Seconds())
		o.lastFlush.Store(time.Now().UnixNano())
		o.updatePending(ctx)
	}()

	entries, err := o.store.Pending(ctx, o.opts.BatchSize)
	if err != nil {
		o.log.Error().Err(err).Msg("failed to read outbox")
		return report
	}

	for _, e := range entries {
		if err := o.limiter.Wait(ctx); err != nil {
			break
		}
		claimed, err := o.store.MarkProcessing(ctx, e.TempID)
		if err != nil {
			o.log.Error().Err(err).Str("temp_id", e.TempID).Msg("failed to claim entry")
			continue
		}
		if !claimed {
			continue
		}
		report.Attempted++

		req, err := e.Request()
		if err != nil {
			o.reject(ctx, e.TempID, err)
			report.Rejected++
			continue
		}

		orderNumber, err := o.send(ctx, e.TempID, req)
		switch {
		case err == nil:
			if err := o.store.MarkSynced(ctx, e.TempID, orderNumber); err != nil {
				o.log.Error().Err(err).Str("temp_id", e.TempID).Msg("failed to mark entry synced")
				continue
			}
			metrics.RecordOutboxAttempt("synced")
			report.Synced++
			o.log.Info().Str("temp_id", e.TempID).Str("order_number", orderNumber).Int("retries", e.RetryCount).Msg("order synced")

		case api.IsPermanent(err):
			o.reject(ctx, e.TempID, err)
			report.Rejected++

		default:
			metrics.RecordOutboxAttempt("retry")
			if err := o.store.MarkRetry(ctx, e.TempID, err); err != nil {
				o.log.Error().Err(err).Str("temp_id", e.TempID).Msg("failed to requeue entry")
			}
			report.Retried++
			if !o.online.Load() {
				// the rest would fail the same way
				return report
			}
		}
	}
	return report
}

func (o *Outbox) reject(ctx context.Context, tempID string, cause error) {
	metrics.RecordOutboxAttempt("rejected")
	if err := o.store.MarkRejected(ctx, tempID, cause); err != nil {
		o.log.Error().Err(err).Str("temp_id", tempID).Msg("failed to mark entry rejected")
		return
	}
	o.log.Warn().Err(cause).Str("temp_id", tempID).Msg("order rejected by server, kept for review")
}

// send creates the order on the server. Connectivity is updated from the
// outcome: any answer from the server means it is reachable.
func (o *Outbox) send(ctx context.Context, tempID string, req *api.CreateOrderRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	defer cancel()

	creq := connect.NewRequest(req)
	creq.Header().Set(api.IdempotencyKeyHeader, tempID)

	res, err := o.creator.CreateOrder(ctx, creq)
	if err != nil {
		o.online.Store(!isUnreachable(err))
		return "", err
	}
	o.online.Store(true)
	if res.Msg.Order == nil || res.Msg.Order.OrderNumber == "" {
		return "", fmt.Errorf("server returned no order number for %s", tempID)
	}
	return res.Msg.Order.OrderNumber, nil
}

func isUnreachable(err error) bool {
	switch connect.CodeOf(err) {
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Trigger asks the flush loop for an early cycle. It never blocks.
func (o *Outbox) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run is the single consumer of the outbox. It flushes on every tick and
// trigger while the server is reachable, and prunes old synced entries.
func (o *Outbox) Run(ctx context.Context) error {
	recovered, err := o.store.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		o.log.Warn().Int("entries", recovered).Msg("recovered in-flight entries")
	}

	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	o.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-o.trigger:
		}
		o.cycle(ctx)
	}
}

func (o *Outbox) cycle(ctx context.Context) {
	if o.checker != nil {
		online := o.checker.Online(ctx)
		o.online.Store(online)
		if !online {
			o.log.Debug().Msg("server unreachable, flush deferred")
			o.updatePending(ctx)
			return
		}
	}

	report := o.Flush(ctx)
	if report.Attempted > 0 {
		o.log.Info().
			Int("attempted", report.Attempted).
			Int("synced", report.Synced).
			Int("retried", report.Retried).
			Int("rejected", report.Rejected).
			Msg("outbox flushed")
	}

	if o.opts.Retention > 0 {
		if n, err := o.store.PruneSynced(ctx, time.Now().Add(-o.opts.Retention)); err != nil {
			o.log.Error().Err(err).Msg("failed to prune outbox")
		} else if n > 0 {
			o.log.Debug().Int("entries", n).Msg("pruned synced entries")
		}
	}
}

// Receipt returns the local record of a checkout
func (o *Outbox) Receipt(ctx context.Context, tempID string) (*Entry, error) {
	return o.store.Get(ctx, tempID)
}

// HeldFreeDrinks returns the free drinks on a card claimed by entries that a
// card snapshot taken at asOf does not reflect
func (o *Outbox) HeldFreeDrinks(ctx context.Context, cardID int64, asOf time.Time) (int, error) {
	return o.store.HeldFreeDrinks(ctx, cardID, asOf)
}

// Counts returns the number of entries per status
func (o *Outbox) Counts(ctx context.Context) (Counts, error) {
	return o.store.Counts(ctx)
}

// Requeue returns a rejected entry to the queue and triggers a flush
func (o *Outbox) Requeue(ctx context.Context, tempID string) error {
	if err := o.store.Requeue(ctx, tempID); err != nil {
		return err
	}
	o.Trigger()
	return nil
}

func (o *Outbox) updatePending(ctx context.Context) {
	c, err := o.store.Counts(ctx)
	if err != nil {
		return
	}
	metrics.OutboxPending.Set(float64(c.Pending + c.Processing + c.Rejected))
}

// HTTPChecker checks connectivity with a GET on the server's health endpoint
type HTTPChecker struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// Online implements Checker
func (p *HTTPChecker) Online(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
