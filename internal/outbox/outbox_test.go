package outbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/database"
	"github.com/kkkkikiki/brewledger/internal/model"
)

// fakeServer creates orders keyed by client reference, like the ledger server
type fakeServer struct {
	mu     sync.Mutex
	orders map[string]string
	calls  []string
	// fail decides the outcome of a call. commit makes the order exist even
	// when an error is returned.
	fail func(ref string) (commit bool, err error)
	// gate, when set, blocks calls until it is closed
	gate    chan struct{}
	entered chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{orders: map[string]string{}}
}

func (f *fakeServer) CreateOrder(
	ctx context.Context,
	req *connect.Request[api.CreateOrderRequest],
) (*connect.Response[api.CreateOrderResponse], error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ref := req.Header().Get(api.IdempotencyKeyHeader)
	if ref != req.Msg.ClientRef {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("key mismatch"))
	}
	f.calls = append(f.calls, ref)

	var err error
	commit := true
	if f.fail != nil {
		commit, err = f.fail(ref)
	}
	if err != nil && !commit {
		return nil, err
	}

	number, ok := f.orders[ref]
	if !ok {
		number = fmt.Sprintf("%d", 1000+len(f.orders)+1)
		f.orders[ref] = number
	}
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&api.CreateOrderResponse{
		Order:    &model.Order{OrderNumber: number, ClientRef: &ref},
		Replayed: ok,
	}), nil
}

func (f *fakeServer) setFail(fn func(ref string) (bool, error)) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakeServer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeServer) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func unavailable(string) (bool, error) {
	return false, connect.NewError(connect.CodeUnavailable, errors.New("connection refused"))
}

type staticChecker struct{ online bool }

func (p staticChecker) Online(context.Context) bool { return p.online }

func newTestOutbox(t *testing.T, server *fakeServer, checker Checker, opts Options) (*Outbox, *Store) {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "pos.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db.Conn)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = time.Second
	}
	return New(store, server, checker, opts, zerolog.Nop()), store
}

func sampleOrder() api.CreateOrderRequest {
	return api.CreateOrderRequest{
		TerminalID:    "pos-1",
		Items:         []api.OrderItemInput{{CoffeeItemID: "latte", Quantity: 2}},
		PaymentMethod: model.PaymentCash,
	}
}

// goOffline makes the next submit fail to reach the server so the outbox
// switches to queueing
func goOffline(t *testing.T, o *Outbox, server *fakeServer) Submission {
	t.Helper()
	server.setFail(unavailable)
	sub, err := o.Submit(context.Background(), sampleOrder())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !sub.Offline {
		t.Fatal("Submit() should fall back to offline")
	}
	server.setFail(nil)
	return sub
}

func TestSubmitOnline(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOutbox(t, server, nil, Options{})

	sub, err := o.Submit(ctx, sampleOrder())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if sub.Offline {
		t.Error("Submit() offline = true, want false")
	}
	if sub.OrderNumber != "1001" {
		t.Errorf("OrderNumber = %q, want 1001", sub.OrderNumber)
	}
	if !IsTempID(sub.TempID) {
		t.Errorf("TempID = %q, want %s prefix", sub.TempID, TempIDPrefix)
	}

	e, err := store.Get(ctx, sub.TempID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Status != StatusSynced || e.OrderNumber != "1001" {
		t.Errorf("entry = %s/%s, want synced/1001", e.Status, e.OrderNumber)
	}
	req, err := e.Request()
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if req.ClientRef != sub.TempID {
		t.Errorf("stored ClientRef = %q, want %q", req.ClientRef, sub.TempID)
	}
}

func TestSubmitKeepsServerNumberWhenSyncMarkFails(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOutbox(t, server, nil, Options{})

	// simulate a local write failure on the synced transition only
	if _, err := store.db.ExecContext(ctx, `
		CREATE TRIGGER refuse_synced BEFORE UPDATE OF status ON outbox_entries
		WHEN NEW.status = 'synced'
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END
	`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	sub, err := o.Submit(ctx, sampleOrder())
	if err != nil {
		t.Fatalf("Submit() error = %v, want the confirmed order", err)
	}
	if sub.Offline || sub.OrderNumber != "1001" {
		t.Fatalf("Submit() = %+v, want server order 1001", sub)
	}
	e, err := store.Get(ctx, sub.TempID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Status != StatusPending {
		t.Errorf("entry status = %s, want pending for the next flush", e.Status)
	}

	if _, err := store.db.ExecContext(ctx, `DROP TRIGGER refuse_synced`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	report := o.Flush(ctx)
	if report.Synced != 1 {
		t.Fatalf("Flush() = %+v, want 1 synced", report)
	}
	if server.orderCount() != 1 {
		t.Errorf("server has %d orders, want 1", server.orderCount())
	}
	e, _ = store.Get(ctx, sub.TempID)
	if e.Status != StatusSynced || e.OrderNumber != "1001" {
		t.Errorf("entry = %s/%s, want synced/1001", e.Status, e.OrderNumber)
	}
}

func TestSubmitOfflineThenFlush(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOutbox(t, server, nil, Options{})

	first := goOffline(t, o, server)
	if first.OrderNumber != first.TempID {
		t.Errorf("offline OrderNumber = %q, want temp id %q", first.OrderNumber, first.TempID)
	}
	if o.Online() {
		t.Error("Online() = true after unreachable server")
	}

	second, err := o.Submit(ctx, sampleOrder())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !second.Offline {
		t.Error("second Submit() should queue while offline")
	}
	if got := server.callCount(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}

	e, _ := store.Get(ctx, first.TempID)
	if e.Status != StatusPending || e.RetryCount != 1 || e.LastError == "" {
		t.Errorf("first entry = %+v, want pending with one failed attempt", e)
	}

	report := o.Flush(ctx)
	if report.Attempted != 2 || report.Synced != 2 {
		t.Errorf("Flush() = %+v, want 2 attempted and synced", report)
	}
	if !o.Online() {
		t.Error("Online() = false after successful flush")
	}

	server.mu.Lock()
	calls := append([]string(nil), server.calls...)
	server.mu.Unlock()
	want := []string{first.TempID, first.TempID, second.TempID}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}

	counts, err := o.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Synced != 2 || counts.Pending != 0 {
		t.Errorf("Counts() = %+v", counts)
	}
	if _, ok := o.LastFlush(); !ok {
		t.Error("LastFlush() not recorded")
	}
}

func TestLostResponseDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOutbox(t, server, nil, Options{})

	// the server commits but the answer never arrives
	server.setFail(func(string) (bool, error) {
		return true, connect.NewError(connect.CodeDeadlineExceeded, errors.New("timeout"))
	})
	sub, err := o.Submit(ctx, sampleOrder())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !sub.Offline {
		t.Fatal("Submit() should be tentative when the answer is lost")
	}
	server.setFail(nil)

	report := o.Flush(ctx)
	if report.Synced != 1 {
		t.Fatalf("Flush() = %+v, want 1 synced", report)
	}
	if got := server.orderCount(); got != 1 {
		t.Errorf("server orders = %d, want 1", got)
	}
	e, _ := store.Get(ctx, sub.TempID)
	if e.OrderNumber != "1001" {
		t.Errorf("OrderNumber = %q, want 1001", e.OrderNumber)
	}

	// a second flush has nothing to do
	if report := o.Flush(ctx); report.Attempted != 0 {
		t.Errorf("second Flush() attempted %d", report.Attempted)
	}
}

func TestFlushSkipsWhenRunning(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, _ := newTestOutbox(t, server, nil, Options{})
	goOffline(t, o, server)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	server.mu.Lock()
	server.gate, server.entered = gate, entered
	server.mu.Unlock()

	done := make(chan FlushReport)
	go func() { done <- o.Flush(ctx) }()
	<-entered

	if report := o.Flush(ctx); !report.Skipped {
		t.Errorf("overlapping Flush() = %+v, want skipped", report)
	}

	close(gate)
	report := <-done
	if report.Skipped || report.Synced != 1 {
		t.Errorf("first Flush() = %+v, want 1 synced", report)
	}
}

func TestRejectedEntryDoesNotBlockQueue(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOutbox(t, server, nil, Options{})

	bad := goOffline(t, o, server)
	server.setFail(unavailable)
	good, err := o.Submit(ctx, sampleOrder())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	server.setFail(func(ref string) (bool, error) {
		if ref == bad.TempID {
			return false, api.NewError(connect.CodeFailedPrecondition, api.ReasonInsufficientBalance, errors.New("no free drinks"))
		}
		return false, nil
	})

	report := o.Flush(ctx)
	if report.Rejected != 1 || report.Synced != 1 {
		t.Fatalf("Flush() = %+v, want 1 rejected and 1 synced", report)
	}

	e, _ := store.Get(ctx, bad.TempID)
	if e.Status != StatusRejected || e.LastError == "" {
		t.Errorf("bad entry = %s %q, want rejected with error", e.Status, e.LastError)
	}
	e, _ = store.Get(ctx, good.TempID)
	if e.Status != StatusSynced {
		t.Errorf("good entry = %s, want synced", e.Status)
	}

	// rejected entries stay put until requeued
	if report := o.Flush(ctx); report.Attempted != 0 {
		t.Errorf("Flush() retried a rejected entry: %+v", report)
	}

	server.setFail(nil)
	if err := o.Requeue(ctx, bad.TempID); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if report := o.Flush(ctx); report.Synced != 1 {
		t.Errorf("Flush() after requeue = %+v, want 1 synced", report)
	}
	if err := o.Requeue(ctx, bad.TempID); !errors.Is(err, ErrNotRejected) {
		t.Errorf("Requeue() of a synced entry error = %v, want ErrNotRejected", err)
	}
}

func TestSubmitPermanentErrorDiscards(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOutbox(t, server, nil, Options{})

	server.setFail(func(string) (bool, error) {
		return false, api.NewError(connect.CodeInvalidArgument, api.ReasonTotalMismatch, errors.New("total mismatch"))
	})

	var tempID string
	sub, err := o.Submit(ctx, sampleOrder())
	if err == nil {
		t.Fatalf("Submit() = %+v, want error", sub)
	}
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("code = %v, want invalid_argument", connect.CodeOf(err))
	}

	server.mu.Lock()
	tempID = server.calls[0]
	server.mu.Unlock()
	if _, err := store.Get(ctx, tempID); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Get() error = %v, want ErrEntryNotFound", err)
	}
	if !o.Online() {
		t.Error("a refusal means the server is reachable")
	}
}

func TestUnavailableStopsCycle(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, _ := newTestOutbox(t, server, nil, Options{})

	goOffline(t, o, server)
	for i := 0; i < 2; i++ {
		if _, err := o.Submit(ctx, sampleOrder()); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	server.setFail(unavailable)
	report := o.Flush(ctx)
	if report.Attempted != 1 || report.Retried != 1 {
		t.Errorf("Flush() = %+v, want a single attempt", report)
	}

	counts, _ := o.Counts(ctx)
	if counts.Pending != 3 {
		t.Errorf("pending = %d, want 3", counts.Pending)
	}
}

func TestTransientServerErrorContinues(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	o, store := newTestOutbox(t, server, nil, Options{})

	first := goOffline(t, o, server)
	if _, err := o.Submit(ctx, sampleOrder()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	server.setFail(func(ref string) (bool, error) {
		if ref == first.TempID {
			return false, connect.NewError(connect.CodeInternal, errors.New("boom"))
		}
		return false, nil
	})
	report := o.Flush(ctx)
	if report.Retried != 1 || report.Synced != 1 {
		t.Errorf("Flush() = %+v, want 1 retried and 1 synced", report)
	}

	e, _ := store.Get(ctx, first.TempID)
	if e.Status != StatusPending || e.RetryCount != 2 {
		t.Errorf("entry = %s retries=%d, want pending retries=2", e.Status, e.RetryCount)
	}
}

func TestRunFlushesWhenOnline(t *testing.T) {
	server := newFakeServer()
	o, store := newTestOutbox(t, server, staticChecker{online: true}, Options{Interval: time.Hour})
	sub := goOffline(t, o, server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		e, err := store.Get(context.Background(), sub.TempID)
		if err == nil && e.Status == StatusSynced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry was not synced by the run loop")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunDefersWhileOffline(t *testing.T) {
	server := newFakeServer()
	o, _ := newTestOutbox(t, server, staticChecker{online: false}, Options{Interval: time.Hour})
	goOffline(t, o, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = o.Run(ctx)

	if got := server.callCount(); got != 1 {
		t.Errorf("server calls = %d, want only the original submit", got)
	}
	if o.Online() {
		t.Error("Online() should follow the checker")
	}
}

func TestHTTPChecker(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := gone.URL
	gone.Close()

	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"healthy", healthy.URL + "/health", true},
		{"unhealthy", failing.URL + "/health", false},
		{"unreachable", goneURL + "/health", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &HTTPChecker{URL: tt.url, Timeout: time.Second}
			if got := p.Online(context.Background()); got != tt.want {
				t.Errorf("Online() = %v, want %v", got, tt.want)
			}
		})
	}
}
