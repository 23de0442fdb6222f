package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/time/rate"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/auth"
	"github.com/kkkkikiki/brewledger/internal/model"
)

// PerfResult gathers aggregated metrics for the test run. LatencySum is in
// nanoseconds.
type PerfResult struct {
	TotalRequests int64
	SuccessCount  int64
	RejectedCount int64
	ErrorCount    int64
	LatencySum    int64
}

// perfConfig is read from PERF_* variables
type perfConfig struct {
	ServerURL  string        `env:"SERVER_URL,default=http://localhost:8080"`
	AdminToken string        `env:"ADMIN_TOKEN,required"`
	Workers    int           `env:"WORKERS,default=50"`
	RPS        int           `env:"RPS,default=500"`
	Duration   time.Duration `env:"DURATION,default=10s"`
	FreeCups   int           `env:"FREE_CUPS,default=200"`
	Phone      string        `env:"PHONE,default=0599000000"`

	// StampsPerCup must match the server's LOYALTY_STAMPS_PER_FREE_CUP
	StampsPerCup int `env:"STAMPS_PER_FREE_CUP,default=6"`
}

const defaultTimeout = 30 * time.Second

// perf-client hammers a single card with one-cup redemptions from many
// workers and then checks that exactly the card's balance was spent.
func main() {
	var cfg perfConfig
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper("PERF_", envconfig.OsLookuper()),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Workers * 4,
		MaxIdleConnsPerHost: cfg.Workers * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{Transport: transport, Timeout: defaultTimeout}
	withToken := connect.WithInterceptors(auth.NewClientInterceptor(cfg.AdminToken))
	client := api.NewLoyaltyServiceClient(httpClient, cfg.ServerURL, withToken)
	orders := api.NewOrderServiceClient(httpClient, cfg.ServerURL, withToken)

	card, err := fundCard(client, cfg.Phone, cfg.FreeCups, cfg.StampsPerCup)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare card: %v\n", err)
		os.Exit(1)
	}

	itemID, err := stampableItem(orders)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to pick a menu item: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("==========================================")
	fmt.Println("brewledger redemption load test")
	fmt.Println("==========================================")
	fmt.Printf("card        : %s (id %d)\n", card.CardNumber, card.ID)
	fmt.Printf("free cups   : %d\n", card.AvailableFreeDrinks)
	fmt.Printf("menu item   : %s\n", itemID)
	fmt.Printf("workers     : %d\n", cfg.Workers)
	fmt.Printf("target RPS  : %d\n", cfg.RPS)
	fmt.Printf("duration    : %v\n", cfg.Duration)
	fmt.Println("==========================================")

	burst := cfg.RPS / cfg.Workers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), burst)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var (
		result    PerfResult
		wg        sync.WaitGroup
		latencyMu sync.Mutex
		latencies []time.Duration
	)

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				if lat, ok := redeemOne(client, orders, card.ID, itemID, &result); ok {
					latencyMu.Lock()
					latencies = append(latencies, lat)
					latencyMu.Unlock()
				}
			}
		}()
	}

	start := time.Now()
	<-ctx.Done()
	wg.Wait()
	totalDur := time.Since(start)

	fmt.Println("==========================================")
	fmt.Println("results")
	fmt.Println("==========================================")
	fmt.Printf("elapsed       : %.2fs\n", totalDur.Seconds())
	fmt.Printf("requests      : %d\n", result.TotalRequests)
	fmt.Printf("redeemed      : %d\n", result.SuccessCount)
	fmt.Printf("insufficient  : %d\n", result.RejectedCount)
	fmt.Printf("errors        : %d\n", result.ErrorCount)
	fmt.Printf("actual RPS    : %.2f\n", float64(result.TotalRequests)/totalDur.Seconds())
	if result.SuccessCount > 0 {
		fmt.Printf("avg latency   : %v\n", time.Duration(result.LatencySum/result.SuccessCount))
		fmt.Printf("p95 latency   : %v\n", percentile(latencies, 0.95))
	}

	fmt.Println("==========================================")
	fmt.Println("consistency check")
	fmt.Println("==========================================")
	if err := verify(client, card.ID, cfg.FreeCups, result.SuccessCount); err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK: no free cup was spent twice")
}

// fundCard registers the test card and tops it up to freeCups available
func fundCard(client api.LoyaltyServiceClient, phone string, freeCups, stampsPerCup int) (*api.Card, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	reg, err := client.RegisterCard(ctx, connect.NewRequest(&api.RegisterCardRequest{Phone: phone, Name: "perf"}))
	if err != nil {
		return nil, fmt.Errorf("register card: %w", err)
	}
	card := reg.Msg.Card

	missing := freeCups - card.AvailableFreeDrinks
	if missing <= 0 {
		return card, nil
	}
	adj, err := client.AdjustCard(ctx, connect.NewRequest(&api.AdjustCardRequest{
		CardID:      card.ID,
		StampsDelta: card.StampsToNextCup + (missing-1)*stampsPerCup,
		Note:        "perf-client top up",
	}))
	if err != nil {
		return nil, fmt.Errorf("adjust card: %w", err)
	}
	return adj.Msg.Card, nil
}

// stampableItem returns the first menu item that a free cup can cover
func stampableItem(orders api.OrderServiceClient) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	menu, err := orders.ListMenu(ctx, connect.NewRequest(&api.ListMenuRequest{}))
	if err != nil {
		return "", fmt.Errorf("list menu: %w", err)
	}
	for _, item := range menu.Msg.Items {
		if item.Stampable {
			return item.ID, nil
		}
	}
	return "", fmt.Errorf("menu has no stampable item")
}

// redeemOne places a one-drink order and spends a single free cup on it
func redeemOne(client api.LoyaltyServiceClient, orders api.OrderServiceClient, cardID int64, itemID string, result *PerfResult) (time.Duration, bool) {
	// independent context so in-flight calls finish when the test ends
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	placed, err := orders.CreateOrder(ctx, connect.NewRequest(&api.CreateOrderRequest{
		ClientRef:     "perf-" + uuid.NewString(),
		TerminalID:    "perf-client",
		Items:         []api.OrderItemInput{{CoffeeItemID: itemID, Quantity: 1}},
		PaymentMethod: model.PaymentCash,
	}))
	if err != nil {
		atomic.AddInt64(&result.ErrorCount, 1)
		return 0, false
	}

	start := time.Now()
	atomic.AddInt64(&result.TotalRequests, 1)

	_, err = client.Redeem(ctx, connect.NewRequest(&api.RedeemRequest{
		CardID:                  cardID,
		OrderID:                 placed.Msg.Order.ID,
		RequestedFreeDrinkCount: 1,
	}))
	latency := time.Since(start)

	switch {
	case err == nil:
		atomic.AddInt64(&result.SuccessCount, 1)
		atomic.AddInt64(&result.LatencySum, latency.Nanoseconds())
		return latency, true
	case api.IsInsufficientBalance(err):
		atomic.AddInt64(&result.RejectedCount, 1)
	default:
		atomic.AddInt64(&result.ErrorCount, 1)
	}
	return 0, false
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// verify checks the card against the redemptions the workers saw succeed
func verify(client api.LoyaltyServiceClient, cardID int64, funded int, redeemed int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	audit, err := client.AuditCard(ctx, connect.NewRequest(&api.AuditCardRequest{CardID: cardID}))
	if err != nil {
		return fmt.Errorf("audit card: %w", err)
	}
	a := audit.Msg

	fmt.Printf("earned (stored)    : %d\n", a.Stored.FreeCupsEarned)
	fmt.Printf("redeemed (stored)  : %d\n", a.Stored.FreeCupsRedeemed)
	fmt.Printf("redeemed (log)     : %d\n", a.Reconstructed.FreeCupsRedeemed)
	fmt.Printf("redeemed (clients) : %d\n", redeemed)

	if !a.Consistent {
		return fmt.Errorf("stored counters %+v differ from transaction log %+v", a.Stored, a.Reconstructed)
	}
	if a.Stored.FreeCupsRedeemed > a.Stored.FreeCupsEarned {
		return fmt.Errorf("overspent: redeemed %d > earned %d", a.Stored.FreeCupsRedeemed, a.Stored.FreeCupsEarned)
	}
	if redeemed > int64(funded) {
		return fmt.Errorf("clients saw %d redemptions for %d funded cups", redeemed, funded)
	}
	return nil
}
