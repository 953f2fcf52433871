package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/audit"
	"github.com/ksred/exec-api/internal/auth"
	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/internal/config"
	"github.com/ksred/exec-api/internal/database"
	"github.com/ksred/exec-api/internal/notify"
	"github.com/ksred/exec-api/internal/pipeline"
	"github.com/ksred/exec-api/internal/protection"
	"github.com/ksred/exec-api/internal/risk"
	"github.com/ksred/exec-api/internal/trailing"
	"github.com/ksred/exec-api/internal/types"
	"github.com/ksred/exec-api/pkg/middleware"
)

const (
	minOrders     = 10
	maxOrders     = 60
	numWorkers    = 4
	serverAddress = "http://localhost:8080"
	jwtSecret     = "simulation-secret"
	apiKey        = "sim-api-key"
	apiSecret     = "sim-api-secret"
)

var (
	instruments = []string{"NIFTY24AUGFUT", "BANKNIFTY24AUGFUT", "RELIANCE-EQ", "TCS-EQ", "INFY-EQ"}
	sides       = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the execution API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"place":  {name: "Place Order"},
			"batch":  {name: "Place Batch"},
			"groups": {name: "List Groups"},
			"risk":   {name: "Risk Status"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() { sc.stats["auth"].addDuration(time.Since(start)) }()

	body, err := json.Marshal(map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	})
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Data.Token, nil
}

func (sc *simulationClient) do(method, path string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return raw, resp.StatusCode, err
}

// placeOrder submits a single order intent and returns the placement result.
func (sc *simulationClient) placeOrder(intent types.OrderIntent) (*types.PlacementResult, error) {
	start := time.Now()
	defer func() { sc.stats["place"].addDuration(time.Since(start)) }()

	raw, status, err := sc.do("POST", "/api/v1/orders", intent)
	if err != nil {
		sc.stats["place"].failures++
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		sc.stats["place"].failures++
		return nil, fmt.Errorf("place failed with status %d: %s", status, string(raw))
	}

	var result struct {
		Data types.PlacementResult `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(raw))
	}
	return &result.Data, nil
}

// placeBatch submits a batch with the given failure policy.
func (sc *simulationClient) placeBatch(intents []types.OrderIntent, mode string) (*types.BatchResult, error) {
	start := time.Now()
	defer func() { sc.stats["batch"].addDuration(time.Since(start)) }()

	raw, status, err := sc.do("POST", "/api/v1/orders/batch", map[string]any{
		"mode":   mode,
		"orders": intents,
	})
	if err != nil {
		sc.stats["batch"].failures++
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		sc.stats["batch"].failures++
		return nil, fmt.Errorf("batch failed with status %d: %s", status, string(raw))
	}

	var result struct {
		Data types.BatchResult `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// listGroups fetches open protection groups.
func (sc *simulationClient) listGroups() ([]protection.Group, error) {
	start := time.Now()
	defer func() { sc.stats["groups"].addDuration(time.Since(start)) }()

	raw, status, err := sc.do("GET", "/api/v1/groups", nil)
	if err != nil || status != http.StatusOK {
		sc.stats["groups"].failures++
		return nil, fmt.Errorf("list groups failed: %v (status %d)", err, status)
	}

	var result struct {
		Data []protection.Group `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// riskStatus fetches the current risk posture.
func (sc *simulationClient) riskStatus() (map[string]any, error) {
	start := time.Now()
	defer func() { sc.stats["risk"].addDuration(time.Since(start)) }()

	raw, status, err := sc.do("GET", "/api/v1/risk/status", nil)
	if err != nil || status != http.StatusOK {
		sc.stats["risk"].failures++
		return nil, fmt.Errorf("risk status failed: %v (status %d)", err, status)
	}

	var result struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

func randomIntent() types.OrderIntent {
	return types.OrderIntent{
		Instrument: instruments[rand.Intn(len(instruments))],
		Venue:      "NSE",
		Side:       sides[rand.Intn(len(sides))],
		Quantity:   float64(rand.Intn(100) + 1),
		Kind:       "LIMIT", // price omitted: the pipeline auto-prices from LTP
		Tag:        "sim",
	}
}

// main runs the execution simulation: an in-process server with the dry-run
// broker transport, exercised by concurrent submitting workers.
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	stats := struct {
		Placed      int
		Blocked     int
		Failed      int
		Instruments map[string]int
		Sides       map[string]int
		StartTime   time.Time
		mu          sync.Mutex
	}{
		Instruments: make(map[string]int),
		Sides:       make(map[string]int),
		StartTime:   time.Now(),
	}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < targetOrders/numWorkers; j++ {
				intent := randomIntent()
				res, err := simClient.placeOrder(intent)

				stats.mu.Lock()
				switch {
				case err != nil:
					// Duplicates inside the dedup window are expected with
					// random intents over a small instrument set.
					if strings.Contains(err.Error(), "DUPLICATE") || strings.Contains(err.Error(), "409") {
						stats.Blocked++
					} else {
						stats.Failed++
						log.Error().Err(err).Int("worker", workerID).Msg("Failed to place order")
					}
				case res.OK:
					stats.Placed++
					stats.Instruments[intent.Instrument]++
					stats.Sides[intent.Side]++
					log.Info().Int("worker", workerID).Str("order_id", res.OrderID).
						Str("instrument", intent.Instrument).Str("side", intent.Side).Msg("Order placed")
				default:
					stats.Failed++
				}
				stats.mu.Unlock()

				time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	// One batch of each mode through the same pipeline.
	for _, mode := range []string{types.BatchContinue, types.BatchRollback} {
		batch := []types.OrderIntent{randomIntent(), randomIntent(), randomIntent()}
		res, err := simClient.placeBatch(batch, mode)
		if err != nil {
			log.Error().Err(err).Str("mode", mode).Msg("Batch failed")
			continue
		}
		log.Info().Str("mode", mode).Str("status", res.Status).
			Int("results", len(res.Results)).Msg("Batch submitted")
	}

	groups, err := simClient.listGroups()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list protection groups")
	}
	riskStatus, err := simClient.riskStatus()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch risk status")
	}

	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("EXECUTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Order Statistics
----------------
Placed:           %d
Blocked (dedup):  %d
Failed:           %d
Open Groups:      %d
Duration:         %v

Instrument Distribution
-----------------------
`, stats.Placed, stats.Blocked, stats.Failed, len(groups), duration.Round(time.Millisecond))

	maxCount := 0
	for _, count := range stats.Instruments {
		if count > maxCount {
			maxCount = count
		}
	}
	for instrument, count := range stats.Instruments {
		barLength := 0
		if maxCount > 0 {
			barLength = int(float64(count) / float64(maxCount) * 20)
		}
		fmt.Printf("%-20s: %s (%d)\n", instrument, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range stats.Sides {
		fmt.Printf("%-4s: %d\n", side, count)
	}

	if riskStatus != nil {
		fmt.Printf("\nRisk: halted=%v session_pnl=%v\n", riskStatus["halted"], riskStatus["session_pnl"])
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	simClient.printPerformanceStats()
}

// startServer wires and starts the execution API with the dry-run transport,
// so the whole pipeline runs without a live broker session.
func startServer() error {
	dataDir, err := os.MkdirTemp("", "exec-sim-")
	if err != nil {
		return err
	}

	db, err := database.NewDatabase(filepath.Join(dataDir, "exec.db"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	transport := broker.NewDryRunTransport()
	for _, inst := range instruments {
		transport.SetPrice(inst, 100+rand.Float64()*400)
	}

	cfg := config.PipelineConfig{
		DedupeWindow:       5 * time.Second,
		MaxSpreadFrac:      0.08,
		SlippageFrac:       0.01,
		TickSize:           0.05,
		AutoStops:          true,
		AutoTargets:        true,
		StopLossFrac:       0.02,
		TargetFrac:         0.02,
		StopLimitBufferPct: 0.005,
		CancelWorkers:      4,
		TradeLogPath:       filepath.Join(dataDir, "trade_log.csv"),
	}
	adapter := broker.NewAdapter(transport, broker.Config{
		MaxAttempts:         3,
		TickSize:            cfg.TickSize,
		StopLimitBufferFrac: cfg.StopLimitBufferPct,
	})

	registry, err := protection.NewRegistry(filepath.Join(dataDir, "registry.json"))
	if err != nil {
		return err
	}

	riskCfg := config.RiskConfig{
		MaxDailyLoss:       -50_000,
		EnforceMarketHours: false,
		MarketOpen:         "09:15",
		MarketClose:        "15:30",
		TimedExit:          "15:20",
	}
	haltStore := risk.NewHaltStore(filepath.Join(dataDir, "halt.json"))
	gate := risk.NewGate(riskCfg, haltStore, adapter)
	enforcer := risk.NewEnforcer(adapter, haltStore, notify.LogNotifier{},
		riskCfg.MaxDailyLoss, cfg.TradeLogPath, cfg.CancelWorkers, 10*time.Second)

	trailingManager := trailing.NewManager(adapter, adapter, config.TrailingConfig{
		Enabled:  true,
		ArmFrac:  0.40,
		Cooldown: time.Minute,
		LockFrac: 0.50,
		Throttle: 2 * time.Second,
		Cutoff:   "15:20",
	})

	auditService := audit.NewService(db, cfg.TradeLogPath)
	pipelineService := pipeline.NewService(cfg, adapter, gate, registry,
		trailingManager, auditService, notify.LogNotifier{}, true)

	authService := auth.NewService(jwtSecret)
	authService.RegisterClient(apiKey, apiSecret)

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	authHandlers := auth.NewGinHandlers(authService)
	pipelineHandlers := pipeline.NewGinHandlers(pipelineService)
	protectionHandlers := protection.NewGinHandlers(registry, adapter)
	riskHandlers := risk.NewGinHandlers(gate, enforcer)

	watcher := protection.NewWatcher(registry, adapter, 2*time.Second)
	trailingManager.Start(context.Background())
	go watcher.Start(context.Background())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		authed := v1.Group("")
		authed.Use(middleware.JWTAuth(jwtSecret))
		{
			authed.POST("/orders", pipelineHandlers.PlaceOrderHandler())
			authed.POST("/orders/batch", pipelineHandlers.PlaceBatchHandler())
			authed.GET("/groups", protectionHandlers.ListGroupsHandler())
			authed.GET("/risk/status", riskHandlers.StatusHandler())
		}
	}

	return router.Run(":8080")
}
