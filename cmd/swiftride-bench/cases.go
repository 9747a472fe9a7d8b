// README: Bench cases: environment checks, one ride walked through quote/dispatch/trip/settlement, an accept race, and load loops.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

var (
	pickup      = map[string]float64{"lat": 6.4550, "lng": 3.3941}
	destination = map[string]float64{"lat": 6.6018, "lng": 3.3515}
	nearPickup  = map[string]float64{"lat": 6.4560, "lng": 3.3950}
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	run  string
	flow flowState
}

// flowState carries ids from one lifecycle case to the next. Cases run in order.
type flowState struct {
	driverID  string
	riderID   string
	quoteHash string
	total     string
	rideID    string
	offerID   string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	run := uuid.NewString()[:8]
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   run,
		flow: flowState{
			driverID: "bench-driver-" + run,
			riderID:  "bench-rider-" + run,
		},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

func (r *Runner) cases() []TestCase {
	f := &r.flow
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: StatusFail, Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				return Result{Status: StatusPass}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: StatusFail, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				return Result{Status: StatusPass}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: StatusSkip, Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: StatusFail, Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: StatusFail, Note: err.Error()}
					}
				}
				return Result{Status: StatusPass}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: StatusFail, Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: StatusFail, Note: err.Error()}
					}
					if !exists {
						return Result{Status: StatusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: StatusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
			},
		},
		expectCase("API: health", http.MethodGet, "/health", nil, http.StatusOK),

		// Setup
		expectCase("Driver: go online", http.MethodPut, "/api/drivers/"+f.driverID+"/status", map[string]any{
			"online": true, "available": true, "approved": true, "vehicle_classes": []string{r.cfg.VehicleClass},
		}, http.StatusNoContent),
		expectCase("Driver: report location", http.MethodPut, "/api/drivers/"+f.driverID+"/location", nearPickup, http.StatusNoContent),
		expectCase("Driver: invalid coords -> 400", http.MethodPut, "/api/drivers/"+f.driverID+"/location", map[string]any{"lat": 123.0, "lng": 456.0}, http.StatusBadRequest),
		expectCase("Wallet: rider top-up", http.MethodPost, "/api/wallets/"+f.riderID+"/deposits", map[string]any{
			"amount": "100000", "reference_id": "bench-topup-" + r.run,
		}, http.StatusCreated),

		// Quote and booking
		{
			Name: "Quote: issue",
			Run: func(ctx context.Context, r *Runner) Result {
				var q struct {
					SignatureHash string          `json:"signature_hash"`
					TotalFare     json.RawMessage `json:"total_fare"`
				}
				start := time.Now()
				code, err := r.call(ctx, http.MethodPost, "/api/quotes", r.quoteBody(), &q)
				if res, ok := statusResult(code, err, http.StatusCreated, start); !ok {
					return res
				}
				f.quoteHash = q.SignatureHash
				f.total = strings.Trim(string(q.TotalFare), `"`)
				return Result{Status: StatusPass, Latency: time.Since(start), Note: "total=" + f.total}
			},
		},
		expectCase("Quote: missing vehicle class -> 400", http.MethodPost, "/api/quotes", map[string]any{
			"origin": pickup, "destination": destination,
		}, http.StatusBadRequest),
		{
			Name: "Ride: create from quote",
			Run: func(ctx context.Context, r *Runner) Result {
				if f.quoteHash == "" {
					return Result{Status: StatusSkip, Note: "no quote"}
				}
				var ride struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				}
				start := time.Now()
				code, err := r.call(ctx, http.MethodPost, "/api/rides", r.rideBody(f.riderID), &ride)
				if res, ok := statusResult(code, err, http.StatusCreated, start); !ok {
					return res
				}
				f.rideID = ride.ID
				return Result{Status: StatusPass, Latency: time.Since(start), Note: "status=" + ride.Status}
			},
		},
		{
			Name: "Ride: quote reuse -> 422",
			Run: func(ctx context.Context, r *Runner) Result {
				if f.quoteHash == "" {
					return Result{Status: StatusSkip, Note: "no quote"}
				}
				start := time.Now()
				code, err := r.call(ctx, http.MethodPost, "/api/rides", r.rideBody(f.riderID+"-2"), nil)
				res, _ := statusResult(code, err, http.StatusUnprocessableEntity, start)
				return res
			},
		},

		// Dispatch
		{
			Name: "Dispatch: offer to nearby driver",
			Run: func(ctx context.Context, r *Runner) Result {
				if f.rideID == "" {
					return Result{Status: StatusSkip, Note: "no ride"}
				}
				start := time.Now()
				for time.Since(start) < 5*time.Second {
					var out struct {
						Offers []struct {
							ID       string `json:"id"`
							DriverID string `json:"driver_id"`
							Outcome  string `json:"outcome"`
						} `json:"offers"`
					}
					if _, err := r.call(ctx, http.MethodGet, "/api/rides/"+f.rideID+"/offers", nil, &out); err != nil {
						return Result{Status: StatusFail, Note: err.Error()}
					}
					for _, o := range out.Offers {
						if o.DriverID == f.driverID && o.Outcome == "pending" {
							f.offerID = o.ID
							return Result{Status: StatusPass, Latency: time.Since(start)}
						}
					}
					time.Sleep(200 * time.Millisecond)
				}
				return Result{Status: StatusFail, Note: "no pending offer for bench driver"}
			},
		},
		{
			Name: "Concurrency: multi accept same offer",
			Run: func(ctx context.Context, r *Runner) Result {
				if f.offerID == "" {
					return Result{Status: StatusSkip, Note: "no offer"}
				}
				return concurrentAccept(ctx, r, "/api/offers/"+f.offerID+"/response", f.driverID)
			},
		},

		// Trip
		{
			Name: "Ride: arrive, start, complete",
			Run: func(ctx context.Context, r *Runner) Result {
				if f.rideID == "" || f.offerID == "" {
					return Result{Status: StatusSkip, Note: "ride not matched"}
				}
				start := time.Now()
				for _, trigger := range []string{"arrive", "start", "complete"} {
					code, err := r.call(ctx, http.MethodPost, "/api/rides/"+f.rideID+"/transitions",
						map[string]any{"actor_id": f.driverID, "trigger": trigger}, nil)
					if res, ok := statusResult(code, err, http.StatusOK, start); !ok {
						res.Note = trigger + ": " + res.Note
						return res
					}
				}
				return Result{Status: StatusPass, Latency: time.Since(start)}
			},
		},
		{
			Name: "Ride: completed cannot be cancelled",
			Run: func(ctx context.Context, r *Runner) Result {
				if f.rideID == "" || f.offerID == "" {
					return Result{Status: StatusSkip, Note: "ride not matched"}
				}
				start := time.Now()
				code, err := r.call(ctx, http.MethodPost, "/api/rides/"+f.rideID+"/transitions",
					map[string]any{"actor_id": f.riderID, "trigger": "cancel"}, nil)
				res, _ := statusResult(code, err, http.StatusConflict, start)
				return res
			},
		},

		// Settlement
		{
			Name: "Settlement: ride settled",
			Run: func(ctx context.Context, r *Runner) Result {
				if f.rideID == "" || f.offerID == "" {
					return Result{Status: StatusSkip, Note: "ride not matched"}
				}
				start := time.Now()
				var ride struct {
					PaymentStatus string `json:"payment_status"`
				}
				for time.Since(start) < 5*time.Second {
					if _, err := r.call(ctx, http.MethodGet, "/api/rides/"+f.rideID, nil, &ride); err != nil {
						return Result{Status: StatusFail, Note: err.Error()}
					}
					if ride.PaymentStatus == "settled" {
						return Result{Status: StatusPass, Latency: time.Since(start)}
					}
					time.Sleep(200 * time.Millisecond)
				}
				return Result{Status: StatusFail, Note: "payment_status=" + ride.PaymentStatus}
			},
		},
		{
			Name: "Settlement: replay is a no-op",
			Run: func(ctx context.Context, r *Runner) Result {
				if f.rideID == "" || f.offerID == "" {
					return Result{Status: StatusSkip, Note: "ride not matched"}
				}
				var res struct {
					Replayed bool `json:"replayed"`
				}
				start := time.Now()
				code, err := r.call(ctx, http.MethodPost, "/api/rides/"+f.rideID+"/settlement", nil, &res)
				if out, ok := statusResult(code, err, http.StatusOK, start); !ok {
					return out
				}
				if !res.Replayed {
					return Result{Status: StatusFail, Note: "replayed=false"}
				}
				return Result{Status: StatusPass, Latency: time.Since(start)}
			},
		},
		{
			Name: "Consistency: ride_events follow status_version",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil || f.rideID == "" {
					return Result{Status: StatusSkip, Note: "no db or ride"}
				}
				var version, events int
				err := r.db.QueryRow(ctx,
					`SELECT r.status_version, (SELECT count(*) FROM ride_events e WHERE e.ride_id = r.id)
					 FROM rides r WHERE r.id = $1`, f.rideID,
				).Scan(&version, &events)
				if err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				// The request event precedes the first version bump.
				if events != version+1 {
					return Result{Status: StatusFail, Note: fmt.Sprintf("events=%d status_version=%d", events, version)}
				}
				return Result{Status: StatusPass, Note: fmt.Sprintf("events=%d", events)}
			},
		},

		// Load
		{
			Name: "Perf: driver location throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodPut, func(worker int) (string, any) {
					return fmt.Sprintf("/api/drivers/bench-load-%s-%d/location", r.run, worker), nearPickup
				})
			},
		},
		{
			Name: "Perf: quote throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodPost, func(int) (string, any) {
					return "/api/quotes", r.quoteBody()
				})
			},
		},
	}
}

func (r *Runner) quoteBody() map[string]any {
	body := map[string]any{
		"origin":        pickup,
		"destination":   destination,
		"vehicle_class": r.cfg.VehicleClass,
	}
	if r.cfg.City != "" {
		body["city"] = r.cfg.City
	}
	return body
}

func (r *Runner) rideBody(riderID string) map[string]any {
	return map[string]any{
		"rider_id":       riderID,
		"quote_hash":     r.flow.quoteHash,
		"expected_total": r.flow.total,
		"pickup":         pickup,
		"destination":    destination,
	}
}

// call sends body as JSON and decodes a JSON response into out when out is non-nil.
func (r *Runner) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

func statusResult(code int, err error, want int, start time.Time) (Result, bool) {
	latency := time.Since(start)
	if err != nil {
		return Result{Status: StatusFail, Latency: latency, Note: err.Error()}, false
	}
	if code != want {
		return Result{Status: StatusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", code, want)}, false
	}
	return Result{Status: StatusPass, Latency: latency, Note: fmt.Sprintf("status=%d", code)}, true
}

func expectCase(name, method, path string, body any, want int) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			code, err := r.call(ctx, method, path, body, nil)
			res, _ := statusResult(code, err, want, start)
			return res
		},
	}
}

// concurrentAccept fires the same accept from many clients; exactly one may win.
func concurrentAccept(ctx context.Context, r *Runner, path, driverID string) Result {
	body := map[string]any{"driver_id": driverID, "response": "accept"}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succ      int
		conflicts int
		other     []int
	)
	start := make(chan struct{})
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			code, err := r.call(ctx, http.MethodPost, path, body, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				other = append(other, 0)
			case code == http.StatusOK:
				succ++
			case code == http.StatusConflict:
				conflicts++
			default:
				other = append(other, code)
			}
		}()
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("success=%d conflict=%d other=%v", succ, conflicts, other)
	if succ == 1 && len(other) == 0 {
		return Result{Status: StatusPass, Note: note}
	}
	return Result{Status: StatusFail, Note: note}
}

func perfLoad(ctx context.Context, r *Runner, method string, next func(worker int) (string, any)) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		count    int64
		errCount int64
		mu       sync.Mutex
		wg       sync.WaitGroup
	)

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				path, body := next(worker)
				code, err := r.call(ctx, method, path, body, nil)
				mu.Lock()
				if err != nil || code >= 300 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("no requests succeeded errors=%d", errCount)}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: StatusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	cleaned := strings.Join(filtered, "\n")
	parts := strings.Split(cleaned, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
