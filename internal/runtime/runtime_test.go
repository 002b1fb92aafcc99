package runtime

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/gridtrade/internal/config"
	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/negotiation"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T, id string, soc float64) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.Agent.ID = id
	cfg.Agent.InitialSoCPercent = soc
	cfg.Storage.Type = "memory"
	cfg.Simulation.OfflineProbability = 0
	cfg.Simulation.DriftKWh = 0
	cfg.Negotiation.OfferWindow = 200 * time.Millisecond
	cfg.Registry.RegisterRetries = 1
	return cfg
}

// serve starts an httptest server whose handler is set once the node that
// needs its URL has been built.
func serve(t *testing.T) (*httptest.Server, func(http.Handler)) {
	t.Helper()
	var h http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, func(handler http.Handler) { h = handler }
}

func newTestAgent(t *testing.T, registryURL, id string, soc float64) *Agent {
	t.Helper()
	srv, set := serve(t)

	cfg := testConfig(t, id, soc)
	cfg.Agent.URL = srv.URL
	cfg.Registry.URL = registryURL

	a, err := NewAgent(cfg, WithAgentLogger(discard))
	if err != nil {
		t.Fatalf("NewAgent(%s) error = %v", id, err)
	}
	set(a.Router())
	t.Cleanup(func() {
		a.handler.Wait()
		a.engine.Close()
		a.closeStore()
	})

	if err := a.register(context.Background()); err != nil {
		t.Fatalf("register(%s) error = %v", id, err)
	}
	return a
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAgents_TradeOverHTTP(t *testing.T) {
	regSrv, set := serve(t)
	reg := NewRegistry(testConfig(t, "registry", 0), WithRegistryLogger(discard))
	set(reg.Router())
	t.Cleanup(reg.registry.Wait)

	buyer := newTestAgent(t, regSrv.URL, "household-agent-01", 15)
	seller := newTestAgent(t, regSrv.URL, "household-agent-02", 100)

	if got := len(reg.registry.Endpoints()); got != 2 {
		t.Fatalf("registered endpoints = %d, want 2", got)
	}

	buyer.Profile().SetRole(domain.RoleBuyer)
	seller.Profile().SetRole(domain.RoleSeller)
	buyerStart := buyer.Profile().Snapshot().CurrentEnergyKWh

	txID, err := buyer.Engine().StartPurchase(context.Background())
	if err != nil {
		t.Fatalf("StartPurchase() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		txs := buyer.Engine().Transactions(txID)
		if len(txs) == 1 && txs[0].State == negotiation.StateConfirmed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("buyer transactions = %+v, want CONFIRMED", txs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := buyer.Profile().Snapshot().CurrentEnergyKWh; !near(got, buyerStart+10) {
		t.Errorf("buyer energy = %v, want %v", got, buyerStart+10)
	}
	if got := seller.Profile().Snapshot().CurrentEnergyKWh; !near(got, 5) {
		t.Errorf("seller energy = %v, want 5", got)
	}

	// The seller's archived contract is visible over HTTP.
	resp, err := http.Get(seller.cfg.Agent.URL + "/transactions/" + txID)
	if err != nil {
		t.Fatalf("GET /transactions error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"agreed_quantity_kwh":10`) {
		t.Errorf("GET /transactions/%s = %d %s", txID, resp.StatusCode, body)
	}

	// Administrative collection sees both agents through the registry.
	resp, err = http.Get(buyer.cfg.Agent.URL + "/admin/profiles/household-agent-02")
	if err != nil {
		t.Fatalf("GET /admin/profiles error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /admin/profiles/household-agent-02 status = %d", resp.StatusCode)
	}
}

func TestNewAgent_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "household-agent-01", 15)
	cfg.Supervisor.LowThreshold = 0.9

	if _, err := NewAgent(cfg); err == nil {
		t.Error("NewAgent() error = nil, want invalid thresholds")
	}
}

func TestNewAgent_EmptyConfigPath(t *testing.T) {
	cfg := testConfig(t, "household-agent-01", 15)

	if _, err := NewAgent(cfg, WithFileConfig("")); err == nil {
		t.Error("NewAgent() error = nil, want empty path rejected")
	}
}

func TestNewAgent_SQLiteRestoresLedger(t *testing.T) {
	cfg := testConfig(t, "household-agent-01", 15)
	cfg.Storage.Type = "sqlite"
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "agent.db")

	a, err := NewAgent(cfg, WithAgentLogger(discard))
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	if _, err := a.ledger.Credit(context.Background(), "household-agent-01", 4, "tx-1"); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
	want := a.Profile().Snapshot().CurrentEnergyKWh
	a.closeStore()

	b, err := NewAgent(cfg, WithAgentLogger(discard))
	if err != nil {
		t.Fatalf("NewAgent() reopen error = %v", err)
	}
	defer b.closeStore()

	snap := b.Profile().Snapshot()
	if !near(snap.CurrentEnergyKWh, want) || snap.TransactionCount != 1 {
		t.Errorf("restored profile = %+v, want %v kWh and 1 transaction", snap, want)
	}
}

func TestAgent_Reload(t *testing.T) {
	cfg := testConfig(t, "household-agent-01", 40)
	a, err := NewAgent(cfg, WithAgentLogger(discard))
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	defer a.closeStore()

	next := *cfg
	next.Agent.PricePerKWh = 0.12
	next.Agent.LotKWh = 4
	next.Supervisor.LowThreshold = 0.5
	next.Supervisor.HighThreshold = 0.9
	a.Reload(&next)

	if got := a.Profile().Snapshot().PricePerKWh; got != 0.12 {
		t.Errorf("price = %v, want 0.12", got)
	}
	if got := a.Engine().Policy().LotKWh; got != 4 {
		t.Errorf("lot = %v, want 4", got)
	}
	if got := a.supervisor.Settings().Thresholds.Low; got != 0.5 {
		t.Errorf("low threshold = %v, want 0.5", got)
	}

	// An invalid reload keeps the previous settings.
	bad := next
	bad.Agent.PricePerKWh = -1
	a.Reload(&bad)
	if got := a.Profile().Snapshot().PricePerKWh; got != 0.12 {
		t.Errorf("price after invalid reload = %v, want 0.12", got)
	}
}

func TestAgent_ReloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(price string) {
		content := "agent:\n  id: household-agent-01\n  price_per_kwh: " + price + "\nstorage:\n  type: memory\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	write("0.15")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.Server.Port = 0
	cfg.Registry.URL = "http://127.0.0.1:1"
	cfg.Registry.RegisterRetries = 1

	a, err := NewAgent(cfg, WithAgentLogger(discard), WithFileConfig(path))
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.watcher.Watch(ctx, a.Reload)

	deadline := time.Now().Add(3 * time.Second)
	for a.Profile().Snapshot().PricePerKWh != 0.11 {
		if time.Now().After(deadline) {
			t.Fatal("price never reloaded")
		}
		write("0.11")
		time.Sleep(50 * time.Millisecond)
	}
}

func TestAgent_RunFailsWhenRegistryUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig(t, "household-agent-01", 15)
	cfg.Server.Port = 0
	cfg.Registry.URL = deadURL

	a, err := NewAgent(cfg, WithAgentLogger(discard))
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "register with") {
			t.Errorf("Run() error = %v, want a registration failure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
	}
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "registry", 0)
	cfg.Server.Port = 0
	r := NewRegistry(cfg, WithRegistryLogger(discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
