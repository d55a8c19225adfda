package scan

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultscan/internal/domain/nearby"
	"vaultscan/internal/domain/port"
	"vaultscan/internal/domain/vault"
)

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// vaultFetcher 奇数 ID 为 ETH-A，偶数 ID 为 WBTC-A
func vaultFetcher() nearby.FetcherFunc {
	return func(_ context.Context, id int64) (nearby.Record, error) {
		ilk := "ETH-A"
		if id%2 == 0 {
			ilk = "WBTC-A"
		}
		return nearby.Record{ID: id, Payload: &vault.Cdp{
			ID:         id,
			IlkName:    ilk,
			Collateral: new(big.Int).Set(wad),
			Debt:       new(big.Int).Set(wad),
		}}, nil
	}
}

type stubRates struct {
	calls atomic.Int32
	err   error
}

func (r *stubRates) Rates(context.Context) (map[string]*big.Int, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	ray := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	return map[string]*big.Int{"ETH-A": ray, "WBTC-A": ray}, nil
}

type memoryRuns struct {
	mu   sync.Mutex
	runs []*port.SearchRun
}

func (m *memoryRuns) CreateSearchRun(_ context.Context, run *port.SearchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memoryRuns) ListSearchRuns(_ context.Context, limit int) ([]*port.SearchRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]*port.SearchRun(nil), m.runs...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRuns) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Engine == nil {
		opts.Engine = &nearby.Config{TargetSize: 4, BatchSize: 4, MaxRetries: 1}
	}
	if opts.Sleep == nil {
		opts.Sleep = noSleep
	}
	svc := NewService(opts)
	t.Cleanup(svc.Close)
	return svc
}

func waitSession(t *testing.T, svc *Service) {
	t.Helper()
	sess := svc.Session()
	require.NotNil(t, sess)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Wait(ctx))
}

func TestStartSearchAppliesCollateralFilter(t *testing.T) {
	runs := &memoryRuns{}
	svc := newTestService(t, Options{Fetcher: vaultFetcher(), Rates: &stubRates{}, Runs: runs})

	view, err := svc.StartSearch(context.Background(), StartSearchRequest{TargetID: 101, CollateralType: "eth-a"})
	require.NoError(t, err)
	assert.Equal(t, nearby.StateRunning, view.State)
	waitSession(t, svc)

	cur := svc.Current(context.Background())
	assert.Equal(t, nearby.StateCompleted, cur.State)
	require.Len(t, cur.Results, 4)
	for _, v := range cur.Results {
		assert.Equal(t, "ETH-A", v.Ilk)
		assert.Equal(t, "1.00 DAI", v.DebtDisplay)
	}
	assert.Equal(t, "ETH-A", cur.Labels["collateral_type"])

	require.Eventually(t, func() bool { return runs.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	history, err := svc.History(context.Background(), 10)
	require.NoError(t, err)
	run := history[0]
	assert.Equal(t, port.RunStatusCompleted, run.Status)
	assert.Equal(t, int64(101), run.TargetID)
	assert.Equal(t, "ETH-A", run.CollateralType)
	assert.Equal(t, 4, run.Found)
	assert.Equal(t, []int64{101, 99, 103, 97}, run.ResultIDs)
}

func TestStartSearchRejectsInvalidInput(t *testing.T) {
	svc := newTestService(t, Options{Fetcher: vaultFetcher()})

	_, err := svc.StartSearch(context.Background(), StartSearchRequest{TargetID: 5, CollateralType: "DOGE-A"})
	assert.True(t, IsInvalidRequest(err))

	_, err = svc.StartSearch(context.Background(), StartSearchRequest{TargetID: -1})
	assert.True(t, IsInvalidRequest(err))
}

func TestSubscribeReceivesLifecycle(t *testing.T) {
	svc := newTestService(t, Options{Fetcher: vaultFetcher()})
	events, unsubscribe := svc.Subscribe(128)
	defer unsubscribe()

	_, err := svc.StartSearch(context.Background(), StartSearchRequest{TargetID: 50})
	require.NoError(t, err)

	var types []nearby.EventType
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case evt := <-events:
			types = append(types, evt.Type)
			done = evt.IsTerminal()
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}

	assert.Equal(t, nearby.EventTypeSearchStarted, types[0])
	assert.Equal(t, nearby.EventTypeSearchCompleted, types[len(types)-1])
	assert.Contains(t, types, nearby.EventTypeRecordResolved)
}

func TestCancelPersistsCancelledRun(t *testing.T) {
	release := make(chan struct{})
	blocking := nearby.FetcherFunc(func(ctx context.Context, id int64) (nearby.Record, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nearby.Record{}, ctx.Err()
	})
	runs := &memoryRuns{}
	svc := newTestService(t, Options{Fetcher: blocking, Runs: runs})
	defer close(release)

	_, err := svc.StartSearch(context.Background(), StartSearchRequest{TargetID: 10})
	require.NoError(t, err)
	assert.True(t, svc.Cancel())
	waitSession(t, svc)

	require.Eventually(t, func() bool { return runs.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	history, err := svc.History(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, port.RunStatusCancelled, history[0].Status)
	assert.Empty(t, history[0].Error)
}

func TestCollateralRatesCached(t *testing.T) {
	src := &stubRates{}
	svc := newTestService(t, Options{Fetcher: vaultFetcher(), Rates: src, RatesTTL: time.Hour})

	first, err := svc.CollateralRates(context.Background())
	require.NoError(t, err)
	_, err = svc.CollateralRates(context.Background())
	require.NoError(t, err)

	assert.Len(t, first, 2)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCollateralRatesError(t *testing.T) {
	svc := newTestService(t, Options{Fetcher: vaultFetcher(), Rates: &stubRates{err: errors.New("node down")}})

	_, err := svc.CollateralRates(context.Background())
	assert.Error(t, err)
}

func TestHistoryWithoutRepository(t *testing.T) {
	svc := newTestService(t, Options{Fetcher: vaultFetcher()})

	runs, err := svc.History(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
