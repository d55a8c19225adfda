package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultscan/internal/app/scan"
	"vaultscan/internal/domain/nearby"
	"vaultscan/internal/domain/vault"
)

// vaultFetcher release 非 nil 时每次查询阻塞到 release 关闭
func vaultFetcher(release <-chan struct{}) nearby.FetcherFunc {
	return func(ctx context.Context, id int64) (nearby.Record, error) {
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				return nearby.Record{}, ctx.Err()
			}
		}
		return nearby.Record{ID: id, Payload: &vault.Cdp{
			ID:         id,
			IlkName:    "ETH-A",
			Collateral: big.NewInt(1),
			Debt:       big.NewInt(1),
		}}, nil
	}
}

type fixedRates map[string]*big.Int

func (f fixedRates) Rates(context.Context) (map[string]*big.Int, error) { return f, nil }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestService(t *testing.T, f nearby.RecordFetcher) *scan.Service {
	t.Helper()
	ray := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	svc := scan.NewService(scan.Options{
		Engine:  &nearby.Config{TargetSize: 3, BatchSize: 3},
		Fetcher: f,
		Rates:   fixedRates{"ETH-A": ray},
		Sleep:   noSleep,
	})
	t.Cleanup(svc.Close)
	return svc
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return rr, resp
}

func waitSearch(t *testing.T, svc *scan.Service) {
	t.Helper()
	sess := svc.Session()
	require.NotNil(t, sess)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Wait(ctx))
}

func TestStartSearchAndReadCurrent(t *testing.T) {
	svc := newTestService(t, vaultFetcher(nil))
	h := NewServer(DefaultServerConfig(), svc).Handler()

	rr, resp := doRequest(t, h, http.MethodPost, "/api/v1/searches", `{"target_id":100,"collateral_type":"ETH-A"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	data := resp["data"].(map[string]interface{})
	assert.NotEmpty(t, data["session_id"])
	assert.Equal(t, float64(100), data["target_id"])

	waitSearch(t, svc)

	rr, resp = doRequest(t, h, http.MethodGet, "/api/v1/searches/current", "")
	require.Equal(t, http.StatusOK, rr.Code)
	data = resp["data"].(map[string]interface{})
	assert.Equal(t, "completed", data["state"])
	assert.Equal(t, false, data["loading"])
	results := data["results"].([]interface{})
	require.Len(t, results, 3)
	first := results[0].(map[string]interface{})
	assert.Equal(t, float64(100), first["id"])
	assert.Equal(t, "ETH-A", first["ilk"])
}

func TestStartSearchValidation(t *testing.T) {
	h := NewServer(DefaultServerConfig(), newTestService(t, vaultFetcher(nil))).Handler()

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed body", body: `{"target_id":`},
		{name: "non-positive target", body: `{"target_id":0}`},
		{name: "unknown collateral", body: `{"target_id":5,"collateral_type":"DOGE-A"}`},
		{name: "negative size", body: `{"target_id":5,"size":-2}`},
		{name: "size above max", body: `{"target_id":5,"size":501}`},
		{name: "huge size", body: `{"target_id":1,"size":4611686018427387904}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, resp := doRequest(t, h, http.MethodPost, "/api/v1/searches", tt.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, float64(http.StatusBadRequest), resp["code"])
		})
	}

	rr, _ := doRequest(t, h, http.MethodGet, "/api/v1/searches/current", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCancelWithoutSearch(t *testing.T) {
	h := NewServer(DefaultServerConfig(), newTestService(t, vaultFetcher(nil))).Handler()

	rr, resp := doRequest(t, h, http.MethodDelete, "/api/v1/searches/current", "")

	require.Equal(t, http.StatusOK, rr.Code)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, false, data["cancelled"])
	assert.Equal(t, "idle", data["search"].(map[string]interface{})["state"])
}

func TestCancelRunningSearch(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc := newTestService(t, vaultFetcher(release))
	h := NewServer(DefaultServerConfig(), svc).Handler()

	rr, _ := doRequest(t, h, http.MethodPost, "/api/v1/searches", `{"target_id":10}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr, resp := doRequest(t, h, http.MethodDelete, "/api/v1/searches/current", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, resp["data"].(map[string]interface{})["cancelled"])

	waitSearch(t, svc)
	assert.Equal(t, nearby.StateCancelled, svc.Session().State())
}

func TestHistoryAndRates(t *testing.T) {
	h := NewServer(DefaultServerConfig(), newTestService(t, vaultFetcher(nil))).Handler()

	rr, resp := doRequest(t, h, http.MethodGet, "/api/v1/searches/history?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, resp["data"])

	rr, _ = doRequest(t, h, http.MethodGet, "/api/v1/searches/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, resp = doRequest(t, h, http.MethodGet, "/api/v1/collateral-rates", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rates := resp["data"].(map[string]interface{})
	assert.Equal(t, "1000000000000000000000000000", rates["ETH-A"])
}

func TestStreamIdleSendsSnapshotAndDone(t *testing.T) {
	srv := httptest.NewServer(NewServer(DefaultServerConfig(), newTestService(t, vaultFetcher(nil))).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/searches/current/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "event: snapshot\n")
	assert.Contains(t, string(body), "event: done\n")
}

func TestStreamRunningSearchUntilCompletion(t *testing.T) {
	release := make(chan struct{})
	svc := newTestService(t, vaultFetcher(release))
	srv := httptest.NewServer(NewServer(DefaultServerConfig(), svc).Handler())
	defer srv.Close()

	_, err := svc.StartSearch(context.Background(), scan.StartSearchRequest{TargetID: 100})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/searches/current/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: snapshot\n", line)

	close(release)
	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	stream := string(rest)

	assert.Contains(t, stream, "event: record_resolved\n")
	assert.Contains(t, stream, `"vault":{"id":`)
	assert.Contains(t, stream, "event: search_completed\n")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(stream), "}"))
	assert.Less(t, strings.Index(stream, "event: search_completed"), strings.Index(stream, "event: done"))
}
