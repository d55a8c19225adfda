package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultscan/internal/domain/nearby"
	"vaultscan/internal/domain/vault"
)

const testVaultContract = "0x00000000000000000000000000000000000000aa"

var (
	ethARate = mustBig("1050000000000000000000000000")
	ray      = mustBig("1000000000000000000000000000")
)

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeNode 模拟 JSON-RPC 节点：getCdpInfo 与 ilks
type fakeNode struct {
	requests atomic.Int32
	// status 按 CDP id 覆盖 HTTP 状态码
	status map[int64]int
	// rpcErr 按 CDP id 返回 JSON-RPC 错误消息
	rpcErr map[int64]string
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.requests.Add(1)
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method != "eth_call" || len(req.Params) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var call struct {
		Input hexutil.Bytes `json:"input"`
		Data  hexutil.Bytes `json:"data"`
	}
	_ = json.Unmarshal(req.Params[0], &call)
	data := []byte(call.Input)
	if len(data) == 0 {
		data = call.Data
	}
	if len(data) < 4 {
		writeRPC(w, req.ID, nil, &rpcErrorBody{Code: -32000, Message: "execution reverted"})
		return
	}

	method, err := contractABI.MethodById(data[:4])
	if err != nil {
		writeRPC(w, req.ID, nil, &rpcErrorBody{Code: -32000, Message: "execution reverted"})
		return
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		writeRPC(w, req.ID, nil, &rpcErrorBody{Code: -32000, Message: err.Error()})
		return
	}

	var result []byte
	switch method.Name {
	case methodGetCdpInfo:
		id := args[0].(*big.Int).Int64()
		if code, ok := n.status[id]; ok {
			http.Error(w, http.StatusText(code), code)
			return
		}
		if msg, ok := n.rpcErr[id]; ok {
			writeRPC(w, req.ID, nil, &rpcErrorBody{Code: -32005, Message: msg})
			return
		}
		urn, owner, user := common.Address{}, common.Address{}, common.Address{}
		ilk := vault.EncodeIlk("ETH-A")
		if id < 1000 {
			urn, owner, user = common.BigToAddress(big.NewInt(1)), common.BigToAddress(big.NewInt(2)), common.BigToAddress(big.NewInt(3))
			if id%2 == 0 {
				ilk = vault.EncodeIlk("WBTC-A")
			}
		}
		result, err = method.Outputs.Pack(urn, owner, user, ilk, big.NewInt(id*1e15), big.NewInt(id*1e16))
	case methodIlks:
		ilk := args[0].([32]byte)
		rate := ray
		if vault.DecodeIlk(hexutil.Encode(ilk[:])) == "ETH-A" {
			rate = ethARate
		}
		result, err = method.Outputs.Pack(big.NewInt(1), rate, big.NewInt(0), big.NewInt(0), big.NewInt(0))
	}
	if err != nil {
		writeRPC(w, req.ID, nil, &rpcErrorBody{Code: -32000, Message: err.Error()})
		return
	}
	writeRPC(w, req.ID, result, nil)
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result []byte, rpcErr *rpcErrorBody) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = hexutil.Encode(result)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func dialTest(t *testing.T, url string, rps float64) *Client {
	t.Helper()
	client, err := Dial(context.Background(), Config{RPCURL: url, RequestTimeout: 5 * time.Second, RequestsPerSecond: rps})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func newFakeNode(t *testing.T) (*fakeNode, *Client) {
	t.Helper()
	node := &fakeNode{status: map[int64]int{}, rpcErr: map[int64]string{}}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	return node, dialTest(t, srv.URL, 0)
}

type mapCache struct {
	mu   sync.Mutex
	data map[int64]*vault.Cdp
}

func (c *mapCache) Get(_ context.Context, id int64) (*vault.Cdp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[id]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, cdp *vault.Cdp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[cdp.ID] = cdp
}

func TestContractABI(t *testing.T) {
	assert.Equal(t, "getCdpInfo(uint256)", contractABI.Methods[methodGetCdpInfo].Sig)
	assert.Equal(t, "ilks(bytes32)", contractABI.Methods[methodIlks].Sig)

	data, err := packGetCdpInfo(258)
	require.NoError(t, err)
	require.Len(t, data, 36)
	assert.Equal(t, contractABI.Methods[methodGetCdpInfo].ID, data[:4])
	assert.Equal(t, byte(0x01), data[34])
	assert.Equal(t, byte(0x02), data[35])
}

func TestUnpackShortOutput(t *testing.T) {
	_, err := unpackGetCdpInfo(make([]byte, 40))
	assert.Error(t, err)
}

func TestCdpFetcherDecodesVault(t *testing.T) {
	_, client := newFakeNode(t)
	f := NewCdpFetcher(client, testVaultContract, nil)

	rec, err := f.Fetch(context.Background(), 7)
	require.NoError(t, err)

	cdp, ok := rec.Payload.(*vault.Cdp)
	require.True(t, ok)
	assert.Equal(t, int64(7), rec.ID)
	assert.Equal(t, "0x0000000000000000000000000000000000000001", cdp.Urn)
	assert.Equal(t, "0x0000000000000000000000000000000000000002", cdp.Owner)
	assert.Equal(t, "0x0000000000000000000000000000000000000003", cdp.UserAddr)
	assert.Equal(t, "ETH-A", cdp.IlkName)
	assert.Equal(t, "7000000000000000", cdp.Collateral.String())
	assert.Equal(t, "70000000000000000", cdp.Debt.String())
}

func TestCdpFetcherMissingVault(t *testing.T) {
	_, client := newFakeNode(t)
	f := NewCdpFetcher(client, testVaultContract, nil)

	_, err := f.Fetch(context.Background(), 1001)

	assert.ErrorIs(t, err, ErrVaultNotFound)
	assert.False(t, errors.Is(err, nearby.ErrPrecondition))
}

func TestCdpFetcherRateLimit(t *testing.T) {
	node, client := newFakeNode(t)
	node.status[9] = http.StatusTooManyRequests
	node.rpcErr[11] = "project ID request rate exceeded: Too Many Requests"
	f := NewCdpFetcher(client, testVaultContract, nil)

	_, err := f.Fetch(context.Background(), 9)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, IsRateLimitError(err))
	var httpErr rpc.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)

	_, err = f.Fetch(context.Background(), 11)
	assert.ErrorIs(t, err, ErrRateLimited)
	var rpcErr rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32005, rpcErr.ErrorCode())
}

func TestCdpFetcherPreconditions(t *testing.T) {
	_, err := NewCdpFetcher(nil, testVaultContract, nil).Fetch(context.Background(), 1)
	assert.ErrorIs(t, err, nearby.ErrPrecondition)

	_, client := newFakeNode(t)
	_, err = NewCdpFetcher(client, "", nil).Fetch(context.Background(), 1)
	assert.ErrorIs(t, err, nearby.ErrPrecondition)

	_, err = NewCdpFetcher(client, "not-an-address", nil).Fetch(context.Background(), 1)
	assert.ErrorIs(t, err, nearby.ErrPrecondition)
}

func TestCdpFetcherUsesCache(t *testing.T) {
	node, client := newFakeNode(t)
	cache := &mapCache{data: map[int64]*vault.Cdp{}}
	f := NewCdpFetcher(client, testVaultContract, cache)

	first, err := f.Fetch(context.Background(), 3)
	require.NoError(t, err)
	second, err := f.Fetch(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, int32(1), node.requests.Load())
	assert.Same(t, first.Payload, second.Payload)
}

func TestRateReader(t *testing.T) {
	_, client := newFakeNode(t)
	r := NewRateReader(client, testVaultContract)

	rates, err := r.Rates(context.Background())
	require.NoError(t, err)

	assert.Len(t, rates, 3)
	assert.Equal(t, ethARate.String(), rates["ETH-A"].String())
	assert.Equal(t, ray.String(), rates["USDC-A"].String())

	_, err = NewRateReader(nil, "").Rate(context.Background(), vault.CollateralETHA)
	assert.ErrorIs(t, err, nearby.ErrPrecondition)
}

func TestClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()
	client := dialTest(t, srv.URL, 0)
	to := common.HexToAddress(testVaultContract)

	_, err := client.CallContract(context.Background(), ethereum.CallMsg{To: &to, Data: []byte{1, 2, 3, 4}}, nil)

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "502"))
	assert.False(t, IsRateLimitError(err))
}

func TestLimitedTransportHonoursContext(t *testing.T) {
	node := &fakeNode{status: map[int64]int{}, rpcErr: map[int64]string{}}
	srv := httptest.NewServer(node)
	defer srv.Close()
	// 每秒 1 个令牌：第一次立即通过，第二次需等待约 1 秒
	client := dialTest(t, srv.URL, 1)
	f := NewCdpFetcher(client, testVaultContract, nil)

	_, err := f.Fetch(context.Background(), 5)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, 7)

	assert.Error(t, err)
	assert.Equal(t, int32(1), node.requests.Load())
}
