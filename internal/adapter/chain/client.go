package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	applog "vaultscan/internal/platform/log"
)

// ErrRateLimited 上游节点限流（HTTP 429 或 "Too Many Requests"）
var ErrRateLimited = errors.New("rpc: Too Many Requests")

// Config JSON-RPC 节点配置
type Config struct {
	RPCURL                     string        `json:"rpc_url"`
	RequestTimeout             time.Duration `json:"request_timeout"`
	RequestsPerSecond          float64       `json:"requests_per_second"` // 0 表示不限速
	ConnectTimeoutSeconds      int           `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds int           `json:"tls_handshake_timeout_seconds"`
}

// Caller 只读合约调用，*ethclient.Client 与 *Client 均满足
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client ethclient 包装：请求超时与限流错误归类
type Client struct {
	eth     *ethclient.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Dial 创建节点客户端；HTTP 端点为惰性连接，不会在此发起请求
func Dial(ctx context.Context, config Config) (*Client, error) {
	connectTimeout := time.Duration(config.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	tlsHandshakeTimeout := time.Duration(config.TLSHandshakeTimeoutSeconds) * time.Second
	if tlsHandshakeTimeout <= 0 {
		tlsHandshakeTimeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = tlsHandshakeTimeout

	var rt http.RoundTripper = transport
	if config.RequestsPerSecond > 0 {
		burst := max(1, int(config.RequestsPerSecond))
		rt = &limitedTransport{
			base:    transport,
			limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst),
		}
	}

	rpcClient, err := rpc.DialOptions(ctx, strings.TrimSpace(config.RPCURL), rpc.WithHTTPClient(&http.Client{Transport: rt}))
	if err != nil {
		return nil, fmt.Errorf("dial rpc %q: %w", config.RPCURL, err)
	}
	return &Client{
		eth:     ethclient.NewClient(rpcClient),
		timeout: config.RequestTimeout,
		logger:  applog.With("component", "chain_client"),
	}, nil
}

// CallContract 在 latest 区块（blockNumber 为 nil）执行只读合约调用
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, err := c.eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		err = classifyError(err)
		if errors.Is(err, ErrRateLimited) {
			c.logger.Debug("[Chain/RPC] Rate limited by node", "to", msg.To)
		}
		return nil, err
	}
	return out, nil
}

// Close 释放底层连接
func (c *Client) Close() {
	c.eth.Close()
}

// limitedTransport 每个 HTTP 请求发出前等待令牌
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}
	return t.base.RoundTrip(req)
}

// classifyError HTTP 429 与节点的限流消息统一包装为 ErrRateLimited，原错误仍可 errors.As
func classifyError(err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	if IsRateLimitMessage(err.Error()) {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}

// IsRateLimitMessage 判断错误消息是否为限流
func IsRateLimitMessage(msg string) bool {
	return strings.Contains(msg, "Too Many Requests")
}

// IsRateLimitError 判断错误是否为限流
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) || IsRateLimitMessage(err.Error())
}
