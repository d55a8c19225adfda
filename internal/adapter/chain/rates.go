package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"vaultscan/internal/domain/nearby"
	"vaultscan/internal/domain/vault"
)

// RateReader 读取各抵押品类型的稳定费累加器 rate（ray 精度）
type RateReader struct {
	caller  Caller
	address common.Address
}

// NewRateReader 创建费率读取器
func NewRateReader(caller Caller, address string) *RateReader {
	return &RateReader{caller: caller, address: parseAddress(address)}
}

// Rate 读取单个 ilk 的 rate：ilks(bytes32) 返回 (Art, rate, spot, line, dust)
func (r *RateReader) Rate(ctx context.Context, ct vault.CollateralType) (*big.Int, error) {
	if r.caller == nil || r.address == (common.Address{}) {
		return nil, fmt.Errorf("%w: rates contract is not configured", nearby.ErrPrecondition)
	}
	data, err := packIlks(vault.EncodeIlk(string(ct)))
	if err != nil {
		return nil, err
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ilks(%s): %w", ct, err)
	}
	info, err := unpackIlks(out)
	if err != nil {
		return nil, fmt.Errorf("decode ilks(%s): %w", ct, err)
	}
	return info.Rate, nil
}

// Rates 并发读取所有具体抵押品类型的 rate，按 ilk 名称索引
func (r *RateReader) Rates(ctx context.Context) (map[string]*big.Int, error) {
	types := vault.CollateralTypes()
	rates := make([]*big.Int, len(types))

	g, ctx := errgroup.WithContext(ctx)
	for i, ct := range types {
		g.Go(func() error {
			rate, err := r.Rate(ctx, ct)
			if err != nil {
				return err
			}
			rates[i] = rate
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*big.Int, len(types))
	for i, ct := range types {
		out[string(ct)] = rates[i]
	}
	return out, nil
}
