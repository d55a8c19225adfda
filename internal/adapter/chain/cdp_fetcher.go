package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"vaultscan/internal/domain/nearby"
	"vaultscan/internal/domain/vault"
	applog "vaultscan/internal/platform/log"
)

// ErrVaultNotFound 合约对不存在的 CDP 返回全零
var ErrVaultNotFound = errors.New("vault not found")

// CdpFetcher 通过 getCdpInfo 点查金库，实现 nearby.RecordFetcher
type CdpFetcher struct {
	caller  Caller
	address common.Address
	cache   vault.Cache
	logger  *slog.Logger
}

// NewCdpFetcher 创建金库查询器；cache 可为 nil
func NewCdpFetcher(caller Caller, address string, cache vault.Cache) *CdpFetcher {
	return &CdpFetcher{
		caller:  caller,
		address: parseAddress(address),
		cache:   cache,
		logger:  applog.With("component", "cdp_fetcher"),
	}
}

// Fetch 实现 nearby.RecordFetcher
func (f *CdpFetcher) Fetch(ctx context.Context, id int64) (nearby.Record, error) {
	if f.caller == nil {
		return nearby.Record{}, fmt.Errorf("%w: chain client is not initialized", nearby.ErrPrecondition)
	}
	if f.address == (common.Address{}) {
		return nearby.Record{}, fmt.Errorf("%w: vault contract address is not configured", nearby.ErrPrecondition)
	}
	if id <= 0 {
		return nearby.Record{}, fmt.Errorf("invalid vault id %d", id)
	}

	if f.cache != nil {
		if cdp, ok := f.cache.Get(ctx, id); ok {
			return nearby.Record{ID: id, Payload: cdp}, nil
		}
	}

	data, err := packGetCdpInfo(id)
	if err != nil {
		return nearby.Record{}, err
	}
	out, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: data}, nil)
	if err != nil {
		if IsRateLimitError(err) && !errors.Is(err, ErrRateLimited) {
			err = fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nearby.Record{}, fmt.Errorf("getCdpInfo(%d): %w", id, err)
	}

	cdp, err := decodeCdpInfo(id, out)
	if err != nil {
		return nearby.Record{}, err
	}

	if f.cache != nil {
		f.cache.Set(ctx, cdp)
	}
	f.logger.Debug("[Chain/Cdp] Vault fetched", "id", id, "ilk", cdp.IlkName)
	return nearby.Record{ID: id, Payload: cdp}, nil
}

// decodeCdpInfo 解码 (address urn, address owner, address userAddr, bytes32 ilk, uint256 collateral, uint256 debt)
func decodeCdpInfo(id int64, out []byte) (*vault.Cdp, error) {
	info, err := unpackGetCdpInfo(out)
	if err != nil {
		return nil, fmt.Errorf("decode getCdpInfo(%d): %w", id, err)
	}
	if info.Urn == (common.Address{}) && info.Owner == (common.Address{}) {
		return nil, fmt.Errorf("cdp %d: %w", id, ErrVaultNotFound)
	}

	cdp := &vault.Cdp{
		ID:         id,
		Urn:        info.Urn.Hex(),
		Owner:      info.Owner.Hex(),
		UserAddr:   info.UserAddr.Hex(),
		Ilk:        hexutil.Encode(info.Ilk[:]),
		Collateral: info.Collateral,
		Debt:       info.Debt,
	}
	cdp.IlkName = vault.DecodeIlk(cdp.Ilk)
	return cdp, nil
}

// parseAddress 非法或空地址返回零地址，由调用方按未配置处理
func parseAddress(raw string) common.Address {
	if !common.IsHexAddress(raw) {
		return common.Address{}
	}
	return common.HexToAddress(raw)
}
