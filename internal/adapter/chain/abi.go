package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// vaultABI 金库视图合约中用到的两个只读方法
const vaultABI = `[
  {"type":"function","name":"getCdpInfo","stateMutability":"view",
   "inputs":[{"name":"cdpId","type":"uint256"}],
   "outputs":[
     {"name":"urn","type":"address"},
     {"name":"owner","type":"address"},
     {"name":"userAddr","type":"address"},
     {"name":"ilk","type":"bytes32"},
     {"name":"collateral","type":"uint256"},
     {"name":"debt","type":"uint256"}]},
  {"type":"function","name":"ilks","stateMutability":"view",
   "inputs":[{"name":"ilk","type":"bytes32"}],
   "outputs":[
     {"name":"Art","type":"uint256"},
     {"name":"rate","type":"uint256"},
     {"name":"spot","type":"uint256"},
     {"name":"line","type":"uint256"},
     {"name":"dust","type":"uint256"}]}
]`

const (
	methodGetCdpInfo = "getCdpInfo"
	methodIlks       = "ilks"
)

var contractABI = mustParseABI(vaultABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid contract abi: %v", err))
	}
	return parsed
}

// cdpInfo getCdpInfo 的返回值
type cdpInfo struct {
	Urn        common.Address
	Owner      common.Address
	UserAddr   common.Address
	Ilk        [32]byte
	Collateral *big.Int
	Debt       *big.Int
}

// ilkInfo ilks 的返回值（Vat.Ilk）
type ilkInfo struct {
	Art  *big.Int
	Rate *big.Int
	Spot *big.Int
	Line *big.Int
	Dust *big.Int
}

func packGetCdpInfo(id int64) ([]byte, error) {
	return contractABI.Pack(methodGetCdpInfo, big.NewInt(id))
}

func unpackGetCdpInfo(out []byte) (*cdpInfo, error) {
	var info cdpInfo
	if err := contractABI.UnpackIntoInterface(&info, methodGetCdpInfo, out); err != nil {
		return nil, err
	}
	return &info, nil
}

func packIlks(ilk [32]byte) ([]byte, error) {
	return contractABI.Pack(methodIlks, ilk)
}

func unpackIlks(out []byte) (*ilkInfo, error) {
	var info ilkInfo
	if err := contractABI.UnpackIntoInterface(&info, methodIlks, out); err != nil {
		return nil, err
	}
	return &info, nil
}
