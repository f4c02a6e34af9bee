package registry

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"liquidityLedger/internal/model"
)

// Uniswap V3 factory deployment on Ethereum mainnet.
var (
	DefaultDeployer     = common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")
	DefaultInitCodeHash = common.HexToHash("0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54")
)

// AddressDeriver computes CREATE2 pool addresses for a factory.
type AddressDeriver struct {
	Deployer     common.Address
	InitCodeHash common.Hash
}

// DefaultAddressDeriver returns the deriver for the canonical V3 factory.
func DefaultAddressDeriver() AddressDeriver {
	return AddressDeriver{Deployer: DefaultDeployer, InitCodeHash: DefaultInitCodeHash}
}

// Address returns keccak256(0xff ++ deployer ++ salt ++ initCodeHash)[12:],
// salt = keccak256(abi.encode(token0, token1, fee)).
func (d AddressDeriver) Address(key model.PoolKey) common.Address {
	salt := crypto.Keccak256(
		common.LeftPadBytes(key.Token0.Bytes(), 32),
		common.LeftPadBytes(key.Token1.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(uint64(key.Fee)).Bytes(), 32),
	)
	return crypto.CreateAddress2(d.Deployer, common.BytesToHash(salt), d.InitCodeHash.Bytes())
}
