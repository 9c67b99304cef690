package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// State is the view of persisted vault data available inside a transaction.
// Missing numeric entries read as zero; missing records report ok=false.
type State interface {
	Config() (*Config, error)
	PutConfig(cfg *Config) error

	Reserve(asset common.Address) (*Reserve, bool, error)
	PutReserve(reserve *Reserve) error
	ReserveAssets() ([]common.Address, error)
	AssetForToken(token common.Address) (common.Address, bool, error)

	Ledger(asset common.Address) (*Ledger, error)
	PutLedger(asset common.Address, ledger *Ledger) error

	TokenBalance(token, holder common.Address) (*big.Int, error)
	PutTokenBalance(token, holder common.Address, amount *big.Int) error
	TokenSupply(token common.Address) (*big.Int, error)
	PutTokenSupply(token common.Address, amount *big.Int) error
	Allowance(token, owner, spender common.Address) (*big.Int, error)
	PutAllowance(token, owner, spender common.Address, amount *big.Int) error

	// Balance is the custody balance of holder in the underlying asset.
	Balance(asset, holder common.Address) (*big.Int, error)
	PutBalance(asset, holder common.Address, amount *big.Int) error
}

// Store runs callbacks against State. Update commits every write made by fn
// in one step, or none of them when fn returns an error.
type Store interface {
	View(fn func(State) error) error
	Update(fn func(State) error) error
}

// PriceOracle resolves the latest answer of a price feed.
type PriceOracle interface {
	Price(ctx context.Context, feed common.Address) (Price, error)
}
