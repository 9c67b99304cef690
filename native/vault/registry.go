package vault

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"cruize/core/events"
)

// CreateReserve registers asset, deploying its receipt token under the vault.
// Only the owner may register reserves and each asset registers once.
func (e *Engine) CreateReserve(caller common.Address, params ReserveParams) (*Reserve, error) {
	var created *Reserve
	err := e.update(func(st State, emit func(events.Event)) error {
		cfg, err := requireOwner(st, caller)
		if err != nil {
			return err
		}
		if params.Asset == (common.Address{}) || params.Oracle == (common.Address{}) {
			return ErrZeroAddress
		}
		name := strings.TrimSpace(params.Name)
		if name == "" {
			return ErrEmptyName
		}
		symbol := strings.TrimSpace(params.Symbol)
		if symbol == "" {
			return ErrEmptySymbol
		}
		floor := big.NewInt(0)
		if params.PriceFloor != nil {
			if params.PriceFloor.Sign() < 0 {
				return ErrNegativeFloor
			}
			floor.Set(params.PriceFloor)
		}
		if _, exists, err := st.Reserve(params.Asset); err != nil {
			return err
		} else if exists {
			return ErrAssetAlreadyExists
		}

		token := ethcrypto.CreateAddress(cfg.Vault, cfg.TokenNonce)
		next := cfg.Clone()
		next.TokenNonce++
		if err := st.PutConfig(next); err != nil {
			return err
		}
		now := uint64(e.now().Unix())
		reserve := &Reserve{
			Asset:      params.Asset,
			Token:      token,
			Oracle:     params.Oracle,
			Name:       name,
			Symbol:     symbol,
			Decimals:   params.Decimals,
			PriceFloor: floor,
			CreatedAt:  now,
		}
		if err := st.PutReserve(reserve); err != nil {
			return err
		}
		if err := st.PutLedger(params.Asset, &Ledger{
			Buffer:    big.NewInt(0),
			Supplied:  big.NewInt(0),
			FeesPaid:  big.NewInt(0),
			LastFeeAt: now,
		}); err != nil {
			return err
		}
		created = reserve.Clone()
		emit(events.CreateToken{Asset: params.Asset, Token: token, Name: name, Symbol: symbol})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// SetPriceFloor updates the withdrawal floor of an existing reserve.
func (e *Engine) SetPriceFloor(caller, asset common.Address, floor *big.Int) error {
	if floor == nil || floor.Sign() < 0 {
		return ErrNegativeFloor
	}
	return e.update(func(st State, emit func(events.Event)) error {
		if _, err := requireOwner(st, caller); err != nil {
			return err
		}
		reserve, err := requireReserve(st, asset)
		if err != nil {
			return err
		}
		next := reserve.Clone()
		previous := zeroIfNil(next.PriceFloor)
		next.PriceFloor = new(big.Int).Set(floor)
		if err := st.PutReserve(next); err != nil {
			return err
		}
		emit(events.PriceFloorUpdated{Asset: asset, Previous: previous, Floor: new(big.Int).Set(floor)})
		return nil
	})
}

// Reserve returns the registry entry for asset.
func (e *Engine) Reserve(asset common.Address) (*Reserve, error) {
	var out *Reserve
	err := e.view(func(st State) error {
		reserve, err := requireReserve(st, asset)
		if err != nil {
			return err
		}
		out = reserve.Clone()
		return nil
	})
	return out, err
}

// Reserves lists every registered reserve in registration order.
func (e *Engine) Reserves() ([]*Reserve, error) {
	var out []*Reserve
	err := e.view(func(st State) error {
		assets, err := st.ReserveAssets()
		if err != nil {
			return err
		}
		out = make([]*Reserve, 0, len(assets))
		for _, asset := range assets {
			reserve, err := requireReserve(st, asset)
			if err != nil {
				return err
			}
			out = append(out, reserve.Clone())
		}
		return nil
	})
	return out, err
}

// ReceiptToken returns the receipt token deployed for asset.
func (e *Engine) ReceiptToken(asset common.Address) (common.Address, error) {
	reserve, err := e.Reserve(asset)
	if err != nil {
		return common.Address{}, err
	}
	return reserve.Token, nil
}
