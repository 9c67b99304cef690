package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"cruize/core/events"
)

func loadToken(st State, token common.Address) (receiptToken, error) {
	cfg, err := requireActive(st)
	if err != nil {
		return receiptToken{}, err
	}
	if _, ok, err := st.AssetForToken(token); err != nil {
		return receiptToken{}, err
	} else if !ok {
		return receiptToken{}, ErrUnknownToken
	}
	return receiptToken{st: st, addr: token, owner: cfg.Vault}, nil
}

// BalanceOf returns holder's receipt token balance.
func (e *Engine) BalanceOf(token, holder common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.view(func(st State) error {
		t, err := loadToken(st, token)
		if err != nil {
			return err
		}
		out, err = t.balanceOf(holder)
		return err
	})
	return out, err
}

// TotalSupply returns the receipt token's outstanding supply.
func (e *Engine) TotalSupply(token common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.view(func(st State) error {
		t, err := loadToken(st, token)
		if err != nil {
			return err
		}
		out, err = t.totalSupply()
		return err
	})
	return out, err
}

// Allowance returns the amount spender may move on owner's behalf.
func (e *Engine) Allowance(token, owner, spender common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.view(func(st State) error {
		if _, err := loadToken(st, token); err != nil {
			return err
		}
		var err error
		out, err = st.Allowance(token, owner, spender)
		return err
	})
	return out, err
}

// Transfer moves receipt tokens between holders.
func (e *Engine) Transfer(caller, token, to common.Address, amount *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.update(func(st State, _ func(events.Event)) error {
		t, err := loadToken(st, token)
		if err != nil {
			return err
		}
		return t.transfer(caller, to, amount)
	})
}

// Approve sets spender's allowance over the caller's receipt tokens.
func (e *Engine) Approve(caller, token, spender common.Address, amount *big.Int) error {
	return e.update(func(st State, _ func(events.Event)) error {
		t, err := loadToken(st, token)
		if err != nil {
			return err
		}
		return t.approve(caller, spender, amount)
	})
}

// TransferFrom moves receipt tokens using an allowance granted to caller.
func (e *Engine) TransferFrom(caller, token, from, to common.Address, amount *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.update(func(st State, _ func(events.Event)) error {
		t, err := loadToken(st, token)
		if err != nil {
			return err
		}
		return t.transferFrom(caller, from, to, amount)
	})
}
