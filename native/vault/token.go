package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// receiptToken is the balance table of one reserve's receipt token. Mint and
// burn are restricted to the recorded owner; transfers are open to holders.
type receiptToken struct {
	st    State
	addr  common.Address
	owner common.Address
}

func (t receiptToken) balanceOf(holder common.Address) (*big.Int, error) {
	return t.st.TokenBalance(t.addr, holder)
}

func (t receiptToken) totalSupply() (*big.Int, error) {
	return t.st.TokenSupply(t.addr)
}

func (t receiptToken) mint(caller, to common.Address, amount *big.Int) error {
	if caller != t.owner {
		return ErrNotTokenOwner
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrZeroAmount
	}
	balance, err := t.balanceOf(to)
	if err != nil {
		return err
	}
	supply, err := t.totalSupply()
	if err != nil {
		return err
	}
	if err := t.st.PutTokenBalance(t.addr, to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return t.st.PutTokenSupply(t.addr, new(big.Int).Add(supply, amount))
}

func (t receiptToken) burn(caller, from common.Address, amount *big.Int) error {
	if caller != t.owner {
		return ErrNotTokenOwner
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrZeroAmount
	}
	balance, err := t.balanceOf(from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrBurnExceedsBalance
	}
	supply, err := t.totalSupply()
	if err != nil {
		return err
	}
	if err := t.st.PutTokenBalance(t.addr, from, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return t.st.PutTokenSupply(t.addr, new(big.Int).Sub(supply, amount))
}

func (t receiptToken) transfer(from, to common.Address, amount *big.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrZeroAmount
	}
	fromBalance, err := t.balanceOf(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrTransferExceedsBalance
	}
	if from == to {
		return nil
	}
	toBalance, err := t.balanceOf(to)
	if err != nil {
		return err
	}
	if err := t.st.PutTokenBalance(t.addr, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return t.st.PutTokenBalance(t.addr, to, new(big.Int).Add(toBalance, amount))
}

func (t receiptToken) approve(owner, spender common.Address, amount *big.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrZeroAmount
	}
	return t.st.PutAllowance(t.addr, owner, spender, new(big.Int).Set(amount))
}

func (t receiptToken) transferFrom(spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrZeroAmount
	}
	allowance, err := t.st.Allowance(t.addr, from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := t.transfer(from, to, amount); err != nil {
		return err
	}
	// An unlimited approval is never drawn down.
	if isMax(allowance) {
		return nil
	}
	return t.st.PutAllowance(t.addr, from, spender, new(big.Int).Sub(allowance, amount))
}
