package aave

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cruize/native/vault"
)

// Version selects the pool interface.
type Version int

const (
	V2 Version = 2
	V3 Version = 3
)

// variableRateMode is the pool's interest rate mode for variable debt.
var variableRateMode = big.NewInt(2)

var (
	ErrNoSigner           = errors.New("aave: signing key required")
	ErrUnsupportedVersion = errors.New("aave: unsupported pool version")
	ErrTransactionFailed  = errors.New("aave: transaction reverted")
	ErrNativeDebt         = errors.New("aave: native asset cannot be borrowed or repaid")
	ErrMissingGateway     = errors.New("aave: WETH gateway required for native asset")
)

// Backend is the subset of the Ethereum JSON-RPC client used by the market.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config wires a market to deployed contracts.
type Config struct {
	Version Version
	Pool    common.Address
	// Gateway and WETH route the native asset sentinel.
	Gateway      common.Address
	WETH         common.Address
	ReferralCode uint16
	// BaseDecimals is the precision of getUserAccountData. V3 reports 8,
	// V2 reports 18.
	BaseDecimals uint8
	PollInterval time.Duration
}

// Market implements vault.Market against an Aave pool over JSON-RPC. Every
// transaction is signed by key, whose address is the account holding the
// position.
type Market struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	cfg     Config
	pool    abi.ABI
	aIndex  int
	dIndex  int
	tracer  trace.Tracer

	chainMu sync.Mutex
	chainID *big.Int
}

var _ vault.Market = (*Market)(nil)

// NewMarket validates cfg and binds the signing key.
func NewMarket(backend Backend, key *ecdsa.PrivateKey, cfg Config) (*Market, error) {
	if backend == nil {
		return nil, fmt.Errorf("aave: backend required")
	}
	if key == nil {
		return nil, ErrNoSigner
	}
	if cfg.Pool == (common.Address{}) {
		return nil, fmt.Errorf("aave: pool address required")
	}
	m := &Market{
		backend: backend,
		key:     key,
		from:    gethcrypto.PubkeyToAddress(key.PublicKey),
		cfg:     cfg,
		tracer:  otel.Tracer("vaultd/aave"),
	}
	switch cfg.Version {
	case V2:
		m.pool, m.aIndex, m.dIndex = poolV2ABI, v2ATokenIndex, v2DebtTokenIndex
		if m.cfg.BaseDecimals == 0 {
			m.cfg.BaseDecimals = 18
		}
	case V3:
		m.pool, m.aIndex, m.dIndex = poolV3ABI, v3ATokenIndex, v3DebtTokenIndex
		if m.cfg.BaseDecimals == 0 {
			m.cfg.BaseDecimals = 8
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, cfg.Version)
	}
	if m.cfg.PollInterval <= 0 {
		m.cfg.PollInterval = 2 * time.Second
	}
	return m, nil
}

// Account returns the signer's address.
func (m *Market) Account() common.Address {
	if m == nil {
		return common.Address{}
	}
	return m.from
}

func (m *Market) span(ctx context.Context, name string, asset common.Address) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("aave.pool", m.cfg.Pool.Hex()),
		attribute.Int("aave.version", int(m.cfg.Version)),
		attribute.String("asset", asset.Hex()),
	))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// marketAsset maps the native sentinel onto the wrapped token listed by the
// pool.
func (m *Market) marketAsset(asset common.Address) common.Address {
	if asset == vault.NativeAsset && m.cfg.WETH != (common.Address{}) {
		return m.cfg.WETH
	}
	return asset
}

// Supply deposits amount into the pool. The native asset goes through the
// WETH gateway; tokens are approved to the pool first.
func (m *Market) Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) (err error) {
	ctx, span := m.span(ctx, "aave.supply", asset)
	defer func() { finish(span, err) }()

	if asset == vault.NativeAsset {
		if m.cfg.Gateway == (common.Address{}) {
			return ErrMissingGateway
		}
		data, err := gatewayABI.Pack("depositETH", m.cfg.Pool, onBehalfOf, m.cfg.ReferralCode)
		if err != nil {
			return err
		}
		_, err = m.transact(ctx, m.cfg.Gateway, amount, data)
		return err
	}
	if err := m.approve(ctx, asset, m.cfg.Pool, amount); err != nil {
		return err
	}
	method := "supply"
	if m.cfg.Version == V2 {
		method = "deposit"
	}
	data, err := m.pool.Pack(method, asset, amount, onBehalfOf, m.cfg.ReferralCode)
	if err != nil {
		return err
	}
	_, err = m.transact(ctx, m.cfg.Pool, nil, data)
	return err
}

// Withdraw redeems amount of the signer's supply to to and returns what the
// pool released, as reported by a simulation of the same call.
func (m *Market) Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) (released *big.Int, err error) {
	ctx, span := m.span(ctx, "aave.withdraw", asset)
	defer func() { finish(span, err) }()

	if asset == vault.NativeAsset {
		if m.cfg.Gateway == (common.Address{}) {
			return nil, ErrMissingGateway
		}
		reserve, err := m.ReserveData(ctx, asset)
		if err != nil {
			return nil, err
		}
		released = new(big.Int).Set(amount)
		if amount.Cmp(vault.MaxAmount) == 0 {
			if released, err = m.balanceOf(ctx, reserve.ATokenAddress, m.from); err != nil {
				return nil, err
			}
		}
		if err := m.approve(ctx, reserve.ATokenAddress, m.cfg.Gateway, amount); err != nil {
			return nil, err
		}
		data, err := gatewayABI.Pack("withdrawETH", m.cfg.Pool, amount, to)
		if err != nil {
			return nil, err
		}
		if _, err := m.transact(ctx, m.cfg.Gateway, nil, data); err != nil {
			return nil, err
		}
		return released, nil
	}

	data, err := m.pool.Pack("withdraw", asset, amount, to)
	if err != nil {
		return nil, err
	}
	if released, err = m.simulateUint(ctx, "withdraw", data); err != nil {
		return nil, err
	}
	if _, err := m.transact(ctx, m.cfg.Pool, nil, data); err != nil {
		return nil, err
	}
	return released, nil
}

// Borrow draws variable-rate debt for onBehalfOf.
func (m *Market) Borrow(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) (err error) {
	ctx, span := m.span(ctx, "aave.borrow", asset)
	defer func() { finish(span, err) }()
	if asset == vault.NativeAsset {
		return ErrNativeDebt
	}
	data, err := m.pool.Pack("borrow", asset, amount, variableRateMode, m.cfg.ReferralCode, onBehalfOf)
	if err != nil {
		return err
	}
	_, err = m.transact(ctx, m.cfg.Pool, nil, data)
	return err
}

// Repay settles variable debt of onBehalfOf and returns the repaid amount.
func (m *Market) Repay(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) (repaid *big.Int, err error) {
	ctx, span := m.span(ctx, "aave.repay", asset)
	defer func() { finish(span, err) }()
	if asset == vault.NativeAsset {
		return nil, ErrNativeDebt
	}
	if err := m.approve(ctx, asset, m.cfg.Pool, amount); err != nil {
		return nil, err
	}
	data, err := m.pool.Pack("repay", asset, amount, variableRateMode, onBehalfOf)
	if err != nil {
		return nil, err
	}
	if repaid, err = m.simulateUint(ctx, "repay", data); err != nil {
		return nil, err
	}
	if _, err := m.transact(ctx, m.cfg.Pool, nil, data); err != nil {
		return nil, err
	}
	return repaid, nil
}

// ReserveData reads the aToken and variable debt token for asset.
func (m *Market) ReserveData(ctx context.Context, asset common.Address) (vault.ReserveData, error) {
	out, err := m.call(ctx, m.pool, m.cfg.Pool, "getReserveData", m.marketAsset(asset))
	if err != nil {
		return vault.ReserveData{}, err
	}
	if len(out) <= m.dIndex {
		return vault.ReserveData{}, fmt.Errorf("aave: short getReserveData result")
	}
	aToken, ok := out[m.aIndex].(common.Address)
	if !ok {
		return vault.ReserveData{}, fmt.Errorf("aave: unexpected aToken field %T", out[m.aIndex])
	}
	debtToken, ok := out[m.dIndex].(common.Address)
	if !ok {
		return vault.ReserveData{}, fmt.Errorf("aave: unexpected debt token field %T", out[m.dIndex])
	}
	return vault.ReserveData{ATokenAddress: aToken, VariableDebtTokenAddress: debtToken}, nil
}

// UserAccountData reads the account's aggregate position and rescales base
// amounts to 8 decimals.
func (m *Market) UserAccountData(ctx context.Context, account common.Address) (vault.AccountData, error) {
	out, err := m.call(ctx, m.pool, m.cfg.Pool, "getUserAccountData", account)
	if err != nil {
		return vault.AccountData{}, err
	}
	if len(out) != 6 {
		return vault.AccountData{}, fmt.Errorf("aave: unexpected getUserAccountData result")
	}
	values := make([]*big.Int, len(out))
	for i, v := range out {
		n, ok := v.(*big.Int)
		if !ok {
			return vault.AccountData{}, fmt.Errorf("aave: unexpected account field %T", v)
		}
		values[i] = n
	}
	return vault.AccountData{
		TotalCollateralBase:         m.rescale(values[0]),
		TotalDebtBase:               m.rescale(values[1]),
		AvailableBorrowsBase:        m.rescale(values[2]),
		CurrentLiquidationThreshold: values[3],
		LTV:                         values[4],
		HealthFactor:                values[5],
	}, nil
}

// DebtBalance reads the variable debt token balance of account.
func (m *Market) DebtBalance(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	reserve, err := m.ReserveData(ctx, asset)
	if err != nil {
		return nil, err
	}
	return m.balanceOf(ctx, reserve.VariableDebtTokenAddress, account)
}

func (m *Market) rescale(v *big.Int) *big.Int {
	const target = 8
	switch {
	case m.cfg.BaseDecimals > target:
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(m.cfg.BaseDecimals-target)), nil)
		return new(big.Int).Quo(v, div)
	case m.cfg.BaseDecimals < target:
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(target-m.cfg.BaseDecimals)), nil)
		return new(big.Int).Mul(v, mul)
	default:
		return new(big.Int).Set(v)
	}
}

func (m *Market) balanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	out, err := m.call(ctx, erc20ABI, token, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("aave: unexpected balanceOf result")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("aave: unexpected balance type %T", out[0])
	}
	return balance, nil
}

func (m *Market) approve(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return err
	}
	_, err = m.transact(ctx, token, nil, data)
	return err
}

func (m *Market) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := m.backend.CallContract(ctx, ethereum.CallMsg{From: m.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("aave: call %s: %w", method, err)
	}
	return contract.Unpack(method, raw)
}

func (m *Market) simulateUint(ctx context.Context, method string, data []byte) (*big.Int, error) {
	pool := m.cfg.Pool
	raw, err := m.backend.CallContract(ctx, ethereum.CallMsg{From: m.from, To: &pool, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("aave: simulate %s: %w", method, err)
	}
	out, err := m.pool.Unpack(method, raw)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("aave: unexpected %s result", method)
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("aave: unexpected %s result type %T", method, out[0])
	}
	return value, nil
}

// transact signs and submits an EIP-1559 transaction and waits for a
// successful receipt.
func (m *Market) transact(ctx context.Context, to common.Address, value *big.Int, data []byte) (*gethtypes.Receipt, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	chainID, err := m.chain(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := m.backend.PendingNonceAt(ctx, m.from)
	if err != nil {
		return nil, fmt.Errorf("aave: nonce: %w", err)
	}
	tip, err := m.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("aave: gas tip: %w", err)
	}
	head, err := m.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("aave: head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := m.backend.EstimateGas(ctx, ethereum.CallMsg{From: m.from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("aave: estimate gas: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), m.key)
	if err != nil {
		return nil, fmt.Errorf("aave: sign: %w", err)
	}
	if err := m.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("aave: send: %w", err)
	}
	return m.waitMined(ctx, signed.Hash())
}

func (m *Market) chain(ctx context.Context) (*big.Int, error) {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()
	if m.chainID != nil {
		return m.chainID, nil
	}
	id, err := m.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("aave: chain id: %w", err)
	}
	m.chainID = id
	return id, nil
}

func (m *Market) waitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := m.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTransactionFailed, hash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("aave: receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
