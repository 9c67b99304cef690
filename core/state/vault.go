package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"cruize/native/vault"
	"cruize/storage"
)

var (
	vaultConfigKey         = []byte("vault/config")
	vaultReserveListKey    = []byte("vault/reserves")
	vaultReservePrefix     = []byte("vault/reserve/")
	vaultTokenAssetPrefix  = []byte("vault/token-asset/")
	vaultLedgerPrefix      = []byte("vault/ledger/")
	vaultBalancePrefix     = []byte("vault/token/balance/")
	vaultSupplyPrefix      = []byte("vault/token/supply/")
	vaultAllowancePrefix   = []byte("vault/token/allowance/")
	vaultCustodyPrefix     = []byte("vault/custody/")
	errReadOnlyTransaction = errors.New("vault state: write in read-only transaction")
)

func vaultKey(prefix []byte, parts ...common.Address) []byte {
	key := make([]byte, 0, len(prefix)+len(parts)*common.AddressLength)
	key = append(key, prefix...)
	for _, part := range parts {
		key = append(key, part.Bytes()...)
	}
	return key
}

// VaultStore persists vault state in a key-value database. Every Update runs
// against a write overlay that is flushed as one storage batch. Updates are
// serialised among themselves but only exclude readers while the batch is
// written, so a View never waits on an update's market calls.
type VaultStore struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	db      storage.Database
}

// NewVaultStore wraps db.
func NewVaultStore(db storage.Database) *VaultStore {
	return &VaultStore{db: db}
}

// View runs fn against the committed state.
func (s *VaultStore) View(fn func(vault.State) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state manager unavailable")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&vaultTxn{db: s.db, readOnly: true})
}

// Update runs fn against a staged transaction and commits its writes
// atomically when fn succeeds.
func (s *VaultStore) Update(fn func(vault.State) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state manager unavailable")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx := &vaultTxn{db: s.db, writes: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	for _, key := range tx.order {
		batch.Put([]byte(key), tx.writes[key])
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return batch.Write()
}

type vaultTxn struct {
	db       storage.Database
	readOnly bool
	writes   map[string][]byte
	order    []string
}

func (t *vaultTxn) get(key []byte) ([]byte, error) {
	if value, ok := t.writes[string(key)]; ok {
		return value, nil
	}
	value, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (t *vaultTxn) put(key []byte, value interface{}) error {
	if t.readOnly {
		return errReadOnlyTransaction
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	k := string(key)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = encoded
	return nil
}

func (t *vaultTxn) decode(key []byte, out interface{}) (bool, error) {
	data, err := t.get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (t *vaultTxn) getInt(key []byte) (*big.Int, error) {
	value := new(big.Int)
	if _, err := t.decode(key, value); err != nil {
		return nil, err
	}
	return value, nil
}

func (t *vaultTxn) putInt(key []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("vault state: negative amount under %x", key)
	}
	return t.put(key, amount)
}

func (t *vaultTxn) Config() (*vault.Config, error) {
	cfg := new(vault.Config)
	if _, err := t.decode(vaultConfigKey, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (t *vaultTxn) PutConfig(cfg *vault.Config) error {
	if cfg == nil {
		return fmt.Errorf("vault state: nil config")
	}
	return t.put(vaultConfigKey, cfg)
}

func (t *vaultTxn) Reserve(asset common.Address) (*vault.Reserve, bool, error) {
	reserve := new(vault.Reserve)
	ok, err := t.decode(vaultKey(vaultReservePrefix, asset), reserve)
	if err != nil || !ok {
		return nil, ok, err
	}
	if reserve.PriceFloor == nil {
		reserve.PriceFloor = big.NewInt(0)
	}
	return reserve, true, nil
}

func (t *vaultTxn) PutReserve(reserve *vault.Reserve) error {
	if reserve == nil {
		return fmt.Errorf("vault state: nil reserve")
	}
	_, exists, err := t.Reserve(reserve.Asset)
	if err != nil {
		return err
	}
	record := reserve.Clone()
	if record.PriceFloor == nil {
		record.PriceFloor = big.NewInt(0)
	}
	if err := t.put(vaultKey(vaultReservePrefix, reserve.Asset), record); err != nil {
		return err
	}
	if err := t.put(vaultKey(vaultTokenAssetPrefix, reserve.Token), reserve.Asset); err != nil {
		return err
	}
	if exists {
		return nil
	}
	assets, err := t.ReserveAssets()
	if err != nil {
		return err
	}
	return t.put(vaultReserveListKey, append(assets, reserve.Asset))
}

func (t *vaultTxn) ReserveAssets() ([]common.Address, error) {
	var assets []common.Address
	if _, err := t.decode(vaultReserveListKey, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

func (t *vaultTxn) AssetForToken(token common.Address) (common.Address, bool, error) {
	var asset common.Address
	ok, err := t.decode(vaultKey(vaultTokenAssetPrefix, token), &asset)
	return asset, ok, err
}

func (t *vaultTxn) Ledger(asset common.Address) (*vault.Ledger, error) {
	ledger := new(vault.Ledger)
	if _, err := t.decode(vaultKey(vaultLedgerPrefix, asset), ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

func (t *vaultTxn) PutLedger(asset common.Address, ledger *vault.Ledger) error {
	if ledger == nil {
		return fmt.Errorf("vault state: nil ledger")
	}
	record := ledger.Clone()
	for _, v := range []*big.Int{record.Buffer, record.Supplied, record.FeesPaid} {
		if v != nil && v.Sign() < 0 {
			return fmt.Errorf("vault state: negative ledger entry for %s", asset.Hex())
		}
	}
	if record.Buffer == nil {
		record.Buffer = big.NewInt(0)
	}
	if record.Supplied == nil {
		record.Supplied = big.NewInt(0)
	}
	if record.FeesPaid == nil {
		record.FeesPaid = big.NewInt(0)
	}
	return t.put(vaultKey(vaultLedgerPrefix, asset), record)
}

func (t *vaultTxn) TokenBalance(token, holder common.Address) (*big.Int, error) {
	return t.getInt(vaultKey(vaultBalancePrefix, token, holder))
}

func (t *vaultTxn) PutTokenBalance(token, holder common.Address, amount *big.Int) error {
	return t.putInt(vaultKey(vaultBalancePrefix, token, holder), amount)
}

func (t *vaultTxn) TokenSupply(token common.Address) (*big.Int, error) {
	return t.getInt(vaultKey(vaultSupplyPrefix, token))
}

func (t *vaultTxn) PutTokenSupply(token common.Address, amount *big.Int) error {
	return t.putInt(vaultKey(vaultSupplyPrefix, token), amount)
}

func (t *vaultTxn) Allowance(token, owner, spender common.Address) (*big.Int, error) {
	return t.getInt(vaultKey(vaultAllowancePrefix, token, owner, spender))
}

func (t *vaultTxn) PutAllowance(token, owner, spender common.Address, amount *big.Int) error {
	return t.putInt(vaultKey(vaultAllowancePrefix, token, owner, spender), amount)
}

func (t *vaultTxn) Balance(asset, holder common.Address) (*big.Int, error) {
	return t.getInt(vaultKey(vaultCustodyPrefix, asset, holder))
}

func (t *vaultTxn) PutBalance(asset, holder common.Address, amount *big.Int) error {
	return t.putInt(vaultKey(vaultCustodyPrefix, asset, holder), amount)
}
