package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Quote is a single source's answer for a feed.
type Quote struct {
	Value     *big.Int
	Decimals  uint8
	Timestamp time.Time
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := q
	if q.Value != nil {
		clone.Value = new(big.Int).Set(q.Value)
	}
	return clone
}

// Source resolves a price for a feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Quote, error)
}

// ContractCaller is the read-only subset of an Ethereum client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const aggregatorJSON = `[
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],"outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]}
]`

var aggregatorABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(aggregatorJSON))
	if err != nil {
		panic("oracle: invalid aggregator abi: " + err.Error())
	}
	return parsed
}()

// ChainlinkSource reads latestRoundData from an aggregator proxy.
type ChainlinkSource struct {
	name       string
	caller     ContractCaller
	aggregator common.Address
	decimals   *uint8
}

// NewChainlinkSource binds an aggregator. The feed's decimals are read once
// on first use.
func NewChainlinkSource(name string, caller ContractCaller, aggregator common.Address) *ChainlinkSource {
	return &ChainlinkSource{name: label(name, "chainlink"), caller: caller, aggregator: aggregator}
}

func (s *ChainlinkSource) Name() string { return s.name }

func (s *ChainlinkSource) Fetch(ctx context.Context) (Quote, error) {
	if s.caller == nil {
		return Quote{}, fmt.Errorf("chainlink: client not configured")
	}
	if s.decimals == nil {
		out, err := s.call(ctx, "decimals")
		if err != nil {
			return Quote{}, err
		}
		dec, ok := out[0].(uint8)
		if !ok {
			return Quote{}, fmt.Errorf("chainlink: unexpected decimals type %T", out[0])
		}
		s.decimals = &dec
	}
	out, err := s.call(ctx, "latestRoundData")
	if err != nil {
		return Quote{}, err
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return Quote{}, fmt.Errorf("chainlink: unexpected answer type %T", out[1])
	}
	updatedAt, ok := out[3].(*big.Int)
	if !ok {
		return Quote{}, fmt.Errorf("chainlink: unexpected timestamp type %T", out[3])
	}
	if answer.Sign() <= 0 {
		return Quote{}, fmt.Errorf("chainlink: non-positive answer %s", answer)
	}
	return Quote{
		Value:     new(big.Int).Set(answer),
		Decimals:  *s.decimals,
		Timestamp: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

func (s *ChainlinkSource) call(ctx context.Context, method string) ([]interface{}, error) {
	data, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("chainlink: pack %s: %w", method, err)
	}
	to := s.aggregator
	raw, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chainlink: call %s: %w", method, err)
	}
	out, err := aggregatorABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chainlink: unpack %s: %w", method, err)
	}
	return out, nil
}

// StaticSource answers a fixed price, stamped with the current time. It backs
// development deployments and tests.
type StaticSource struct {
	name     string
	value    *big.Int
	decimals uint8
	now      func() time.Time
}

// NewStaticSource quotes whole units of price at the given decimals.
func NewStaticSource(name string, price *big.Int, decimals uint8) *StaticSource {
	value := new(big.Int).Mul(price, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return &StaticSource{name: label(name, "static"), value: value, decimals: decimals, now: time.Now}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(context.Context) (Quote, error) {
	return Quote{Value: new(big.Int).Set(s.value), Decimals: s.decimals, Timestamp: s.now().UTC()}, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}

// rescale converts value from one decimal precision to another, truncating.
func rescale(value *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(value)
	switch {
	case from > to:
		return out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil))
	case to > from:
		return out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil))
	}
	return out
}
