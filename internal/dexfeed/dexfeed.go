package dexfeed

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

// slot0ABIJSON is the only pool method the feed needs: the current
// sqrtPriceX96 lives in slot0.
const slot0ABIJSON = `[{"inputs":[],"name":"slot0","outputs":[
{"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},
{"internalType":"int24","name":"tick","type":"int24"},
{"internalType":"uint16","name":"observationIndex","type":"uint16"},
{"internalType":"uint16","name":"observationCardinality","type":"uint16"},
{"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},
{"internalType":"uint8","name":"feeProtocol","type":"uint8"},
{"internalType":"bool","name":"unlocked","type":"bool"}],
"stateMutability":"view","type":"function"}]`

const rpcTimeout = 15 * time.Second

var twoPow192 = new(big.Int).Lsh(big.NewInt(1), 192)

// contractCaller is the slice of the ethclient surface the feed uses,
// extracted so tests can substitute a canned chain.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Feed polls Uniswap v3 pools over JSON-RPC and emits validated price
// updates to its consumer. Each poll reads slot0 and converts sqrtPriceX96
// to a quote-per-base price.
type Feed struct {
	cfg     config.DexFeedConfig
	client  contractCaller
	poolABI abi.ABI

	// emit hands a converted price to the consumer (the detector, behind
	// its oracle gate).
	emit func(venue string, update models.PriceUpdate) error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log

	polls  atomic.Int64
	errors atomic.Int64
}

// New dials the RPC endpoint and prepares the pool ABI. The emit callback
// receives every successfully converted price.
func New(cfg config.DexFeedConfig, emit func(venue string, update models.PriceUpdate) error) (*Feed, error) {
	poolABI, err := abi.JSON(strings.NewReader(slot0ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.RPCURL, err)
	}
	return &Feed{
		cfg:     cfg,
		client:  client,
		poolABI: poolABI,
		emit:    emit,
		log:     logger.GetLogger(),
	}, nil
}

// Start launches the poll loop.
func (f *Feed) Start(ctx context.Context) error {
	f.runMu.Lock()
	if f.running {
		f.runMu.Unlock()
		return fmt.Errorf("dex feed already running")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.runMu.Unlock()

	interval := f.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		f.pollAll() // first pass immediately
		for {
			select {
			case <-f.ctx.Done():
				return
			case <-ticker.C:
				f.pollAll()
			}
		}
	}()

	f.log.WithComponent("dexfeed").WithFields(logger.Fields{
		"pools":         len(f.cfg.Pools),
		"poll_interval": interval.String(),
	}).Info("dex feed started")
	return nil
}

// Stop cancels the poll loop. Idempotent.
func (f *Feed) Stop() {
	f.runMu.Lock()
	if !f.running {
		f.runMu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	f.runMu.Unlock()

	cancel()
	f.wg.Wait()
	f.log.WithComponent("dexfeed").Info("dex feed stopped")
}

func (f *Feed) pollAll() {
	start := time.Now()
	for _, pool := range f.cfg.Pools {
		if err := f.pollPool(pool); err != nil {
			f.errors.Add(1)
			f.log.WithComponent("dexfeed").WithError(err).WithFields(logger.Fields{
				"pool":   pool.Address,
				"symbol": pool.Symbol,
			}).Warn("pool poll failed")
		}
	}
	f.polls.Add(1)
	logger.LogPerformanceEntry(f.log.WithComponent("dexfeed"), "dexfeed", "poll_pass", time.Since(start), logger.Fields{
		"pools": len(f.cfg.Pools),
	})
}

func (f *Feed) pollPool(pool config.PoolConfig) error {
	data, err := f.poolABI.Pack("slot0")
	if err != nil {
		return fmt.Errorf("pack slot0: %w", err)
	}
	addr := common.HexToAddress(pool.Address)

	ctx, cancel := context.WithTimeout(f.ctx, rpcTimeout)
	defer cancel()
	resp, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("call slot0: %w", err)
	}

	out, err := f.poolABI.Unpack("slot0", resp)
	if err != nil {
		return fmt.Errorf("unpack slot0: %w", err)
	}
	sqrtPrice, ok := out[0].(*big.Int)
	if !ok {
		return fmt.Errorf("slot0 sqrtPriceX96 has unexpected type %T", out[0])
	}

	price, err := PriceFromSqrtX96(sqrtPrice, pool)
	if err != nil {
		return fmt.Errorf("convert price for %s: %w", pool.Symbol, err)
	}

	update := models.PriceUpdate{
		Symbol:    pool.Symbol,
		Price:     price,
		Source:    "dex:" + f.venue(),
		Timestamp: time.Now(),
	}
	if err := f.emit(f.venue(), update); err != nil {
		return fmt.Errorf("emit %s: %w", pool.Symbol, err)
	}
	return nil
}

func (f *Feed) venue() string {
	if f.cfg.Venue != "" {
		return f.cfg.Venue
	}
	return "uniswap_v3"
}

// GetStats returns poll and error counts.
func (f *Feed) GetStats() (polls, errors int64) {
	return f.polls.Load(), f.errors.Load()
}

// PriceFromSqrtX96 converts a Uniswap v3 sqrtPriceX96 to a decimal string
// price of the base token in quote units. The raw ratio is
// sqrtPrice^2 / 2^192 (token1 per token0 in raw units); token decimals and
// pool orientation adjust it to a human price.
func PriceFromSqrtX96(sqrtPrice *big.Int, pool config.PoolConfig) (string, error) {
	if sqrtPrice == nil || sqrtPrice.Sign() <= 0 {
		return "", fmt.Errorf("non-positive sqrtPriceX96")
	}
	numerator := new(big.Int).Mul(sqrtPrice, sqrtPrice)
	raw := new(big.Rat).SetFrac(numerator, twoPow192)

	var price *big.Rat
	if pool.BaseIsToken0 {
		adjust := new(big.Rat).SetFrac(tenPow(pool.Token0Decimals), tenPow(pool.Token1Decimals))
		price = new(big.Rat).Mul(raw, adjust)
	} else {
		adjust := new(big.Rat).SetFrac(tenPow(pool.Token1Decimals), tenPow(pool.Token0Decimals))
		price = new(big.Rat).Mul(new(big.Rat).Inv(raw), adjust)
	}
	if price.Sign() <= 0 {
		return "", fmt.Errorf("non-positive price")
	}
	f := new(big.Float).SetPrec(256).SetRat(price)
	return f.Text('f', 8), nil
}

func tenPow(dec int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec)), nil)
}
