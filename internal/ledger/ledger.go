// Package ledger submits escrow settlement transactions to an EVM vault
// contract and tracks their outcomes by idempotency reference.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/trustwork/escrowd/internal/escrow"
	"github.com/trustwork/escrowd/internal/retry"
)

var (
	ErrRPCConnection = errors.New("ledger: RPC connection failed")
	ErrInvalidVault  = errors.New("ledger: invalid vault contract address")
	ErrBadEnvelope   = errors.New("ledger: malformed transaction envelope")
)

// Minimal vault ABI: fund locks the buyer's deposit under a reference,
// release pays out a milestone (with an optional fee cut), attest records
// a completion proof.
const vaultABI = `[
	{"inputs":[{"name":"reference","type":"bytes32"},{"name":"amount","type":"uint256"}],"name":"fund","outputs":[],"type":"function"},
	{"inputs":[{"name":"reference","type":"bytes32"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"feeTo","type":"address"},{"name":"fee","type":"uint256"}],"name":"release","outputs":[],"type":"function"},
	{"inputs":[{"name":"reference","type":"bytes32"}],"name":"attest","outputs":[],"type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails.
	DefaultGasLimit = uint64(200000)

	// ReceiptPollInterval between receipt checks while waiting for
	// settlement.
	ReceiptPollInterval = 2 * time.Second

	submitAttempts  = 3
	submitBaseDelay = 500 * time.Millisecond
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Config for creating a gateway.
type Config struct {
	RPCURL        string
	ChainID       int64
	VaultContract string
	// SenderAddress is the account that submits transactions; nonces are
	// fetched for it.
	SenderAddress string
}

// Option configures the gateway.
type Option func(*Gateway)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(g *Gateway) { g.client = client }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// journalEntry tracks one submitted reference so settlement outcomes
// survive caller timeouts.
type journalEntry struct {
	txHash     common.Hash
	settlement *escrow.Settlement // nil while the receipt is outstanding
}

// Gateway implements the escrow engine's ledger collaborator against an
// EVM chain.
type Gateway struct {
	client  EthClient
	chainID *big.Int
	vault   common.Address
	sender  common.Address
	abi     abi.ABI
	logger  *slog.Logger

	mu      sync.RWMutex
	journal map[string]*journalEntry
}

var _ escrow.Ledger = (*Gateway)(nil)

// New creates a gateway connected to the configured RPC endpoint.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.VaultContract) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVault, cfg.VaultContract)
	}

	parsedABI, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault ABI: %w", err)
	}

	g := &Gateway{
		chainID: big.NewInt(cfg.ChainID),
		vault:   common.HexToAddress(cfg.VaultContract),
		sender:  common.HexToAddress(cfg.SenderAddress),
		abi:     parsedABI,
		logger:  slog.Default(),
		journal: make(map[string]*journalEntry),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}
	return g, nil
}

// BuildEnvelope packs the intent into an unsigned vault transaction.
func (g *Gateway) BuildEnvelope(ctx context.Context, intent *escrow.TxIntent) (*escrow.TxEnvelope, error) {
	data, err := g.packCalldata(intent)
	if err != nil {
		return nil, err
	}

	nonce, err := g.client.PendingNonceAt(ctx, g.sender)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}
	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From: g.sender,
		To:   &g.vault,
		Data: data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, g.vault, big.NewInt(0), gasLimit, gasPrice, data)
	payload, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return &escrow.TxEnvelope{
		ID:        tx.Hash().Hex(),
		Network:   fmt.Sprintf("evm-%d", g.chainID),
		Reference: intent.Reference,
		Payload:   payload,
	}, nil
}

// Submit broadcasts a signed envelope and waits for the receipt. A mined
// transaction with a failed status comes back as an unsettled Settlement
// with the chain's verdict, not as an error.
func (g *Gateway) Submit(ctx context.Context, env *escrow.TxEnvelope) (*escrow.Settlement, error) {
	if !env.Signed {
		return nil, fmt.Errorf("%w: envelope is unsigned", ErrBadEnvelope)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(env.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	g.record(env.Reference, tx.Hash())

	err := retry.Do(ctx, submitAttempts, submitBaseDelay, func() error {
		err := g.client.SendTransaction(ctx, tx)
		if err == nil {
			return nil
		}
		// Nonce and replacement errors mean the tx is already in the
		// pool from an earlier attempt; treat as sent.
		msg := err.Error()
		if strings.Contains(msg, "already known") || strings.Contains(msg, "nonce too low") {
			return nil
		}
		if strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "execution reverted") {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		submissions.WithLabelValues(kindOf(env.Reference), "send_failed").Inc()
		return nil, fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	start := time.Now()
	st, err := g.awaitReceipt(ctx, tx.Hash())
	if err != nil {
		submissions.WithLabelValues(kindOf(env.Reference), "timeout").Inc()
		return nil, err
	}
	SettleDuration.WithLabelValues(kindOf(env.Reference)).Observe(time.Since(start).Seconds())
	g.settle(env.Reference, st)
	if st.Settled {
		submissions.WithLabelValues(kindOf(env.Reference), "settled").Inc()
	} else {
		submissions.WithLabelValues(kindOf(env.Reference), "rejected").Inc()
	}
	return st, nil
}

// FindByReference reports the settlement outcome of a previously
// submitted reference. Returns (nil, nil) when the reference was never
// submitted through this gateway.
func (g *Gateway) FindByReference(ctx context.Context, reference string) (*escrow.Settlement, error) {
	g.mu.RLock()
	entry, ok := g.journal[reference]
	g.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if entry.settlement != nil {
		return entry.settlement, nil
	}

	// Submitted but the outcome is unknown; check the chain once.
	receipt, err := g.client.TransactionReceipt(ctx, entry.txHash)
	if err != nil {
		return nil, nil // not mined yet
	}
	st := settlementFromReceipt(entry.txHash, receipt)
	g.settle(reference, st)
	return st, nil
}

// Close closes the RPC client.
func (g *Gateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}

func (g *Gateway) packCalldata(intent *escrow.TxIntent) ([]byte, error) {
	ref := referenceHash(intent.Reference)
	switch intent.Kind {
	case "fund":
		return g.abi.Pack("fund", ref, intent.Amount)
	case "release":
		if !common.IsHexAddress(intent.Destination) {
			return nil, fmt.Errorf("invalid destination address %q", intent.Destination)
		}
		feeTo := common.Address{}
		fee := new(big.Int)
		if intent.FeeAmount != nil && intent.FeeAmount.Sign() > 0 {
			if !common.IsHexAddress(intent.FeeDest) {
				return nil, fmt.Errorf("invalid fee destination address %q", intent.FeeDest)
			}
			feeTo = common.HexToAddress(intent.FeeDest)
			fee = intent.FeeAmount
		}
		return g.abi.Pack("release", ref, common.HexToAddress(intent.Destination), intent.Amount, feeTo, fee)
	case "completion":
		return g.abi.Pack("attest", ref)
	default:
		return nil, fmt.Errorf("unknown intent kind %q", intent.Kind)
	}
}

func (g *Gateway) awaitReceipt(ctx context.Context, hash common.Hash) (*escrow.Settlement, error) {
	ticker := time.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not mined yet
			}
			return settlementFromReceipt(hash, receipt), nil
		}
	}
}

func (g *Gateway) record(reference string, hash common.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.journal[reference]; !exists {
		g.journal[reference] = &journalEntry{txHash: hash}
	}
}

func (g *Gateway) settle(reference string, st *escrow.Settlement) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.journal[reference]; ok {
		entry.settlement = st
	}
}

func settlementFromReceipt(hash common.Hash, receipt *types.Receipt) *escrow.Settlement {
	st := &escrow.Settlement{
		TxHash:    hash.Hex(),
		LedgerSeq: receipt.BlockNumber.Uint64(),
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		st.Settled = true
	} else {
		st.FailureReason = "transaction reverted"
	}
	return st
}

// referenceHash maps an idempotency reference to the bytes32 the vault
// contract keys on.
func referenceHash(reference string) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256([]byte(reference)))
	return out
}

func kindOf(reference string) string {
	if i := strings.IndexByte(reference, ':'); i > 0 {
		return reference[:i]
	}
	return "unknown"
}
