// Package signing implements the engine's signing collaborator with a
// locally held key. Production deployments put a real wallet service
// behind the same interface; this signer exists for development and
// single-operator setups.
package signing

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/trustwork/escrowd/internal/escrow"
)

var ErrInvalidPrivateKey = errors.New("signing: invalid private key")

// ApprovalFunc is consulted before each signature. Returning false
// rejects the envelope, which surfaces to the caller as a user
// cancellation. A nil ApprovalFunc approves everything.
type ApprovalFunc func(ctx context.Context, env *escrow.TxEnvelope) bool

// LocalSigner signs transaction envelopes with an in-process ECDSA key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
	approve ApprovalFunc
}

var _ escrow.Signer = (*LocalSigner)(nil)

// New creates a signer from a hex-encoded private key.
func New(privateKeyHex string, chainID int64, approve ApprovalFunc) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &LocalSigner{
		key:     key,
		chainID: big.NewInt(chainID),
		approve: approve,
	}, nil
}

// NewEphemeral creates a signer with a freshly generated key. Useful for
// development setups with no SIGNER_KEY configured; the key never leaves
// the process.
func NewEphemeral(chainID int64) (*LocalSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("signing: failed to generate key: %w", err)
	}
	return &LocalSigner{
		key:     key,
		chainID: big.NewInt(chainID),
	}, nil
}

// Address returns the signer's account address.
func (s *LocalSigner) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// Sign decodes the unsigned transaction in the envelope, signs it, and
// returns a new envelope carrying the signed encoding.
func (s *LocalSigner) Sign(ctx context.Context, env *escrow.TxEnvelope) (*escrow.TxEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.approve != nil && !s.approve(ctx, env) {
		return nil, fmt.Errorf("%w: envelope %s", escrow.ErrUserCancelled, env.ID)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(env.Payload); err != nil {
		return nil, fmt.Errorf("signing: malformed envelope payload: %w", err)
	}

	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	payload, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("signing: failed to encode signed transaction: %w", err)
	}

	return &escrow.TxEnvelope{
		ID:        signed.Hash().Hex(),
		Network:   env.Network,
		Reference: env.Reference,
		Payload:   payload,
		Signed:    true,
	}, nil
}
