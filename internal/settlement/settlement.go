// Package settlement implements spec.md §4.3's settlement adapter: once a
// user's PendingSettlement balance crosses config.SettlementThresholdFIN,
// the coordinator hands it to an Adapter to move on-chain. Grounded in the
// teacher's internal/payments/multi_chain_payment.go, which wires
// gagliardetto/solana-go's rpc.Client against the same mainnet-beta
// endpoint this package targets — that file only watches for *incoming*
// USDT deposits, so the outbound transfer construction here (system
// transfer instruction, recent blockhash, SendTransaction) follows
// solana-go's own standard send-a-transaction idiom rather than teacher
// code, since the teacher never sends a payout itself.
package settlement

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/bkc-labs/reward-engine/internal/errorsx"
)

// Request is one user's settlement request: move amount (smallest FIN
// denomination) to destination wallet, tagged with the strictly-increasing
// per-user nonce from NonceTracker. Solana.Submit does not put the nonce on
// chain, so the nonce alone does not stop a resubmitted request from paying
// out twice.
type Request struct {
	UserID      int64
	Destination string // base58 wallet address
	Amount      int64
	Nonce       int64
}

// Adapter submits a settlement request without blocking the caller on
// chain confirmation — spec.md §4.3 requires settlement submission to be
// non-blocking relative to the credit pipeline.
type Adapter interface {
	Submit(ctx context.Context, req Request) (txRef string, err error)
}

// Solana submits settlement requests as native SOL-denominated transfers
// from an admin-held wallet, mirroring the teacher's solana-go wiring.
// FIN itself is an off-chain ledger balance; Solana is the on-chain proof
// of payout, not a held SPL token balance. Request.Amount is sent as the
// lamport count unchanged; neither this adapter nor the coordinator converts
// FIN units to lamports.
type Solana struct {
	client     *rpc.Client
	adminKey   solana.PrivateKey
	adminWallet solana.PublicKey
}

func NewSolana(rpcEndpoint string, adminKey solana.PrivateKey) *Solana {
	return &Solana{
		client:      rpc.New(rpcEndpoint),
		adminKey:    adminKey,
		adminWallet: adminKey.PublicKey(),
	}
}

func (s *Solana) Submit(ctx context.Context, req Request) (string, error) {
	dest, err := solana.PublicKeyFromBase58(req.Destination)
	if err != nil {
		return "", &errorsx.ValidationError{Field: "destination", Reason: "not a valid base58 wallet address"}
	}

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", &errorsx.TransientFailure{Op: "settlement.GetLatestBlockhash", Err: err}
	}

	transfer := system.NewTransferInstruction(uint64(req.Amount), s.adminWallet, dest).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{transfer},
		recent.Value.Blockhash,
		solana.TransactionPayer(s.adminWallet),
	)
	if err != nil {
		return "", &errorsx.Internal{Invariant: "settlement transaction must always build from a valid transfer", Err: err}
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.adminWallet) {
			return &s.adminKey
		}
		return nil
	}); err != nil {
		return "", &errorsx.Internal{Invariant: "settlement transaction must be signable by the admin key", Err: err}
	}

	sig, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		return "", &errorsx.TransientFailure{Op: "settlement.SendTransaction", Err: err}
	}
	return sig.String(), nil
}

// Memory is a non-blocking, in-process Adapter for tests and local runs: it
// queues requests instead of touching a real chain.
type Memory struct {
	mu     sync.Mutex
	queued []Request
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Submit(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, req)
	return "memory-queued", nil
}

func (m *Memory) Queued() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.queued))
	copy(out, m.queued)
	return out
}

// NonceTracker enforces the strictly-increasing per-user nonce invariant
// spec.md §4.3 requires, independent of which Adapter is wired.
type NonceTracker struct {
	mu    sync.Mutex
	nonce map[int64]int64
}

func NewNonceTracker() *NonceTracker {
	return &NonceTracker{nonce: make(map[int64]int64)}
}

// Next returns the next nonce for userID and records it. It accepts no
// caller-supplied value and rejects nothing: it hands out each user's
// nonces sequentially, so they are strictly increasing by construction.
func (n *NonceTracker) Next(userID int64) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := n.nonce[userID] + 1
	n.nonce[userID] = next
	return next
}
