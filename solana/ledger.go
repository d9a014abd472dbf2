package solana

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/sirupsen/logrus"
)

// Ledger is the subset of the RPC client the pool needs. *rpc.Client
// implements it.
type Ledger interface {
	GetVersion(ctx context.Context) (*rpc.GetVersionResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var _ Ledger = (*rpc.Client)(nil)

// Confirmer blocks until a submitted transaction reaches the configured
// commitment, fails, or times out.
type Confirmer interface {
	Confirm(ctx context.Context, sig solana.Signature) error
}

// ExecutionError is returned when a transaction landed but one of its
// instructions failed. Value is the raw error reported by the ledger.
type ExecutionError struct {
	Value interface{}
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("confirmed transaction with execution error: %v", e.Value)
}

func (e *ExecutionError) Unwrap() error {
	return ErrExecutionFailed
}

// signatureSubscription is the part of *ws.SignatureSubscription used to wait
// for a signature.
type signatureSubscription interface {
	Response() <-chan *ws.SignatureResult
	Err() <-chan error
	Unsubscribe()
}

var _ signatureSubscription = (*ws.SignatureSubscription)(nil)

type subscribeFunc func(sig solana.Signature, commitment rpc.CommitmentType) (signatureSubscription, error)

type wsConfirmer struct {
	subscribe  subscribeFunc
	commitment rpc.CommitmentType
	timeout    time.Duration
}

func newWSConfirmer(client *ws.Client, commitment rpc.CommitmentType, timeout time.Duration) *wsConfirmer {
	return &wsConfirmer{
		subscribe: func(sig solana.Signature, commitment rpc.CommitmentType) (signatureSubscription, error) {
			sub, err := client.SignatureSubscribe(sig, commitment)
			if err != nil {
				return nil, err
			}
			return sub, nil
		},
		commitment: commitment,
		timeout:    timeout,
	}
}

func (c *wsConfirmer) Confirm(ctx context.Context, sig solana.Signature) error {
	sub, err := c.subscribe(sig, c.commitment)
	if err != nil {
		return fmt.Errorf("cannot subscribe to %s: %w", sig, err)
	}
	defer sub.Unsubscribe()

	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return ErrTimeout
		case resp, ok := <-sub.Response():
			if !ok {
				return ErrSubscriptionClosed
			}
			if resp.Value.Err != nil {
				return &ExecutionError{Value: resp.Value.Err}
			}
			return nil
		case err := <-sub.Err():
			return err
		}
	}
}

type pollConfirmer struct {
	ledger     Ledger
	commitment rpc.CommitmentType
	interval   time.Duration
	timeout    time.Duration
	log        *logrus.Entry
}

func (c *pollConfirmer) Confirm(ctx context.Context, sig solana.Signature) error {
	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		res, err := c.ledger.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			// The transaction is already in flight, keep waiting for it.
			c.log.WithError(err).WithField("signature", sig.String()).Warn("failed to get signature status")
		} else if len(res.Value) == 1 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return &ExecutionError{Value: status.Err}
			}
			if commitmentReached(status.ConfirmationStatus, c.commitment) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

func commitmentRank(status rpc.ConfirmationStatusType) int {
	switch status {
	case rpc.ConfirmationStatusProcessed:
		return 1
	case rpc.ConfirmationStatusConfirmed:
		return 2
	case rpc.ConfirmationStatusFinalized:
		return 3
	default:
		return 0
	}
}

func commitmentReached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	return commitmentRank(status) >= commitmentRank(rpc.ConfirmationStatusType(want))
}
