package solana

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/sirupsen/logrus"
	"gitlab.com/scpcorp/reward-pool/common"
)

// Transfer moves amount base units from the source holding account of res to
// its destination. The authority must own the source account. The transaction
// is submitted once and never retried.
func (p *RewardPool) Transfer(ctx context.Context, res *common.Resolution, authority solana.PrivateKey, amount uint64) (*common.Receipt, error) {
	log := p.log.WithFields(logrus.Fields{
		"source":      res.Source.String(),
		"destination": res.Destination.String(),
		"amount":      amount,
	})

	source, err := p.getHoldingAccount(ctx, res.Source, res.Mint, authority.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("cannot load source account: %w", err)
	}
	if source.Amount < amount {
		return nil, fmt.Errorf("%w: source holds %d, transfer needs %d", common.ErrInsufficientBalance, source.Amount, amount)
	}

	instruction := token.NewTransferInstruction(
		amount,
		res.Source,
		res.Destination,
		authority.PublicKey(),
		nil,
	).Build()

	sig, err := p.signAndSend(ctx, tokenProgramErrors, []solana.Instruction{instruction}, p.payer, authority)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrInsufficientBalance):
			return nil, err
		case errors.Is(err, ErrTimeout):
			return nil, fmt.Errorf("%w: %w", common.ErrConfirmationTimeout, err)
		default:
			return nil, fmt.Errorf("%w: %w", common.ErrRejectedByLedger, err)
		}
	}
	log.WithField("signature", sig.String()).Info("Transfer confirmed")

	return &common.Receipt{
		Signature:   sig,
		Amount:      amount,
		Source:      res.Source,
		Destination: res.Destination,
	}, nil
}
