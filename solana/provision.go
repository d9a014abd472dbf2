package solana

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/sirupsen/logrus"
	"gitlab.com/scpcorp/reward-pool/common"
)

// EnsurePoolAccount returns the state of the pool account at addr, creating
// the account first if it does not exist. The second return value reports
// whether the account was created by this call.
func (p *RewardPool) EnsurePoolAccount(ctx context.Context, addr solana.PublicKey) (common.PoolState, bool, error) {
	log := p.log.WithField("pool", addr.String())

	account, err := p.getAccount(ctx, addr)
	if err == nil {
		if !account.Owner.Equals(p.PoolProgram) {
			return common.PoolState{}, false, fmt.Errorf("%w: %s is owned by %s, not %s", common.ErrCorrupt, addr, account.Owner, p.PoolProgram)
		}
		state, err := DecodePoolState(account.Data.GetBinary())
		if err != nil {
			return common.PoolState{}, false, fmt.Errorf("%w: %w", common.ErrCorrupt, err)
		}
		log.WithField("invocation_count", state.InvocationCount).Info("Pool account found")
		return state, false, nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return common.PoolState{}, false, fmt.Errorf("%w: %v", common.ErrConnectivity, err)
	}

	if err := p.createPoolAccount(ctx, addr, log); err != nil {
		return common.PoolState{}, false, err
	}
	return common.PoolState{}, true, nil
}

func (p *RewardPool) createPoolAccount(ctx context.Context, addr solana.PublicKey, log *logrus.Entry) error {
	space := uint64(PoolStateSize)
	rent, err := p.ledger.GetMinimumBalanceForRentExemption(ctx, space, p.Commitment)
	if err != nil {
		return fmt.Errorf("%w: cannot get rent exemption: %v", common.ErrConnectivity, err)
	}

	payer := p.payer.PublicKey()
	balance, err := p.ledger.GetBalance(ctx, payer, p.Commitment)
	if err != nil {
		return fmt.Errorf("%w: cannot get payer balance: %v", common.ErrConnectivity, err)
	}
	if need := rent + p.LamportsPerSignature; balance.Value < need {
		return fmt.Errorf("%w: payer has %d lamports, %d needed to create pool account", common.ErrInsufficientFunds, balance.Value, need)
	}

	instruction := system.NewCreateAccountWithSeedInstruction(
		payer,
		p.PoolSeed,
		rent,
		space,
		p.PoolProgram,
		payer,
		addr,
		payer,
	).Build()

	log.WithField("rent", rent).Info("Creating pool account")
	sig, err := p.signAndSend(ctx, systemProgramErrors, []solana.Instruction{instruction}, p.payer)
	if err != nil {
		if errors.Is(err, common.ErrInsufficientFunds) {
			return err
		}
		return fmt.Errorf("%w: %w", common.ErrTransactionRejected, err)
	}
	log.WithField("signature", sig.String()).Info("Pool account created")
	return nil
}
