package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/sirupsen/logrus"
	"gitlab.com/scpcorp/reward-pool/common"
)

// Size of an SPL token mint account.
const mintSize = 82

// Resolve picks the mint the run works with and makes sure both wallets have
// a holding account for it.
//
// A pool that has never been invoked gets a new mint whose authority is from,
// and the initial supply is minted into the source holding account. A pool
// that has been invoked before reuses prior, which must be known.
func (p *RewardPool) Resolve(ctx context.Context, pool solana.PublicKey, state common.PoolState, prior *solana.PublicKey, from solana.PrivateKey, to solana.PublicKey, record common.MintRecorder) (*common.Resolution, error) {
	log := p.log.WithFields(logrus.Fields{
		"pool":             pool.String(),
		"invocation_count": state.InvocationCount,
	})

	if state.InvocationCount == 0 {
		return p.initializeMint(ctx, pool, from, to, record, log)
	}

	if prior == nil {
		return nil, fmt.Errorf("%w: pool %s was invoked %d times", common.ErrUnknownMint, pool, state.InvocationCount)
	}
	if err := p.checkMint(ctx, *prior); err != nil {
		return nil, err
	}
	log = log.WithField("mint", prior.String())
	log.Info("Reusing mint")

	source, destination, err := p.ensureHoldingAccounts(ctx, *prior, from.PublicKey(), to, log)
	if err != nil {
		return nil, err
	}
	return &common.Resolution{
		Branch:      common.BranchReuseMint,
		Mint:        *prior,
		Source:      source,
		Destination: destination,
	}, nil
}

func (p *RewardPool) initializeMint(ctx context.Context, pool solana.PublicKey, from solana.PrivateKey, to solana.PublicKey, record common.MintRecorder, log *logrus.Entry) (*common.Resolution, error) {
	mintKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot generate mint key: %v", common.ErrMintCreationFailed, err)
	}
	mint := mintKey.PublicKey()
	authority := from.PublicKey()
	log = log.WithField("mint", mint.String())

	rent, err := p.ledger.GetMinimumBalanceForRentExemption(ctx, mintSize, p.Commitment)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot get rent exemption: %w", common.ErrMintCreationFailed, err)
	}

	createAccount := system.NewCreateAccountInstruction(
		rent,
		mintSize,
		token.ProgramID,
		p.payer.PublicKey(),
		mint,
	).Build()
	// No freeze authority is set.
	initMint := token.NewInitializeMintInstructionBuilder().
		SetDecimals(p.Decimals).
		SetMintAuthority(authority).
		SetMintAccount(mint).
		SetSysVarRentPubkeyAccount(solana.SysVarRentPubkey).
		Build()

	log.Info("Creating mint")
	mintSig, err := p.signAndSend(ctx, systemProgramErrors, []solana.Instruction{createAccount, initMint}, p.payer, mintKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrMintCreationFailed, err)
	}
	log.WithField("signature", mintSig.String()).Info("Mint created")

	err = record(ctx, common.MintRecord{
		Pool:      pool,
		Mint:      mint,
		Authority: authority,
		Decimals:  p.Decimals,
		Signature: mintSig,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot record mint %s: %w", mint, err)
	}

	source, destination, err := p.ensureHoldingAccounts(ctx, mint, authority, to, log)
	if err != nil {
		return nil, err
	}

	mintTo := token.NewMintToInstruction(
		p.InitialSupply,
		mint,
		source,
		authority,
		nil,
	).Build()
	supplySig, err := p.signAndSend(ctx, tokenProgramErrors, []solana.Instruction{mintTo}, p.payer, from)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrMintFailed, err)
	}
	log.WithFields(logrus.Fields{
		"amount":    p.InitialSupply,
		"signature": supplySig.String(),
	}).Info("Initial supply minted")

	return &common.Resolution{
		Branch:          common.BranchInitializeMint,
		Mint:            mint,
		Source:          source,
		Destination:     destination,
		MintSignature:   &mintSig,
		SupplySignature: &supplySig,
	}, nil
}

// checkMint makes sure that a recorded mint still exists as an SPL mint.
func (p *RewardPool) checkMint(ctx context.Context, mint solana.PublicKey) error {
	account, err := p.getAccount(ctx, mint)
	if errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("%w: recorded mint %s does not exist", common.ErrUnknownMint, mint)
	} else if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConnectivity, err)
	}
	if !account.Owner.Equals(token.ProgramID) {
		return fmt.Errorf("%w: recorded mint %s is owned by %s", common.ErrUnknownMint, mint, account.Owner)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(account.Data.GetBinary()).Decode(&m); err != nil {
		return fmt.Errorf("%w: recorded mint %s cannot be decoded: %v", common.ErrUnknownMint, mint, err)
	}
	if !m.IsInitialized {
		return fmt.Errorf("%w: recorded mint %s is not initialized", common.ErrUnknownMint, mint)
	}
	return nil
}

// ensureHoldingAccounts returns the associated token accounts of both wallets,
// creating the missing ones in a single transaction.
func (p *RewardPool) ensureHoldingAccounts(ctx context.Context, mint, from, to solana.PublicKey, log *logrus.Entry) (solana.PublicKey, solana.PublicKey, error) {
	var instructions []solana.Instruction
	addrs := make([]solana.PublicKey, 0, 2)
	for i, wallet := range []solana.PublicKey{from, to} {
		ata, err := findATA(wallet, mint)
		if err != nil {
			return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("%w: %w", common.ErrAccountCreationFailed, err)
		}
		addrs = append(addrs, ata)
		if i == 1 && to.Equals(from) {
			continue
		}

		_, err = p.getHoldingAccount(ctx, ata, mint, wallet)
		if errors.Is(err, ErrAccountNotFound) {
			log.WithFields(logrus.Fields{
				"wallet":  wallet.String(),
				"account": ata.String(),
			}).Info("Creating holding account")
			instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(
				p.payer.PublicKey(),
				wallet,
				mint,
			).Build())
		} else if err != nil {
			return solana.PublicKey{}, solana.PublicKey{}, err
		}
	}

	if len(instructions) != 0 {
		sig, err := p.signAndSend(ctx, nil, instructions, p.payer)
		if err != nil {
			return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("%w: %w", common.ErrAccountCreationFailed, err)
		}
		log.WithField("signature", sig.String()).Info("Holding accounts created")
	}
	return addrs[0], addrs[1], nil
}

// getHoldingAccount loads a token account and checks that it belongs to the
// wallet and holds the mint.
func (p *RewardPool) getHoldingAccount(ctx context.Context, addr, mint, wallet solana.PublicKey) (*token.Account, error) {
	account, err := p.getAccount(ctx, addr)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConnectivity, err)
	}
	if !account.Owner.Equals(token.ProgramID) {
		return nil, fmt.Errorf("%w: %s is owned by %s", common.ErrInvalidHoldingAccount, addr, account.Owner)
	}
	var holding token.Account
	if err := bin.NewBinDecoder(account.Data.GetBinary()).Decode(&holding); err != nil {
		return nil, fmt.Errorf("%w: cannot decode %s: %v", common.ErrInvalidHoldingAccount, addr, err)
	}
	if !holding.Mint.Equals(mint) || !holding.Owner.Equals(wallet) {
		return nil, fmt.Errorf("%w: %s holds mint %s for %s", common.ErrInvalidHoldingAccount, addr, holding.Mint, holding.Owner)
	}
	return &holding, nil
}

// TokenBalance returns the amount held by a token account in base units.
func (p *RewardPool) TokenBalance(ctx context.Context, holding solana.PublicKey) (uint64, error) {
	account, err := p.getAccount(ctx, holding)
	if err != nil {
		return 0, fmt.Errorf("cannot get token account %s: %w", holding, err)
	}
	var acc token.Account
	if err := bin.NewBinDecoder(account.Data.GetBinary()).Decode(&acc); err != nil {
		return 0, fmt.Errorf("%w: cannot decode %s: %v", common.ErrInvalidHoldingAccount, holding, err)
	}
	return acc.Amount, nil
}
