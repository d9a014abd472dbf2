package solana

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/sirupsen/logrus"
	"gitlab.com/scpcorp/reward-pool/common"
)

// RewardPool talks to the ledger on behalf of the reward pool workflow.
// Every method re-queries the ledger; nothing is cached between calls.
type RewardPool struct {
	PoolConfig
	payer     solana.PrivateKey
	ledger    Ledger
	confirmer Confirmer
	log       *logrus.Entry

	rpcClient *rpc.Client
	wsClient  *ws.Client
}

func NewRewardPool(ctx context.Context, config PoolConfig) (*RewardPool, error) {
	if len(config.PoolSeed) > solana.MaxSeedLength {
		return nil, fmt.Errorf("pool seed is longer than %d bytes", solana.MaxSeedLength)
	}

	payer, err := solana.PrivateKeyFromSolanaKeygenFile(config.PayerKeygenFile)
	if err != nil {
		return nil, fmt.Errorf("cannot create private key: %w", err)
	}

	rpcClient := rpc.New(config.Cluster.RPC)
	var confirmer Confirmer
	var wsClient *ws.Client
	if config.Cluster.WS != "" {
		wsClient, err = ws.Connect(ctx, config.Cluster.WS)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot connect to websocket: %v", common.ErrConnectivity, err)
		}
		confirmer = newWSConfirmer(wsClient, config.Commitment, config.ConfirmationTimeout)
	}

	p := newRewardPool(config, payer, rpcClient, confirmer)
	p.rpcClient = rpcClient
	p.wsClient = wsClient
	return p, nil
}

// newRewardPool wires a pool to an arbitrary ledger. A nil confirmer means
// signature statuses are polled through the ledger.
func newRewardPool(config PoolConfig, payer solana.PrivateKey, ledger Ledger, confirmer Confirmer) *RewardPool {
	log := logrus.StandardLogger().WithFields(logrus.Fields{
		"type":    "solana/RewardPool",
		"cluster": config.Cluster.Name,
	})
	if confirmer == nil {
		confirmer = &pollConfirmer{
			ledger:     ledger,
			commitment: config.Commitment,
			interval:   config.PollInterval,
			timeout:    config.ConfirmationTimeout,
			log:        log,
		}
	}
	return &RewardPool{
		PoolConfig: config,
		payer:      payer,
		ledger:     ledger,
		confirmer:  confirmer,
		log:        log,
	}
}

// Payer returns the fee payer identity. The pool address is derived from it.
func (p *RewardPool) Payer() solana.PublicKey {
	return p.payer.PublicKey()
}

// PoolAddress derives the pool account address for the configured payer,
// seed and program.
func (p *RewardPool) PoolAddress() (solana.PublicKey, error) {
	return DerivePoolAddress(p.payer.PublicKey(), p.PoolSeed, p.PoolProgram)
}

// CheckConnection queries the node version to make sure the cluster is
// reachable.
func (p *RewardPool) CheckConnection(ctx context.Context) (string, error) {
	version, err := p.ledger.GetVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: cannot get version: %v", common.ErrConnectivity, err)
	}
	p.log.WithField("version", version.SolanaCore).Info("Connection to cluster established")
	return version.SolanaCore, nil
}

// CheckPayer makes sure the payer can afford the pool account rent and the
// fees of the workflow. It never requests funds.
func (p *RewardPool) CheckPayer(ctx context.Context) (balance, required uint64, err error) {
	rent, err := p.ledger.GetMinimumBalanceForRentExemption(ctx, uint64(PoolStateSize), p.Commitment)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cannot get rent exemption: %v", common.ErrConnectivity, err)
	}
	required = rent + p.LamportsPerSignature*p.SignatureBudget

	res, err := p.ledger.GetBalance(ctx, p.payer.PublicKey(), p.Commitment)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cannot get payer balance: %v", common.ErrConnectivity, err)
	}
	balance = res.Value

	p.log.WithFields(logrus.Fields{
		"payer":    p.payer.PublicKey().String(),
		"balance":  balance,
		"required": required,
	}).Info("Using payer account")
	if balance < required {
		return balance, required, fmt.Errorf("%w: payer %s has %d lamports, %d required", common.ErrPayerBalanceTooLow, p.payer.PublicKey(), balance, required)
	}
	return balance, required, nil
}

// CheckProgram makes sure the pool program is deployed.
func (p *RewardPool) CheckProgram(ctx context.Context) error {
	account, err := p.getAccount(ctx, p.PoolProgram)
	if errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("%w: %s", common.ErrProgramNotFound, p.PoolProgram)
	} else if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConnectivity, err)
	}
	if !account.Executable {
		return fmt.Errorf("%w: %s", common.ErrProgramNotExecutable, p.PoolProgram)
	}
	p.log.WithField("program", p.PoolProgram.String()).Info("Using program")
	return nil
}

// RecordInvocation invokes the pool program so that it increments the
// counter of the pool account.
func (p *RewardPool) RecordInvocation(ctx context.Context, pool solana.PublicKey) (solana.Signature, error) {
	instruction := instructionRecordInvocation{pool: pool}.build(p.PoolProgram)
	sig, err := p.signAndSend(ctx, nil, []solana.Instruction{instruction}, p.payer)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("cannot invoke pool program: %w", err)
	}
	return sig, nil
}

func (p *RewardPool) Close() {
	if p.wsClient != nil {
		p.wsClient.Close()
	}
	if p.rpcClient != nil {
		if err := p.rpcClient.Close(); err != nil {
			p.log.WithError(err).Warn("failed to close rpc client")
		}
	}
}

func (p *RewardPool) getAccount(ctx context.Context, addr solana.PublicKey) (*rpc.Account, error) {
	res, err := p.ledger.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Commitment: p.Commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("cannot get account %s: %w", addr, err)
	}
	if res == nil || res.Value == nil {
		return nil, ErrAccountNotFound
	}
	return res.Value, nil
}

// signAndSend builds a transaction from the instructions, signs it and waits
// for its confirmation. The first signer pays the fees. Custom program errors
// are translated with codes.
func (p *RewardPool) signAndSend(ctx context.Context, codes customErrors, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, error) {
	recent, err := p.ledger.GetLatestBlockhash(ctx, p.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("cannot get recent blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(signers[0].PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("cannot create transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("cannot sign: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: p.Commitment,
	}
	sig, err := p.ledger.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("cannot send: %w", parsePreflightError(err, codes))
	}
	p.log.WithField("signature", sig.String()).Debug("Transaction submitted")

	if err := p.confirmer.Confirm(ctx, sig); err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			if mapped := parseErrorValue(execErr.Value, codes); mapped != nil {
				err = fmt.Errorf("%w: %v", mapped, err)
			}
		}
		return sig, fmt.Errorf("cannot wait for %s: %w", sig, err)
	}
	return sig, nil
}
