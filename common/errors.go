package common

import (
	"errors"
	"fmt"
)

var ErrNotExists = errors.New("not exists")

// Error categories. Every specific error below wraps exactly one of them, so
// callers can match either the category or the precise failure.
var (
	ErrConnectivity = errors.New("cluster unreachable")
	ErrFunding      = errors.New("payer under-funded")
	ErrDeployment   = errors.New("program not deployed")
	ErrCodec        = errors.New("pool state codec")
	ErrProvision    = errors.New("pool account provisioning")
	ErrResolve      = errors.New("mint resolution")
	ErrTransfer     = errors.New("token transfer")
	ErrRegistry     = errors.New("mint registry")

	// ErrPoolBusy indicates that another invocation holds the pool guard.
	ErrPoolBusy = errors.New("pool is busy")
)

var (
	ErrSizeMismatch = fmt.Errorf("%w: size mismatch", ErrCodec)
	ErrMalformed    = fmt.Errorf("%w: malformed data", ErrCodec)

	ErrInsufficientFunds   = fmt.Errorf("%w: insufficient funds", ErrProvision)
	ErrTransactionRejected = fmt.Errorf("%w: transaction rejected", ErrProvision)
	ErrCorrupt             = fmt.Errorf("%w: corrupt pool account", ErrProvision)

	// ErrUnknownMint indicates that the pool has run before but no mint is
	// recorded for it. A new mint is never created in this case.
	ErrUnknownMint           = fmt.Errorf("%w: unknown mint", ErrResolve)
	ErrMintCreationFailed    = fmt.Errorf("%w: mint creation failed", ErrResolve)
	ErrAccountCreationFailed = fmt.Errorf("%w: holding account creation failed", ErrResolve)
	ErrMintFailed            = fmt.Errorf("%w: minting failed", ErrResolve)
	ErrInvalidHoldingAccount = fmt.Errorf("%w: invalid holding account", ErrResolve)

	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrTransfer)
	ErrRejectedByLedger    = fmt.Errorf("%w: rejected by ledger", ErrTransfer)
	ErrConfirmationTimeout = fmt.Errorf("%w: confirmation timeout", ErrTransfer)

	ErrProgramNotFound      = fmt.Errorf("%w: program account not found", ErrDeployment)
	ErrProgramNotExecutable = fmt.Errorf("%w: program is not executable", ErrDeployment)
	ErrPayerBalanceTooLow   = fmt.Errorf("%w: balance below required fees", ErrFunding)
)
