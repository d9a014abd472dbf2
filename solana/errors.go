package solana

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"gitlab.com/scpcorp/reward-pool/common"
)

var (
	ErrTimeout = fmt.Errorf("timeout")

	// ErrAccountNotFound indicates that there is no account at the address.
	ErrAccountNotFound = fmt.Errorf("account not found")

	// ErrSubscriptionClosed indicates that the signature subscription ended
	// before the transaction reached the requested commitment.
	ErrSubscriptionClosed = fmt.Errorf("subscription closed")

	// ErrExecutionFailed indicates that the transaction landed but one of its
	// instructions failed.
	ErrExecutionFailed = fmt.Errorf("transaction execution failed")
)

// customErrors maps program custom error codes to errors.
type customErrors map[int]error

// https://github.com/solana-labs/solana/blob/master/sdk/program/src/system_instruction.rs
var systemProgramErrors = customErrors{
	1: common.ErrInsufficientFunds, // ResultWithNegativeLamports
}

// https://github.com/solana-labs/solana-program-library/blob/master/token/program/src/error.rs
var tokenProgramErrors = customErrors{
	1: common.ErrInsufficientBalance, // InsufficientFunds
}

func parsePreflightError(origErr error, codes customErrors) error {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(origErr, &rpcErr) {
		return origErr
	}
	dataMap, ok := rpcErr.Data.(map[string]interface{})
	if !ok {
		return origErr
	}
	errVal, ok := dataMap["err"]
	if !ok {
		return origErr
	}
	if err := parseErrorValue(errVal, codes); err != nil {
		return fmt.Errorf("%w: %v", err, origErr)
	}
	return origErr
}

func parseErrorValue(errorValue interface{}, codes customErrors) error {
	if errorValue == nil {
		return nil
	}
	errMap, ok := errorValue.(map[string]interface{})
	if !ok {
		return nil
	}
	instructionErrorVal, ok := errMap["InstructionError"]
	if !ok {
		return nil
	}
	instructionErrorSlice, ok := instructionErrorVal.([]interface{})
	if !ok {
		return nil
	}
	if len(instructionErrorSlice) < 2 {
		return nil
	}
	return decodeCustomError(instructionErrorSlice, codes)
}

func decodeCustomError(instructionErrorSlice []interface{}, codes customErrors) error {
	customErrorStructMap, ok := instructionErrorSlice[1].(map[string]interface{})
	if !ok {
		return nil
	}
	if len(customErrorStructMap) != 1 {
		return nil
	}
	errorCodeRaw, ok := customErrorStructMap["Custom"]
	if !ok {
		return nil
	}

	var errorCode int
	switch errorCodeNum := errorCodeRaw.(type) {
	case json.Number: // Preflight errors.
		errorCode64, err := errorCodeNum.Int64()
		if err != nil {
			return nil
		}
		errorCode = int(errorCode64)
	case float64: // Errors of landed transactions.
		errorCode = int(errorCodeNum)
	default:
		return nil
	}

	mappedErr, ok := codes[errorCode]
	if !ok {
		return nil
	}
	return mappedErr
}
