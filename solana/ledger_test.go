package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/require"
	"gitlab.com/scpcorp/reward-pool/common"
)

const (
	testFeePerSignature = 5000
	testTokenAccountLen = 165
)

type fakeAccount struct {
	lamports   uint64
	owner      solana.PublicKey
	data       []byte
	executable bool
}

func (a *fakeAccount) clone() *fakeAccount {
	c := *a
	c.data = append([]byte(nil), a.data...)
	return &c
}

// instructionError is the ledger's view of a failed instruction. code is
// either a custom program error code or the name of a builtin error.
type instructionError struct {
	index int
	code  interface{}
}

func (e *instructionError) Error() string {
	return fmt.Sprintf("instruction %d failed: %v", e.index, e.code)
}

// value renders the error the way the node reports it. Preflight errors
// carry json.Number codes, statuses of landed transactions carry float64.
func (e *instructionError) value(preflight bool) interface{} {
	index := interface{}(float64(e.index))
	code := e.code
	if preflight {
		index = json.Number(fmt.Sprint(e.index))
	}
	if custom, ok := e.code.(int); ok {
		if preflight {
			code = map[string]interface{}{"Custom": json.Number(fmt.Sprint(custom))}
		} else {
			code = map[string]interface{}{"Custom": float64(custom)}
		}
	}
	return map[string]interface{}{"InstructionError": []interface{}{index, code}}
}

// fakeLedger executes signed transactions against an in-memory account set.
// It understands the system, token and associated token programs plus the
// pool program.
type fakeLedger struct {
	mu sync.Mutex

	poolProgram solana.PublicKey
	accounts    map[solana.PublicKey]*fakeAccount
	statuses    map[solana.Signature]*rpc.SignatureStatusesResult
	sent        []*solana.Transaction

	// Failure injection.
	versionErr    error
	skipPreflight bool // failed transactions land with an error status
	neverConfirm  bool // statuses are never reported
	failProgram   *solana.PublicKey
}

var _ Ledger = (*fakeLedger)(nil)

func newFakeLedger(poolProgram solana.PublicKey) *fakeLedger {
	l := &fakeLedger{
		poolProgram: poolProgram,
		accounts:    make(map[solana.PublicKey]*fakeAccount),
		statuses:    make(map[solana.Signature]*rpc.SignatureStatusesResult),
	}
	l.accounts[poolProgram] = &fakeAccount{
		lamports:   1,
		owner:      solana.BPFLoaderUpgradeableProgramID,
		executable: true,
	}
	return l
}

// failOn makes every instruction of program fail.
func (l *fakeLedger) failOn(program solana.PublicKey) {
	l.failProgram = &program
}

func (l *fakeLedger) rent(size uint64) uint64 {
	return (128 + size) * 6960
}

func (l *fakeLedger) fund(addr solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		acc = &fakeAccount{owner: solana.SystemProgramID}
		l.accounts[addr] = acc
	}
	acc.lamports += lamports
}

func (l *fakeLedger) setAccount(addr solana.PublicKey, acc *fakeAccount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[addr] = acc
}

func (l *fakeLedger) account(addr solana.PublicKey) *fakeAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return nil
	}
	return acc.clone()
}

func (l *fakeLedger) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *fakeLedger) GetVersion(ctx context.Context) (*rpc.GetVersionResult, error) {
	if l.versionErr != nil {
		return nil, l.versionErr
	}
	return &rpc.GetVersionResult{SolanaCore: "1.18.26"}, nil
}

func (l *fakeLedger) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var lamports uint64
	if acc, ok := l.accounts[account]; ok {
		lamports = acc.lamports
	}
	return &rpc.GetBalanceResult{Value: lamports}, nil
}

func (l *fakeLedger) GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{
			Lamports:   acc.lamports,
			Owner:      acc.owner,
			Data:       rpc.DataBytesOrJSONFromBytes(append([]byte(nil), acc.data...)),
			Executable: acc.executable,
		},
	}, nil
}

func (l *fakeLedger) GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error) {
	return l.rent(dataSize), nil
}

func (l *fakeLedger) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            solana.Hash{1, 2, 3},
			LastValidBlockHeight: 100,
		},
	}, nil
}

func (l *fakeLedger) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := &rpc.GetSignatureStatusesResult{}
	for _, sig := range sigs {
		res.Value = append(res.Value, l.statuses[sig])
	}
	return res, nil
}

func (l *fakeLedger) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32003, Message: err.Error()}
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32003, Message: "transaction is not signed"}
	}
	sig := tx.Signatures[0]

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, tx)

	state := make(map[solana.PublicKey]*fakeAccount, len(l.accounts))
	for k, v := range l.accounts {
		state[k] = v.clone()
	}
	execErr := l.execute(state, tx)

	status := &rpc.SignatureStatusesResult{
		Slot:               uint64(len(l.sent)),
		ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
	}
	if execErr != nil {
		value := interface{}(execErr.Error())
		if ie, ok := execErr.(*instructionError); ok {
			value = ie.value(!l.skipPreflight)
		}
		if !l.skipPreflight {
			return solana.Signature{}, &jsonrpc.RPCError{
				Code:    -32002,
				Message: "Transaction simulation failed: " + execErr.Error(),
				Data:    map[string]interface{}{"err": value},
			}
		}
		status.Err = value
	} else {
		l.accounts = state
	}
	if !l.neverConfirm {
		l.statuses[sig] = status
	}
	return sig, nil
}

func (l *fakeLedger) execute(state map[solana.PublicKey]*fakeAccount, tx *solana.Transaction) error {
	msg := tx.Message
	keys := msg.AccountKeys
	signers := make(map[solana.PublicKey]bool)
	for i := 0; i < int(msg.Header.NumRequiredSignatures); i++ {
		signers[keys[i]] = true
	}

	feePayer, ok := state[keys[0]]
	fee := uint64(testFeePerSignature * len(tx.Signatures))
	if !ok || feePayer.lamports < fee {
		return fmt.Errorf("InsufficientFundsForFee")
	}
	feePayer.lamports -= fee

	for index, compiled := range msg.Instructions {
		program := keys[compiled.ProgramIDIndex]
		accounts := make([]solana.PublicKey, 0, len(compiled.Accounts))
		metas := make([]*solana.AccountMeta, 0, len(compiled.Accounts))
		for _, i := range compiled.Accounts {
			accounts = append(accounts, keys[i])
			metas = append(metas, &solana.AccountMeta{PublicKey: keys[i], IsSigner: signers[keys[i]]})
		}

		var err interface{}
		switch {
		case l.failProgram != nil && program.Equals(*l.failProgram):
			err = "ProgramFailedToComplete"
		case program.Equals(solana.SystemProgramID):
			err = l.executeSystem(state, signers, accounts, metas, compiled.Data)
		case program.Equals(token.ProgramID):
			err = l.executeToken(state, signers, accounts, metas, compiled.Data)
		case program.Equals(associatedtokenaccount.ProgramID):
			err = l.executeAssociated(state, accounts)
		case program.Equals(l.poolProgram):
			err = l.executePool(state, accounts)
		default:
			err = "IncorrectProgramId"
		}
		if err != nil {
			return &instructionError{index: index, code: err}
		}
	}
	return nil
}

func debit(state map[solana.PublicKey]*fakeAccount, from solana.PublicKey, lamports uint64) interface{} {
	acc, ok := state[from]
	if !ok || acc.lamports < lamports {
		return 1 // ResultWithNegativeLamports
	}
	acc.lamports -= lamports
	return nil
}

func (l *fakeLedger) executeSystem(state map[solana.PublicKey]*fakeAccount, signers map[solana.PublicKey]bool, accounts []solana.PublicKey, metas []*solana.AccountMeta, data []byte) interface{} {
	inst, err := system.DecodeInstruction(metas, data)
	if err != nil {
		return "InvalidInstructionData"
	}

	var funding, created solana.PublicKey
	var lamports, space uint64
	var owner solana.PublicKey
	switch impl := inst.Impl.(type) {
	case *system.CreateAccount:
		funding, created = accounts[0], accounts[1]
		if !signers[created] {
			return "MissingRequiredSignature"
		}
		lamports, space, owner = *impl.Lamports, *impl.Space, *impl.Owner
	case *system.CreateAccountWithSeed:
		funding, created = accounts[0], accounts[1]
		expected, err := solana.CreateWithSeed(*impl.Base, *impl.Seed, *impl.Owner)
		if err != nil || !expected.Equals(created) {
			return 2 // AddressWithSeedMismatch
		}
		if !signers[*impl.Base] {
			return "MissingRequiredSignature"
		}
		lamports, space, owner = *impl.Lamports, *impl.Space, *impl.Owner
	default:
		return "InvalidInstructionData"
	}

	if !signers[funding] {
		return "MissingRequiredSignature"
	}
	if _, ok := state[created]; ok {
		return 0 // AccountAlreadyInUse
	}
	if err := debit(state, funding, lamports); err != nil {
		return err
	}
	state[created] = &fakeAccount{
		lamports: lamports,
		owner:    owner,
		data:     make([]byte, space),
	}
	return nil
}

func encodeTokenState(v interface{}) []byte {
	buf := new(bytes.Buffer)
	if err := bin.NewBinEncoder(buf).Encode(v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func decodeTokenState(data []byte, v interface{}) error {
	return bin.NewBinDecoder(data).Decode(v)
}

func (l *fakeLedger) executeToken(state map[solana.PublicKey]*fakeAccount, signers map[solana.PublicKey]bool, accounts []solana.PublicKey, metas []*solana.AccountMeta, data []byte) interface{} {
	inst, err := token.DecodeInstruction(metas, data)
	if err != nil {
		return "InvalidInstructionData"
	}

	switch impl := inst.Impl.(type) {
	case *token.InitializeMint:
		acc, ok := state[accounts[0]]
		if !ok || !acc.owner.Equals(token.ProgramID) || len(acc.data) != mintSize {
			return "InvalidAccountData"
		}
		authority := *impl.MintAuthority
		acc.data = encodeTokenState(&token.Mint{
			MintAuthority:   &authority,
			Decimals:        *impl.Decimals,
			IsInitialized:   true,
			FreezeAuthority: impl.FreezeAuthority,
		})
		return nil

	case *token.MintTo:
		mintAcc, ok := state[accounts[0]]
		if !ok {
			return "InvalidAccountData"
		}
		var mint token.Mint
		if err := decodeTokenState(mintAcc.data, &mint); err != nil || !mint.IsInitialized {
			return 2 // InvalidMint
		}
		if mint.MintAuthority == nil || !mint.MintAuthority.Equals(accounts[2]) || !signers[accounts[2]] {
			return 4 // OwnerMismatch
		}
		destAcc, ok := state[accounts[1]]
		if !ok {
			return "InvalidAccountData"
		}
		var dest token.Account
		if err := decodeTokenState(destAcc.data, &dest); err != nil || !dest.Mint.Equals(accounts[0]) {
			return 3 // MintMismatch
		}
		mint.Supply += *impl.Amount
		dest.Amount += *impl.Amount
		mintAcc.data = encodeTokenState(&mint)
		destAcc.data = encodeTokenState(&dest)
		return nil

	case *token.Transfer:
		srcAcc, okSrc := state[accounts[0]]
		dstAcc, okDst := state[accounts[1]]
		if !okSrc || !okDst {
			return "InvalidAccountData"
		}
		var src, dst token.Account
		if decodeTokenState(srcAcc.data, &src) != nil || decodeTokenState(dstAcc.data, &dst) != nil {
			return "InvalidAccountData"
		}
		if !src.Owner.Equals(accounts[2]) || !signers[accounts[2]] {
			return 4 // OwnerMismatch
		}
		if !src.Mint.Equals(dst.Mint) {
			return 3 // MintMismatch
		}
		if src.Amount < *impl.Amount {
			return 1 // InsufficientFunds
		}
		src.Amount -= *impl.Amount
		if accounts[0].Equals(accounts[1]) {
			dst = src
		}
		dst.Amount += *impl.Amount
		srcAcc.data = encodeTokenState(&src)
		dstAcc.data = encodeTokenState(&dst)
		return nil
	}
	return "InvalidInstructionData"
}

func (l *fakeLedger) executeAssociated(state map[solana.PublicKey]*fakeAccount, accounts []solana.PublicKey) interface{} {
	payer, ata, wallet, mint := accounts[0], accounts[1], accounts[2], accounts[3]
	expected, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil || !expected.Equals(ata) {
		return "InvalidSeeds"
	}
	if _, ok := state[ata]; ok {
		return 0 // AccountAlreadyInUse
	}
	mintAcc, ok := state[mint]
	if !ok || !mintAcc.owner.Equals(token.ProgramID) {
		return "IncorrectProgramId"
	}
	lamports := l.rent(testTokenAccountLen)
	if err := debit(state, payer, lamports); err != nil {
		return err
	}
	state[ata] = &fakeAccount{
		lamports: lamports,
		owner:    token.ProgramID,
		data: encodeTokenState(&token.Account{
			Mint:  mint,
			Owner: wallet,
		}),
	}
	return nil
}

func (l *fakeLedger) executePool(state map[solana.PublicKey]*fakeAccount, accounts []solana.PublicKey) interface{} {
	if len(accounts) != 1 {
		return "NotEnoughAccountKeys"
	}
	acc, ok := state[accounts[0]]
	if !ok || !acc.owner.Equals(l.poolProgram) {
		return "IncorrectProgramId"
	}
	st, err := DecodePoolState(acc.data)
	if err != nil {
		return "InvalidAccountData"
	}
	st.InvocationCount++
	acc.data = EncodePoolState(st)
	return nil
}

type testEnv struct {
	ledger  *fakeLedger
	pool    *RewardPool
	program solana.PublicKey
	payer   solana.PrivateKey
	from    solana.PrivateKey
	to      solana.PrivateKey
}

func newKey(t *testing.T) solana.PrivateKey {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func newTestEnv(t *testing.T) *testEnv {
	program := newKey(t).PublicKey()
	ledger := newFakeLedger(program)
	env := &testEnv{
		ledger:  ledger,
		program: program,
		payer:   newKey(t),
		from:    newKey(t),
		to:      newKey(t),
	}
	ledger.fund(env.payer.PublicKey(), 10*solana.LAMPORTS_PER_SOL)

	config := NewLocalNetConfig("", program).
		WithoutWebsocket().
		WithConfirmationTimeout(time.Second)
	config.PollInterval = time.Millisecond
	env.pool = newRewardPool(config, env.payer, ledger, nil)
	return env
}

func (e *testEnv) poolAddress(t *testing.T) solana.PublicKey {
	addr, err := e.pool.PoolAddress()
	require.NoError(t, err)
	return addr
}

// setPoolState places a pool account with the given counter on the ledger.
func (e *testEnv) setPoolState(t *testing.T, count uint32) solana.PublicKey {
	addr := e.poolAddress(t)
	e.ledger.setAccount(addr, &fakeAccount{
		lamports: e.ledger.rent(uint64(PoolStateSize)),
		owner:    e.program,
		data:     EncodePoolState(common.PoolState{InvocationCount: count}),
	})
	return addr
}

func (e *testEnv) tokenAmount(t *testing.T, holding solana.PublicKey) uint64 {
	amount, err := e.pool.TokenBalance(context.Background(), holding)
	require.NoError(t, err)
	return amount
}
