// Package token implements the native subset of the SPL Token program used by
// flash loans: account initialization and transfers.
package token

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
)

// ProgramID is the address of the token program.
//
// Current key: TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA
var ProgramID = types.TokenProgramAddr

type Command byte

const (
	CommandInitializeMint Command = iota
	CommandInitializeAccount
	CommandInitializeMultisig
	CommandTransfer

	CommandUnknown = Command(math.MaxUint8)
)

// Custom errors, numbered as the on-chain program numbers them.
const (
	ErrorNotRentExempt svm.CustomError = iota
	ErrorInsufficientFunds
	ErrorInvalidMint
	ErrorMintMismatch
	ErrorOwnerMismatch
	ErrorFixedSupply
	ErrorAlreadyInUse
	ErrorInvalidNumberOfProvidedSigners
	ErrorInvalidNumberOfRequiredSigners
	ErrorUninitializedState
	ErrorNativeNotSupported
	ErrorNonNativeHasBalance
	ErrorInvalidInstruction
	ErrorInvalidState
	ErrorOverflow
	ErrorAuthorityTypeNotSupported
	ErrorMintCannotFreeze
	ErrorAccountFrozen
)

// Processor executes token program instructions.
type Processor struct{}

// NewProcessor creates a new token program processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process executes a token program instruction.
func (p *Processor) Process(ctx svm.InvokeContext, data []byte) error {
	if len(data) == 0 {
		return ErrorInvalidInstruction
	}

	if err := ctx.ConsumeCU(svm.CUTokenProgramDefault); err != nil {
		return err
	}

	switch Command(data[0]) {
	case CommandInitializeAccount:
		return p.processInitializeAccount(ctx)
	case CommandTransfer:
		return p.processTransfer(ctx, data[1:])
	default:
		return ErrorInvalidInstruction
	}
}

// Accounts:
//
//	0. [writable] The account to initialize.
//	1. [] The mint this account will be associated with.
//	2. [] The new account's owner.
//	3. [] Rent sysvar
func (p *Processor) processInitializeAccount(ctx svm.InvokeContext) error {
	if ctx.NumAccounts() < 3 {
		return svm.ErrNotEnoughAccountKeys
	}

	account, _ := ctx.GetAccount(0)
	mint, _ := ctx.GetAccount(1)
	owner, _ := ctx.GetAccount(2)

	if !account.IsOwnedBy(ProgramID) {
		return svm.ErrIncorrectProgramID
	}
	if len(account.Data) != AccountSize {
		return svm.ErrInvalidAccountData
	}

	var state Account
	state.Unmarshal(account.Data)
	if state.State != AccountStateUninitialized {
		return ErrorAlreadyInUse
	}
	if account.Lamports < ctx.GetRentMinimum(AccountSize) {
		return ErrorNotRentExempt
	}

	state = Account{
		Mint:  mint.Key,
		Owner: owner.Key,
		State: AccountStateInitialized,
	}
	copy(account.Data, state.Marshal())

	ctx.Log("Instruction: InitializeAccount")
	return nil
}

// Accounts:
//
//	0. [writable] The source account.
//	1. [writable] The destination account.
//	2. [signer] The source account's owner.
func (p *Processor) processTransfer(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 8 {
		return ErrorInvalidInstruction
	}
	amount := binary.LittleEndian.Uint64(data)

	if ctx.NumAccounts() < 3 {
		return svm.ErrNotEnoughAccountKeys
	}

	source, _ := ctx.GetAccount(0)
	dest, _ := ctx.GetAccount(1)
	authority, _ := ctx.GetAccount(2)

	src, err := loadInitialized(source)
	if err != nil {
		return err
	}
	dst, err := loadInitialized(dest)
	if err != nil {
		return err
	}

	if src.State == AccountStateFrozen || dst.State == AccountStateFrozen {
		return ErrorAccountFrozen
	}
	if src.Amount < amount {
		return ErrorInsufficientFunds
	}
	if src.Mint != dst.Mint {
		return ErrorMintMismatch
	}
	if authority.Key != src.Owner {
		return ErrorOwnerMismatch
	}
	if !authority.IsSigner {
		return svm.ErrMissingRequiredSignature
	}

	ctx.Log("Instruction: Transfer")

	if source.Key == dest.Key {
		return nil
	}

	if !source.IsWritable || !dest.IsWritable {
		return svm.ErrInvalidAccountData
	}
	if dst.Amount > math.MaxUint64-amount {
		return ErrorOverflow
	}

	src.Amount -= amount
	dst.Amount += amount

	copy(source.Data, src.Marshal())
	copy(dest.Data, dst.Marshal())

	return nil
}

func loadInitialized(info *svm.AccountInfo) (*Account, error) {
	if !info.IsOwnedBy(ProgramID) {
		return nil, svm.ErrIncorrectProgramID
	}

	var state Account
	if !state.Unmarshal(info.Data) {
		return nil, fmt.Errorf("%w: %s", svm.ErrInvalidAccountData, info.Key)
	}
	if state.State == AccountStateUninitialized {
		return nil, ErrorUninitializedState
	}
	return &state, nil
}
