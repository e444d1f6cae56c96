// Package svm defines the contract between native programs and the host
// runtime that executes them.
//
// A program receives an InvokeContext exposing the accounts of the current
// instruction in the order the instruction listed them, a rent calculator,
// a compute meter and a way to invoke other programs (CPI) under
// program-derived signing authority. The host owns rollback: programs mutate
// AccountInfo values in place and simply return an error to abort.
package svm

import (
	"errors"
	"fmt"

	"github.com/fortiblox/x1-flashloan/internal/types"
)

var (
	// ErrNotEnoughAccountKeys is returned when an instruction carries fewer accounts than required.
	ErrNotEnoughAccountKeys = errors.New("not enough account keys")

	// ErrInvalidInstructionData is returned for malformed instruction payloads.
	ErrInvalidInstructionData = errors.New("invalid instruction data")

	// ErrInvalidAccountData is returned when account data does not have the expected layout.
	ErrInvalidAccountData = errors.New("invalid account data")

	// ErrIncorrectProgramID is returned when an account is not the expected program.
	ErrIncorrectProgramID = errors.New("incorrect program id")

	// ErrUnsupportedProgramID is returned when no program is registered for an id.
	ErrUnsupportedProgramID = errors.New("unsupported program id")

	// ErrMissingRequiredSignature is returned when a required signer did not sign.
	ErrMissingRequiredSignature = errors.New("missing required signature")

	// ErrInsufficientFunds is returned when a debit exceeds the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrArithmeticOverflow is returned when a balance update would overflow.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
)

// AccountMeta describes an account referenced by an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// NewAccountMeta returns a writable AccountMeta.
func NewAccountMeta(pubkey types.Pubkey, isSigner bool) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: isSigner, IsWritable: true}
}

// NewReadonlyAccountMeta returns a readonly AccountMeta.
func NewReadonlyAccountMeta(pubkey types.Pubkey, isSigner bool) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: isSigner}
}

// Instruction is an uncompiled instruction: a program, its accounts in
// program-defined order, and an opaque payload.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// AccountInfo holds account state during execution. Programs mutate it in
// place; the host decides whether the mutation is ever persisted.
type AccountInfo struct {
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	Data       []byte
	Executable bool
	RentEpoch  uint64
	IsSigner   bool
	IsWritable bool
}

// IsOwnedBy reports whether the account is owned by program.
func (a *AccountInfo) IsOwnedBy(program types.Pubkey) bool {
	return a.Owner == program
}

// DataIsEmpty reports whether the account holds no data.
func (a *AccountInfo) DataIsEmpty() bool {
	return len(a.Data) == 0
}

// SignerSeeds is the seed list proving a program-derived signature.
type SignerSeeds [][]byte

// InvokeContext provides context for program execution.
type InvokeContext interface {
	// ProgramID returns the id of the currently executing program.
	ProgramID() types.Pubkey

	// NumAccounts returns the number of accounts passed to the instruction.
	NumAccounts() int

	// GetAccount returns the account at the given index.
	GetAccount(index int) (*AccountInfo, error)

	// GetRentMinimum returns the rent-exempt minimum for given data size.
	GetRentMinimum(dataLen uint64) uint64

	// ConsumeCU charges compute units against the transaction budget.
	ConsumeCU(cost uint64) error

	// Invoke performs a cross-program invocation. Each SignerSeeds entry
	// authorises one program-derived address of the calling program.
	Invoke(ix Instruction, signers ...SignerSeeds) error

	// Log records a log message.
	Log(msg string)
}

// Accounts collects every account of the current instruction.
func Accounts(ctx InvokeContext) ([]*AccountInfo, error) {
	infos := make([]*AccountInfo, ctx.NumAccounts())
	for i := range infos {
		info, err := ctx.GetAccount(i)
		if err != nil {
			return nil, err
		}
		infos[i] = info
	}
	return infos, nil
}

// Program is a natively implemented on-ledger program.
type Program interface {
	Process(ctx InvokeContext, data []byte) error
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(ctx InvokeContext, data []byte) error

// Process calls f(ctx, data).
func (f ProgramFunc) Process(ctx InvokeContext, data []byte) error {
	return f(ctx, data)
}

// CustomError is the numerical error returned by a non-native program.
type CustomError uint32

func (c CustomError) Error() string {
	return fmt.Sprintf("custom program error: 0x%x", uint32(c))
}

// Coder is implemented by program errors that map onto a CustomError code.
type Coder interface {
	Code() uint32
}

// InstructionError indicates an instruction returned an error in a transaction.
type InstructionError struct {
	Index int
	Err   error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("instruction %d failed: %v", e.Index, e.Err)
}

func (e *InstructionError) Unwrap() error {
	return e.Err
}

// Code returns the custom error code carried by the failure, if any.
func (e *InstructionError) Code() (uint32, bool) {
	var coder Coder
	if errors.As(e.Err, &coder) {
		return coder.Code(), true
	}
	var custom CustomError
	if errors.As(e.Err, &custom) {
		return uint32(custom), true
	}
	return 0, false
}
