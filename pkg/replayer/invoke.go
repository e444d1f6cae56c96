package replayer

import (
	"bytes"
	"fmt"
	"math"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/pda"
	"github.com/fortiblox/x1-flashloan/pkg/svm/sysvar"
)

// Errors raised by the runtime on behalf of an instruction.
var (
	// ErrPrivilegeEscalation is returned when an invocation requests a signer
	// or writable privilege its caller does not hold.
	ErrPrivilegeEscalation = errors.New("cross-program invocation with unauthorized signer or writable account")

	// ErrMissingAccount is returned when an invocation references an account
	// the caller was not given.
	ErrMissingAccount = errors.New("an account required by the instruction is missing")

	// ErrReentrancyNotAllowed is returned when a program on the call stack is
	// invoked again by another program.
	ErrReentrancyNotAllowed = errors.New("cross-program invocation reentrancy not allowed for this instruction")

	// ErrReadonlyLamportChange is returned when a readonly account's balance changed.
	ErrReadonlyLamportChange = errors.New("instruction changed the balance of a read-only account")

	// ErrReadonlyDataModified is returned when a readonly account's data or owner changed.
	ErrReadonlyDataModified = errors.New("instruction modified data of a read-only account")

	// ErrExternalAccountLamportSpend is returned when a program debits an account it does not own.
	ErrExternalAccountLamportSpend = errors.New("instruction spent from the balance of an account it does not own")

	// ErrExternalAccountDataModified is returned when a program writes data of an account it does not own.
	ErrExternalAccountDataModified = errors.New("instruction modified data of an account it does not own")

	// ErrModifiedProgramID is returned when a program reassigns an account it does not own.
	ErrModifiedProgramID = errors.New("instruction illegally modified the program id of an account")

	// ErrExecutableModified is returned when an account's executable flag changed.
	ErrExecutableModified = errors.New("instruction changed executable bit of an account")

	// ErrUnbalancedInstruction is returned when the lamport total of an
	// invocation's accounts changed.
	ErrUnbalancedInstruction = errors.New("sum of account balances before and after instruction do not match")
)

// execution is the state of one transaction.
type execution struct {
	// state is the working copy every frame reads from and flushes to.
	state map[types.Pubkey]*accounts.Account

	// original holds the loaded accounts; sysvars are absent.
	original map[types.Pubkey]*accounts.Account

	programs map[types.Pubkey]svm.Program
	rent     sysvar.Rent
	meter    *svm.ComputeMeter
	logs     []string
}

// execute runs the top-level instructions in order and stops at the first
// failure.
func (x *execution) execute(ixs []svm.Instruction) *svm.InstructionError {
	for i, ix := range ixs {
		if acc, ok := x.state[types.SysvarInstructionsAddr]; ok {
			if i > math.MaxUint16 {
				return &svm.InstructionError{Index: i, Err: sysvar.ErrInstructionsTooLarge}
			}
			if err := sysvar.StoreCurrentIndex(acc.Data, uint16(i)); err != nil {
				return &svm.InstructionError{Index: i, Err: err}
			}
		}

		metas := make([]svm.AccountMeta, len(ix.Accounts))
		for j, meta := range ix.Accounts {
			if x.isDemoted(meta.Pubkey) {
				meta.IsWritable = false
			}
			metas[j] = meta
		}

		f := x.newFrame(ix.ProgramID, metas, nil)
		if err := x.run(f, ix.Data); err != nil {
			return &svm.InstructionError{Index: i, Err: err}
		}
	}
	return nil
}

// isDemoted reports whether key may never be written: sysvars and programs.
func (x *execution) isDemoted(key types.Pubkey) bool {
	if types.IsSysvar(key) {
		return true
	}
	_, ok := x.programs[key]
	return ok
}

func (x *execution) log(format string, args ...any) {
	x.logs = append(x.logs, fmt.Sprintf(format, args...))
}

// run processes f's instruction, verifies the account changes it made and
// writes them to the working state.
func (x *execution) run(f *frame, data []byte) error {
	program, ok := x.programs[f.programID]
	if !ok {
		return errors.Wrapf(svm.ErrUnsupportedProgramID, "program %s", f.programID)
	}

	x.log("Program %s invoke [%d]", f.programID, f.depth+1)

	err := program.Process(f, data)
	if err == nil {
		err = f.verify()
	}
	if err != nil {
		x.log("Program %s failed: %v", f.programID, err)
		return err
	}

	f.flush()
	x.log("Program %s success", f.programID)
	return nil
}

// snapshot is the part of an account a frame's verification compares.
type snapshot struct {
	lamports   uint64
	owner      types.Pubkey
	executable bool
	data       []byte
}

// frame is one program invocation. Its AccountInfo views are private copies
// of the working state; a key listed twice shares one view.
type frame struct {
	x         *execution
	programID types.Pubkey
	parent    *frame
	depth     int

	infos  []*svm.AccountInfo
	unique []*svm.AccountInfo

	// baseline is the state verification compares against.
	baseline map[types.Pubkey]snapshot
}

func (x *execution) newFrame(programID types.Pubkey, metas []svm.AccountMeta, parent *frame) *frame {
	f := &frame{
		x:         x,
		programID: programID,
		parent:    parent,
		infos:     make([]*svm.AccountInfo, 0, len(metas)),
	}
	if parent != nil {
		f.depth = parent.depth + 1
	}

	seen := make(map[types.Pubkey]*svm.AccountInfo, len(metas))
	for _, meta := range metas {
		if info, ok := seen[meta.Pubkey]; ok {
			info.IsSigner = info.IsSigner || meta.IsSigner
			info.IsWritable = info.IsWritable || meta.IsWritable
			f.infos = append(f.infos, info)
			continue
		}
		info := &svm.AccountInfo{
			Key:        meta.Pubkey,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		}
		seen[meta.Pubkey] = info
		f.infos = append(f.infos, info)
		f.unique = append(f.unique, info)
	}

	f.reload()
	f.rebase()
	return f
}

// reload refreshes the views from the working state.
func (f *frame) reload() {
	for _, info := range f.unique {
		acc := f.x.state[info.Key]
		info.Owner = acc.Owner
		info.Lamports = acc.Lamports
		info.Data = bytes.Clone(acc.Data)
		info.Executable = acc.Executable
		info.RentEpoch = acc.RentEpoch
	}
}

// rebase makes the current views the verification baseline.
func (f *frame) rebase() {
	f.baseline = make(map[types.Pubkey]snapshot, len(f.unique))
	for _, info := range f.unique {
		f.baseline[info.Key] = snapshot{
			lamports:   info.Lamports,
			owner:      info.Owner,
			executable: info.Executable,
			data:       bytes.Clone(info.Data),
		}
	}
}

// flush writes the views to the working state.
func (f *frame) flush() {
	for _, info := range f.unique {
		acc := f.x.state[info.Key]
		acc.Owner = info.Owner
		acc.Lamports = info.Lamports
		acc.Data = bytes.Clone(info.Data)
		acc.Executable = info.Executable
	}
}

// verify checks the changes made since the baseline against the account
// ownership rules.
func (f *frame) verify() error {
	var preHi, preLo, postHi, postLo, carry uint64

	for _, info := range f.unique {
		pre := f.baseline[info.Key]

		preLo, carry = bits.Add64(preLo, pre.lamports, 0)
		preHi += carry
		postLo, carry = bits.Add64(postLo, info.Lamports, 0)
		postHi += carry

		dataChanged := !bytes.Equal(pre.data, info.Data)

		if !info.IsWritable {
			if info.Lamports != pre.lamports {
				return errors.Wrapf(ErrReadonlyLamportChange, "account %s", info.Key)
			}
			if dataChanged || info.Owner != pre.owner {
				return errors.Wrapf(ErrReadonlyDataModified, "account %s", info.Key)
			}
		}

		if info.Executable != pre.executable {
			return errors.Wrapf(ErrExecutableModified, "account %s", info.Key)
		}

		owned := pre.owner == f.programID
		if info.Owner != pre.owner && !owned {
			return errors.Wrapf(ErrModifiedProgramID, "account %s", info.Key)
		}
		if info.Lamports < pre.lamports && !owned {
			return errors.Wrapf(ErrExternalAccountLamportSpend, "account %s", info.Key)
		}
		if dataChanged && !owned {
			return errors.Wrapf(ErrExternalAccountDataModified, "account %s", info.Key)
		}
	}

	if preHi != postHi || preLo != postLo {
		return ErrUnbalancedInstruction
	}
	return nil
}

func (f *frame) ProgramID() types.Pubkey { return f.programID }
func (f *frame) NumAccounts() int        { return len(f.infos) }

func (f *frame) GetAccount(index int) (*svm.AccountInfo, error) {
	if index < 0 || index >= len(f.infos) {
		return nil, svm.ErrNotEnoughAccountKeys
	}
	return f.infos[index], nil
}

func (f *frame) GetRentMinimum(dataLen uint64) uint64 {
	return f.x.rent.MinimumBalance(dataLen)
}

func (f *frame) ConsumeCU(cost uint64) error {
	return f.x.meter.Consume(cost)
}

func (f *frame) Log(msg string) {
	f.x.log("Program log: %s", msg)
}

// Invoke runs ix as a cross-program invocation of f.
func (f *frame) Invoke(ix svm.Instruction, signers ...svm.SignerSeeds) error {
	if err := f.x.meter.Consume(svm.CUInvokeBase); err != nil {
		return err
	}
	if f.depth+1 > svm.CPIDepthMax {
		return svm.ErrCPIDepthExceeded
	}
	if err := f.checkReentrancy(ix.ProgramID); err != nil {
		return err
	}
	if f.find(ix.ProgramID) == nil {
		return errors.Wrapf(ErrMissingAccount, "program %s", ix.ProgramID)
	}

	signed := make(map[types.Pubkey]bool, len(signers))
	for _, seeds := range signers {
		if err := f.x.meter.Consume(svm.CUCreateProgramAddress); err != nil {
			return err
		}
		addr, err := pda.CreateProgramAddress(seeds, f.programID)
		if err != nil {
			return err
		}
		signed[addr] = true
	}

	for _, meta := range ix.Accounts {
		caller := f.find(meta.Pubkey)
		if caller == nil {
			return errors.Wrapf(ErrMissingAccount, "account %s", meta.Pubkey)
		}
		if meta.IsWritable && !caller.IsWritable {
			return errors.Wrapf(ErrPrivilegeEscalation, "%s writable", meta.Pubkey)
		}
		if meta.IsSigner && !caller.IsSigner && !signed[meta.Pubkey] {
			return errors.Wrapf(ErrPrivilegeEscalation, "%s signer", meta.Pubkey)
		}
	}

	// The caller's own changes are checked and published before the callee
	// sees the accounts.
	if err := f.verify(); err != nil {
		return err
	}
	f.flush()

	callee := f.x.newFrame(ix.ProgramID, ix.Accounts, f)
	if err := f.x.run(callee, ix.Data); err != nil {
		return err
	}

	f.reload()
	f.rebase()
	return nil
}

func (f *frame) find(key types.Pubkey) *svm.AccountInfo {
	for _, info := range f.unique {
		if info.Key == key {
			return info
		}
	}
	return nil
}

// checkReentrancy allows a program to invoke itself directly but not to be
// re-entered through another program.
func (f *frame) checkReentrancy(programID types.Pubkey) error {
	if programID == f.programID {
		return nil
	}
	for p := f.parent; p != nil; p = p.parent {
		if p.programID == programID {
			return errors.Wrapf(ErrReentrancyNotAllowed, "program %s", programID)
		}
	}
	return nil
}

var _ svm.InvokeContext = (*frame)(nil)
