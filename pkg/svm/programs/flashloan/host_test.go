package flashloan

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/pda"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/system"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
	"github.com/fortiblox/x1-flashloan/pkg/svm/sysvar"
)

// testHost is a minimal in-memory runtime: it runs native programs against
// a map of accounts, supports signed invocations and discards every change
// of a failed transaction.
type testHost struct {
	t        *testing.T
	accounts map[types.Pubkey]*svm.AccountInfo
	programs map[types.Pubkey]svm.Program
	rent     sysvar.Rent
	logs     []string
}

func newTestHost(t *testing.T) *testHost {
	return &testHost{
		t:        t,
		accounts: make(map[types.Pubkey]*svm.AccountInfo),
		programs: map[types.Pubkey]svm.Program{
			system.ProgramID: system.NewProcessor(),
			token.ProgramID:  token.NewProcessor(),
		},
		rent: sysvar.DefaultRent(),
	}
}

func (h *testHost) account(key types.Pubkey) *svm.AccountInfo {
	acc, ok := h.accounts[key]
	if !ok {
		acc = &svm.AccountInfo{Key: key, Owner: system.ProgramID}
		h.accounts[key] = acc
	}
	return acc
}

func (h *testHost) setTokenAccount(key, mint, owner types.Pubkey, amount uint64) {
	state := token.Account{Mint: mint, Owner: owner, Amount: amount, State: token.AccountStateInitialized}
	acc := h.account(key)
	acc.Owner = token.ProgramID
	acc.Lamports = h.rent.MinimumBalance(token.AccountSize)
	acc.Data = state.Marshal()
}

func (h *testHost) balance(key types.Pubkey) uint64 {
	amount, err := token.AmountOf(h.account(key).Data)
	require.NoError(h.t, err)
	return amount
}

func (h *testHost) snapshot() map[types.Pubkey]svm.AccountInfo {
	out := make(map[types.Pubkey]svm.AccountInfo, len(h.accounts))
	for key, acc := range h.accounts {
		cp := *acc
		cp.Data = bytes.Clone(acc.Data)
		out[key] = cp
	}
	return out
}

func (h *testHost) restore(snap map[types.Pubkey]svm.AccountInfo) {
	h.accounts = make(map[types.Pubkey]*svm.AccountInfo, len(snap))
	for key, acc := range snap {
		cp := acc
		h.accounts[key] = &cp
	}
}

// execute runs ixs as one transaction.
func (h *testHost) execute(ixs ...svm.Instruction) error {
	snap := h.snapshot()

	sysvarAcc := h.account(types.SysvarInstructionsAddr)
	data, err := sysvar.SerializeInstructions(ixs)
	require.NoError(h.t, err)
	sysvarAcc.Data = data

	for i, ix := range ixs {
		require.NoError(h.t, sysvar.StoreCurrentIndex(sysvarAcc.Data, uint16(i)))

		frame := h.newFrame(ix.ProgramID, ix.Accounts, 0)
		if err := h.run(frame, ix.Data); err != nil {
			h.restore(snap)
			return &svm.InstructionError{Index: i, Err: err}
		}
	}
	return nil
}

func (h *testHost) run(f *testFrame, data []byte) error {
	program, ok := h.programs[f.programID]
	if !ok {
		return svm.ErrUnsupportedProgramID
	}
	if err := program.Process(f, data); err != nil {
		return err
	}
	f.flush()
	return nil
}

type testFrame struct {
	host      *testHost
	programID types.Pubkey
	infos     []*svm.AccountInfo
	depth     int
}

func (h *testHost) newFrame(programID types.Pubkey, metas []svm.AccountMeta, depth int) *testFrame {
	f := &testFrame{host: h, programID: programID, depth: depth}
	seen := make(map[types.Pubkey]*svm.AccountInfo)
	for _, meta := range metas {
		if info, ok := seen[meta.Pubkey]; ok {
			info.IsSigner = info.IsSigner || meta.IsSigner
			info.IsWritable = info.IsWritable || meta.IsWritable
			f.infos = append(f.infos, info)
			continue
		}
		acc := h.account(meta.Pubkey)
		info := &svm.AccountInfo{
			Key:        acc.Key,
			Owner:      acc.Owner,
			Lamports:   acc.Lamports,
			Data:       bytes.Clone(acc.Data),
			Executable: acc.Executable,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		}
		seen[meta.Pubkey] = info
		f.infos = append(f.infos, info)
	}
	return f
}

// flush writes the frame's view back to the host accounts.
func (f *testFrame) flush() {
	for _, info := range f.infos {
		acc := f.host.account(info.Key)
		acc.Owner = info.Owner
		acc.Lamports = info.Lamports
		acc.Data = bytes.Clone(info.Data)
	}
}

// reload refreshes the frame's view from the host accounts.
func (f *testFrame) reload() {
	for _, info := range f.infos {
		acc := f.host.account(info.Key)
		info.Owner = acc.Owner
		info.Lamports = acc.Lamports
		info.Data = bytes.Clone(acc.Data)
	}
}

func (f *testFrame) ProgramID() types.Pubkey { return f.programID }
func (f *testFrame) NumAccounts() int        { return len(f.infos) }

func (f *testFrame) GetAccount(index int) (*svm.AccountInfo, error) {
	if index < 0 || index >= len(f.infos) {
		return nil, svm.ErrNotEnoughAccountKeys
	}
	return f.infos[index], nil
}

func (f *testFrame) GetRentMinimum(dataLen uint64) uint64 { return f.host.rent.MinimumBalance(dataLen) }
func (f *testFrame) ConsumeCU(uint64) error                { return nil }
func (f *testFrame) Log(msg string)                        { f.host.logs = append(f.host.logs, msg) }

func (f *testFrame) Invoke(ix svm.Instruction, signers ...svm.SignerSeeds) error {
	if f.depth+1 > svm.CPIDepthMax {
		return svm.ErrCPIDepthExceeded
	}

	signed := make(map[types.Pubkey]bool)
	for _, seeds := range signers {
		addr, err := pda.CreateProgramAddress(seeds, f.programID)
		if err != nil {
			return err
		}
		signed[addr] = true
	}

	for _, meta := range ix.Accounts {
		var caller *svm.AccountInfo
		for _, info := range f.infos {
			if info.Key == meta.Pubkey {
				caller = info
				break
			}
		}
		if caller == nil {
			return svm.ErrNotEnoughAccountKeys
		}
		if meta.IsWritable && !caller.IsWritable {
			return svm.ErrInvalidAccountData
		}
		if meta.IsSigner && !caller.IsSigner && !signed[meta.Pubkey] {
			return svm.ErrMissingRequiredSignature
		}
	}

	f.flush()
	callee := f.host.newFrame(ix.ProgramID, ix.Accounts, f.depth+1)
	if err := f.host.run(callee, ix.Data); err != nil {
		return err
	}
	f.reload()
	return nil
}

// instructionList is a fixed introspection source.
type instructionList []svm.Instruction

func (l instructionList) NumInstructions() int { return len(l) }

func (l instructionList) LoadInstructionAt(index int) (svm.Instruction, error) {
	if index < 0 || index >= len(l) {
		return svm.Instruction{}, sysvar.ErrInstructionIndexOutOfRange
	}
	return l[index], nil
}
