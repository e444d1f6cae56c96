package flashloan

import (
	"encoding/binary"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/system"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
)

// AssetPair is one borrowed leg: the pool account funding it and the
// borrower account receiving it.
type AssetPair struct {
	Protocol types.Pubkey
	Borrower types.Pubkey
}

// LoanAccounts are the accounts of a Loan instruction.
type LoanAccounts struct {
	Borrower types.Pubkey
	Protocol types.Pubkey
	Ledger   types.Pubkey
	Assets   []AssetPair
}

// NewLoanInstruction builds a Loan instruction borrowing amounts[i] through
// accounts.Assets[i].
func (c Config) NewLoanInstruction(accounts LoanAccounts, bump uint8, feeBps uint16, amounts []uint64) svm.Instruction {
	data := make([]byte, 1+1+2+8*len(amounts))
	data[0] = LoanDiscriminator
	data[1] = bump
	binary.LittleEndian.PutUint16(data[2:], feeBps)
	for i, amount := range amounts {
		binary.LittleEndian.PutUint64(data[4+8*i:], amount)
	}

	metas := []svm.AccountMeta{
		svm.NewAccountMeta(accounts.Borrower, true),
		svm.NewReadonlyAccountMeta(accounts.Protocol, false),
		svm.NewAccountMeta(accounts.Ledger, true),
		svm.NewReadonlyAccountMeta(types.SysvarInstructionsAddr, false),
		svm.NewReadonlyAccountMeta(token.ProgramID, false),
		svm.NewReadonlyAccountMeta(system.ProgramID, false),
	}
	for _, pair := range accounts.Assets {
		metas = append(metas,
			svm.NewAccountMeta(pair.Protocol, false),
			svm.NewAccountMeta(pair.Borrower, false),
		)
	}

	return svm.Instruction{
		ProgramID: c.ProgramID,
		Accounts:  metas,
		Data:      data,
	}
}

// NewRepayInstruction builds a Repay instruction closing ledger. protocol
// lists the pool accounts in the order they were borrowed from.
func (c Config) NewRepayInstruction(borrower, ledger types.Pubkey, protocol ...types.Pubkey) svm.Instruction {
	metas := []svm.AccountMeta{
		svm.NewAccountMeta(borrower, false),
		svm.NewAccountMeta(ledger, false),
	}
	for _, key := range protocol {
		metas = append(metas, svm.NewReadonlyAccountMeta(key, false))
	}

	return svm.Instruction{
		ProgramID: c.ProgramID,
		Accounts:  metas,
		Data:      []byte{RepayDiscriminator},
	}
}
