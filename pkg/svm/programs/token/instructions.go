package token

import (
	"encoding/binary"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
)

func InitializeAccount(account, mint, owner types.Pubkey) svm.Instruction {
	return svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			svm.NewAccountMeta(account, false),
			svm.NewReadonlyAccountMeta(mint, false),
			svm.NewReadonlyAccountMeta(owner, false),
			svm.NewReadonlyAccountMeta(types.SysvarRentAddr, false),
		},
		Data: []byte{byte(CommandInitializeAccount)},
	}
}

func Transfer(source, dest, owner types.Pubkey, amount uint64) svm.Instruction {
	data := make([]byte, 1+8)
	data[0] = byte(CommandTransfer)
	binary.LittleEndian.PutUint64(data[1:], amount)

	return svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			svm.NewAccountMeta(source, false),
			svm.NewAccountMeta(dest, false),
			svm.NewReadonlyAccountMeta(owner, true),
		},
		Data: data,
	}
}
