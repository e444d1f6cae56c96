package flashloan

import (
	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
)

// SignerAccount checks that the account signed the transaction.
func SignerAccount(info *svm.AccountInfo) error {
	if !info.IsSigner {
		return ErrNotSigner
	}
	return nil
}

// ProgramAccount checks that the account is owned by program.
func ProgramAccount(info *svm.AccountInfo, program types.Pubkey) error {
	if !info.IsOwnedBy(program) {
		return ErrInvalidOwner
	}
	return nil
}

// EmptyAccount checks that the account holds no data.
func EmptyAccount(info *svm.AccountInfo) error {
	if !info.DataIsEmpty() {
		return ErrLedgerNotEmpty
	}
	return nil
}

// TokenAccount checks that the account is a token program account with the
// SPL account layout.
func TokenAccount(info *svm.AccountInfo) error {
	if !info.IsOwnedBy(token.ProgramID) {
		return ErrInvalidOwner
	}
	if len(info.Data) != token.AccountSize {
		return svm.ErrInvalidAccountData
	}
	return nil
}
