package flashloan

import (
	"fmt"
	"math/bits"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
)

const (
	repayBorrowerIndex = iota
	repayLedgerIndex

	repayFixedAccounts
)

// RepayRequest is a validated Repay instruction.
type RepayRequest struct {
	Borrower *svm.AccountInfo
	Ledger   *svm.AccountInfo

	// Assets are the protocol-side token accounts, in Loan order.
	Assets []*svm.AccountInfo
}

// ParseRepay validates the accounts of a Repay instruction.
func ParseRepay(accounts []*svm.AccountInfo) (*RepayRequest, error) {
	if len(accounts) < repayFixedAccounts {
		return nil, svm.ErrNotEnoughAccountKeys
	}

	return &RepayRequest{
		Borrower: accounts[repayBorrowerIndex],
		Ledger:   accounts[repayLedgerIndex],
		Assets:   accounts[repayFixedAccounts:],
	}, nil
}

func (p *Program) processRepay(ctx svm.InvokeContext, req *RepayRequest) error {
	if err := ProgramAccount(req.Ledger, p.cfg.ProgramID); err != nil {
		return err
	}

	count, err := EntryCount(req.Ledger.Data)
	if err != nil {
		return err
	}
	if count != len(req.Assets) {
		return ErrArityMismatch
	}

	for i, asset := range req.Assets {
		entry, err := GetEntry(req.Ledger.Data, i)
		if err != nil {
			return err
		}
		if entry.ResourceAccount != asset.Key {
			return ErrOutOfOrderOrWrongAccount
		}

		if err := TokenAccount(asset); err != nil {
			return err
		}
		balance, err := token.AmountOf(asset.Data)
		if err != nil {
			return err
		}
		if balance < entry.Obligation {
			ctx.Log(fmt.Sprintf("repay %d: balance %d below obligation %d", i, balance, entry.Obligation))
			return ErrInsufficientRepayment
		}
	}

	refund, carry := bits.Add64(req.Borrower.Lamports, req.Ledger.Lamports, 0)
	if carry != 0 {
		return svm.ErrArithmeticOverflow
	}

	req.Borrower.Lamports = refund
	req.Ledger.Lamports = 0
	req.Ledger.Data = nil
	req.Ledger.Owner = types.SystemProgramAddr

	ctx.Log(fmt.Sprintf("repay: closed ledger %s, %d legs", req.Ledger.Key, count))
	return nil
}
