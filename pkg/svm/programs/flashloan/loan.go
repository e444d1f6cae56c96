package flashloan

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/system"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
)

// FeeDenominator is the basis-point scale of FeeBps.
const FeeDenominator = 10_000

// Fixed leading accounts of a Loan instruction.
const (
	loanBorrowerIndex = iota
	loanProtocolIndex
	loanLedgerIndex
	loanInstructionsIndex
	loanTokenProgramIndex
	loanSystemProgramIndex

	loanFixedAccounts
)

// LoanRequest is a validated Loan instruction.
type LoanRequest struct {
	Borrower     *svm.AccountInfo
	Protocol     *svm.AccountInfo
	Ledger       *svm.AccountInfo
	Instructions *svm.AccountInfo

	// Assets alternates protocol-side and borrower-side token accounts;
	// pair i funds Amounts[i].
	Assets []*svm.AccountInfo

	AuthorityBump uint8
	FeeBps        uint16
	Amounts       []uint64
}

// Pair returns the protocol-side and borrower-side accounts of leg i.
func (r *LoanRequest) Pair(i int) (protocol, borrower *svm.AccountInfo) {
	return r.Assets[2*i], r.Assets[2*i+1]
}

// ParseLoan validates the accounts and payload of a Loan instruction. data
// excludes the discriminator. Accounts are validated before the payload so a
// reused ledger is reported regardless of payload validity.
func ParseLoan(accounts []*svm.AccountInfo, data []byte) (*LoanRequest, error) {
	if len(accounts) <= loanFixedAccounts {
		return nil, svm.ErrNotEnoughAccountKeys
	}

	req := &LoanRequest{
		Borrower:     accounts[loanBorrowerIndex],
		Protocol:     accounts[loanProtocolIndex],
		Ledger:       accounts[loanLedgerIndex],
		Instructions: accounts[loanInstructionsIndex],
		Assets:       accounts[loanFixedAccounts:],
	}

	if req.Instructions.Key != types.SysvarInstructionsAddr {
		return nil, ErrUnsupportedIntrospectionSource
	}
	if len(req.Assets)%2 != 0 {
		return nil, ErrArityMismatch
	}
	if err := EmptyAccount(req.Ledger); err != nil {
		return nil, err
	}
	if err := SignerAccount(req.Borrower); err != nil {
		return nil, err
	}

	// bump (1) + fee (2) + amounts (8 * N)
	if len(data) < 3 || (len(data)-3)%8 != 0 {
		return nil, svm.ErrInvalidInstructionData
	}
	req.AuthorityBump = data[0]
	req.FeeBps = binary.LittleEndian.Uint16(data[1:3])

	tail := data[3:]
	req.Amounts = make([]uint64, len(tail)/8)
	for i := range req.Amounts {
		req.Amounts[i] = binary.LittleEndian.Uint64(tail[i*8:])
	}

	if len(req.Amounts) != len(req.Assets)/2 {
		return nil, ErrArityMismatch
	}

	return req, nil
}

// Obligation returns the balance a protocol-side account must hold again at
// repay time: its pre-loan balance plus floor(amount * feeBps / 10000).
func Obligation(balance, amount uint64, feeBps uint16) (uint64, error) {
	hi, lo := bits.Mul64(amount, uint64(feeBps))
	if hi != 0 {
		return 0, ErrFeeOverflow
	}
	sum, carry := bits.Add64(balance, lo/FeeDenominator, 0)
	if carry != 0 {
		return 0, ErrFeeOverflow
	}
	return sum, nil
}

func (p *Program) processLoan(ctx svm.InvokeContext, req *LoanRequest) error {
	signer := p.cfg.AuthoritySeeds(req.FeeBps, req.AuthorityBump)

	size := uint64(LedgerSize(len(req.Amounts)))
	lamports := ctx.GetRentMinimum(size)

	err := ctx.Invoke(system.CreateAccount(req.Borrower.Key, req.Ledger.Key, p.cfg.ProgramID, lamports, size))
	if err != nil {
		return err
	}

	for i, amount := range req.Amounts {
		protocolSide, borrowerSide := req.Pair(i)

		if err := TokenAccount(protocolSide); err != nil {
			return err
		}
		balance, err := token.AmountOf(protocolSide.Data)
		if err != nil {
			return err
		}

		obligation, err := Obligation(balance, amount, req.FeeBps)
		if err != nil {
			return err
		}

		entry := Entry{ResourceAccount: protocolSide.Key, Obligation: obligation}
		if err := PutEntry(req.Ledger.Data, i, entry); err != nil {
			return err
		}

		ctx.Log(fmt.Sprintf("loan %d: %d from %s, obligation %d", i, amount, protocolSide.Key, obligation))

		transfer := token.Transfer(protocolSide.Key, borrowerSide.Key, req.Protocol.Key, amount)
		if err := ctx.Invoke(transfer, signer); err != nil {
			return err
		}
	}

	return p.checkRepay(req)
}

// checkRepay requires the last instruction of the enclosing transaction to
// be a Repay of this program closing req.Ledger.
func (p *Program) checkRepay(req *LoanRequest) error {
	ixs, err := p.introspector(req.Instructions)
	if err != nil {
		return err
	}

	n := ixs.NumInstructions()
	if n == 0 {
		return ErrMissingOrInvalidRepay
	}
	last, err := ixs.LoadInstructionAt(n - 1)
	if err != nil {
		return err
	}

	if last.ProgramID != p.cfg.ProgramID {
		return ErrMissingOrInvalidRepay
	}
	if len(last.Data) == 0 || last.Data[0] != RepayDiscriminator {
		return ErrMissingOrInvalidRepay
	}
	if len(last.Accounts) <= repayLedgerIndex || last.Accounts[repayLedgerIndex].Pubkey != req.Ledger.Key {
		return ErrMissingOrInvalidRepay
	}

	return nil
}
