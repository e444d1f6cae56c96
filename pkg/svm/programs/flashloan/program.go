// Package flashloan implements an uncollateralized multi-asset flash loan.
//
// A transaction borrows with Loan and must end with a matching Repay. Loan
// records, per borrowed asset, the balance the protocol-side account must
// hold again (pre-loan balance plus fee) in a transient ledger account, and
// refuses to run unless the final instruction of the transaction is the Repay
// closing that ledger. Repay checks every obligation positionally and closes
// the ledger. The host discards the whole transaction when any instruction
// fails, which is what makes an unpaid loan impossible.
package flashloan

import (
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/sysvar"
)

// Instruction discriminators.
const (
	LoanDiscriminator  byte = 0
	RepayDiscriminator byte = 1
)

// Introspector gives read access to the top-level instructions of the
// executing transaction.
type Introspector interface {
	NumInstructions() int
	LoadInstructionAt(index int) (svm.Instruction, error)
}

// Program is the flash-loan program.
type Program struct {
	cfg          Config
	introspector func(source *svm.AccountInfo) (Introspector, error)
}

// Option configures a Program.
type Option func(*Program)

// WithIntrospector replaces the Instructions sysvar with a fixed instruction
// list.
func WithIntrospector(ixs Introspector) Option {
	return func(p *Program) {
		p.introspector = func(*svm.AccountInfo) (Introspector, error) {
			return ixs, nil
		}
	}
}

// New returns the flash-loan program for a deployment.
func New(cfg Config, opts ...Option) *Program {
	p := &Program{
		cfg:          cfg,
		introspector: sysvarIntrospector,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sysvarIntrospector(source *svm.AccountInfo) (Introspector, error) {
	ixs, err := sysvar.NewInstructions(source.Data)
	if err != nil {
		return nil, err
	}
	return ixs, nil
}

// Config returns the deployment the program runs as.
func (p *Program) Config() Config {
	return p.cfg
}

// Process executes a flash-loan instruction.
func (p *Program) Process(ctx svm.InvokeContext, data []byte) error {
	if len(data) == 0 {
		return svm.ErrInvalidInstructionData
	}

	if err := ctx.ConsumeCU(svm.CUFlashLoanDefault); err != nil {
		return err
	}

	accounts, err := svm.Accounts(ctx)
	if err != nil {
		return err
	}

	switch data[0] {
	case LoanDiscriminator:
		req, err := ParseLoan(accounts, data[1:])
		if err != nil {
			return err
		}
		ctx.Log("Instruction: Loan")
		return p.processLoan(ctx, req)

	case RepayDiscriminator:
		req, err := ParseRepay(accounts)
		if err != nil {
			return err
		}
		ctx.Log("Instruction: Repay")
		return p.processRepay(ctx, req)

	default:
		return svm.ErrInvalidInstructionData
	}
}
