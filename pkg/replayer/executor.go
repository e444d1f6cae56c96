// Package replayer executes transactions of native programs against the
// accounts database.
//
// A transaction runs on a private copy of every account it references. Its
// instructions run strictly in order; the first failing instruction discards
// the copy, so either every write of the transaction lands in the database or
// none does.
package replayer

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/blockstore"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/system"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
	"github.com/fortiblox/x1-flashloan/pkg/svm/sysvar"
)

// Option configures a TransactionExecutor.
type Option func(*TransactionExecutor)

// WithReceipts stores a receipt for every executed transaction.
func WithReceipts(store blockstore.Store) Option {
	return func(e *TransactionExecutor) {
		e.receipts = store
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(e *TransactionExecutor) {
		e.log = log
	}
}

// WithComputeLimit sets the compute unit budget of each transaction.
func WithComputeLimit(limit uint64) Option {
	return func(e *TransactionExecutor) {
		e.computeLimit = limit
	}
}

// WithRent sets the rent parameters programs see.
func WithRent(rent sysvar.Rent) Option {
	return func(e *TransactionExecutor) {
		e.rent = rent
	}
}

// TransactionExecutor executes individual transactions.
type TransactionExecutor struct {
	// mu serialises Execute.
	mu sync.Mutex

	accounts accounts.DB
	receipts blockstore.Store
	programs map[types.Pubkey]svm.Program

	rent         sysvar.Rent
	computeLimit uint64
	log          *logrus.Entry
}

// NewTransactionExecutor creates a transaction executor with the System and
// Token programs registered.
func NewTransactionExecutor(db accounts.DB, opts ...Option) *TransactionExecutor {
	e := &TransactionExecutor{
		accounts: db,
		programs: map[types.Pubkey]svm.Program{
			system.ProgramID: system.NewProcessor(),
			token.ProgramID:  token.NewProcessor(),
		},
		rent:         sysvar.DefaultRent(),
		computeLimit: svm.CUDefault,
		log:          logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register makes program invocable under id.
func (e *TransactionExecutor) Register(id types.Pubkey, program svm.Program) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs[id] = program
}

// ExecutionResult contains the result of transaction execution.
type ExecutionResult struct {
	// ID is the transaction identifier.
	ID types.Hash

	// Slot is the slot the transaction executed in.
	Slot uint64

	Success bool

	// Err is the failing instruction, nil on success.
	Err *svm.InstructionError

	ComputeUnitsUsed uint64
	Logs             []string

	// ModifiedAccounts lists the accounts written to the database, sorted.
	ModifiedAccounts []types.Pubkey

	// StateHash is the delta hash of ModifiedAccounts after commit.
	StateHash types.Hash
}

// Status converts the result into a receipt.
func (r *ExecutionResult) Status() *blockstore.TransactionStatus {
	status := &blockstore.TransactionStatus{
		ID:                   r.ID,
		Slot:                 r.Slot,
		Logs:                 r.Logs,
		ComputeUnitsConsumed: r.ComputeUnitsUsed,
		StateHash:            r.StateHash,
	}
	if r.Err != nil {
		status.Err = &blockstore.TransactionError{
			InstructionIndex: r.Err.Index,
			Message:          r.Err.Error(),
		}
		if code, ok := r.Err.Code(); ok {
			status.Err.Custom = &code
		}
	}
	return status
}

// Execute executes a transaction and updates account state.
//
// A failing instruction is reported in the result, not as an error. Errors
// are returned for malformed transactions and storage failures.
func (e *TransactionExecutor) Execute(tx *blockstore.Transaction) (*ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ixs, err := tx.Message.Decompile()
	if err != nil {
		return nil, err
	}

	slot := e.accounts.GetSlot() + 1
	tx.Slot = slot

	result := &ExecutionResult{
		ID:   tx.ID(),
		Slot: slot,
		Logs: make([]string, 0),
	}
	log := e.log.WithFields(logrus.Fields{
		"tx":           result.ID,
		"slot":         slot,
		"instructions": len(ixs),
	})

	run, err := e.load(&tx.Message, ixs)
	if err != nil {
		return nil, err
	}

	if ixErr := run.execute(ixs); ixErr != nil {
		result.Err = ixErr
		log.WithError(ixErr.Err).WithField("instruction", ixErr.Index).Info("transaction failed")
	} else {
		result.Success = true
		if err := e.commit(run, result); err != nil {
			return nil, err
		}
	}

	result.Logs = run.logs
	result.ComputeUnitsUsed = run.meter.Consumed()

	if err := e.accounts.SetSlot(slot); err != nil {
		return nil, errors.Wrap(err, "set slot")
	}
	if err := e.accounts.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit accounts")
	}

	if e.receipts != nil {
		if err := e.receipts.PutTransaction(tx, result.Status()); err != nil {
			return nil, errors.Wrap(err, "store receipt")
		}
	}

	log.WithFields(logrus.Fields{
		"cu":       result.ComputeUnitsUsed,
		"success":  result.Success,
		"modified": len(result.ModifiedAccounts),
	}).Debug("transaction executed")

	return result, nil
}

// load copies every account of the message out of the database and
// synthesises the sysvars.
func (e *TransactionExecutor) load(msg *blockstore.TransactionMessage, ixs []svm.Instruction) (*execution, error) {
	run := &execution{
		state:    make(map[types.Pubkey]*accounts.Account, len(msg.AccountKeys)),
		original: make(map[types.Pubkey]*accounts.Account, len(msg.AccountKeys)),
		programs: e.programs,
		rent:     e.rent,
		meter:    svm.NewComputeMeter(e.computeLimit),
		logs:     make([]string, 0),
	}

	for _, key := range msg.AccountKeys {
		if types.IsSysvar(key) {
			run.state[key] = &accounts.Account{Owner: types.SysvarOwnerAddr}
			continue
		}

		acc, err := e.accounts.GetAccount(key)
		if errors.Is(err, accounts.ErrAccountNotFound) {
			acc = &accounts.Account{Owner: system.ProgramID}
		} else if err != nil {
			return nil, errors.Wrapf(err, "load account %s", key)
		}
		run.state[key] = acc
		run.original[key] = acc.Clone()
	}

	if acc, ok := run.state[types.SysvarInstructionsAddr]; ok {
		data, err := sysvar.SerializeInstructions(ixs)
		if err != nil {
			return nil, errors.Wrap(err, "instructions sysvar")
		}
		acc.Data = data
	}
	return run, nil
}

// commit writes every account that differs from its loaded state.
func (e *TransactionExecutor) commit(run *execution, result *ExecutionResult) error {
	var entries []accounts.AccountEntry
	for key, orig := range run.original {
		acc := run.state[key]
		if accountEqual(orig, acc) {
			continue
		}
		entries = append(entries, accounts.AccountEntry{Pubkey: key, Account: acc})
		result.ModifiedAccounts = append(result.ModifiedAccounts, key)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := e.accounts.SetAccounts(entries); err != nil {
		return errors.Wrap(err, "write accounts")
	}

	accounts.SortPubkeys(result.ModifiedAccounts)
	modified := append([]types.Pubkey(nil), result.ModifiedAccounts...)
	hash, err := accounts.NewHashComputer(e.accounts).ComputeDeltaHash(modified)
	if err != nil {
		return errors.Wrap(err, "compute delta hash")
	}
	result.StateHash = hash
	return nil
}

func accountEqual(a, b *accounts.Account) bool {
	return a.Lamports == b.Lamports &&
		a.Owner == b.Owner &&
		a.Executable == b.Executable &&
		a.RentEpoch == b.RentEpoch &&
		bytes.Equal(a.Data, b.Data)
}
