package replayer

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/blockstore"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/flashloan"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/system"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
	"github.com/fortiblox/x1-flashloan/pkg/svm/sysvar"
)

const (
	borrowerLamports = 1_000_000_000
	feeBps           = 30
)

func testKey(b byte) types.Pubkey {
	var k types.Pubkey
	for i := range k {
		k[i] = b
	}
	return k
}

type fixture struct {
	t        *testing.T
	db       *accounts.MemoryDB
	receipts *blockstore.BoltStore
	exec     *TransactionExecutor
	hook     *logtest.Hook

	cfg       flashloan.Config
	authority types.Pubkey
	bump      uint8

	borrower types.Pubkey
	ledger   types.Pubkey
	pools    []types.Pubkey
	wallets  []types.Pubkey
}

func newFixture(t *testing.T) *fixture {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	receipts, err := blockstore.Open(blockstore.DefaultConfig(filepath.Join(t.TempDir(), "receipts.db")))
	require.NoError(t, err)
	t.Cleanup(func() { receipts.Close() })

	cfg := flashloan.DefaultConfig()
	authority, bump, err := cfg.DeriveAuthority(feeBps)
	require.NoError(t, err)

	f := &fixture{
		t:         t,
		db:        accounts.NewMemoryDB(),
		receipts:  receipts,
		hook:      hook,
		cfg:       cfg,
		authority: authority,
		bump:      bump,
		borrower:  testKey(1),
		ledger:    testKey(2),
	}
	f.exec = NewTransactionExecutor(f.db, WithReceipts(receipts), WithLogger(logrus.NewEntry(logger)))
	f.exec.Register(cfg.ProgramID, flashloan.New(cfg))

	require.NoError(t, f.db.SetAccount(f.borrower, &accounts.Account{Lamports: borrowerLamports}))
	for i, amount := range []uint64{10_000, 5_000} {
		mint := testKey(byte(10 + i))
		pool := testKey(byte(30 + i))
		wallet := testKey(byte(50 + i))
		f.setTokenAccount(pool, mint, authority, amount)
		f.setTokenAccount(wallet, mint, f.borrower, 100)
		f.pools = append(f.pools, pool)
		f.wallets = append(f.wallets, wallet)
	}
	return f
}

func (f *fixture) setTokenAccount(key, mint, owner types.Pubkey, amount uint64) {
	state := token.Account{Mint: mint, Owner: owner, Amount: amount, State: token.AccountStateInitialized}
	require.NoError(f.t, f.db.SetAccount(key, &accounts.Account{
		Lamports: sysvar.DefaultRent().MinimumBalance(token.AccountSize),
		Data:     state.Marshal(),
		Owner:    token.ProgramID,
	}))
}

func (f *fixture) balance(key types.Pubkey) uint64 {
	acc, err := f.db.GetAccount(key)
	require.NoError(f.t, err)
	amount, err := token.AmountOf(acc.Data)
	require.NoError(f.t, err)
	return amount
}

func (f *fixture) loan(amounts ...uint64) svm.Instruction {
	accts := flashloan.LoanAccounts{Borrower: f.borrower, Protocol: f.authority, Ledger: f.ledger}
	for i := range amounts {
		accts.Assets = append(accts.Assets, flashloan.AssetPair{Protocol: f.pools[i], Borrower: f.wallets[i]})
	}
	return f.cfg.NewLoanInstruction(accts, f.bump, feeBps, amounts)
}

func (f *fixture) payBack(i int, amount uint64) svm.Instruction {
	return token.Transfer(f.wallets[i], f.pools[i], f.borrower, amount)
}

func (f *fixture) repay() svm.Instruction {
	return f.cfg.NewRepayInstruction(f.borrower, f.ledger, f.pools...)
}

func (f *fixture) execute(ixs ...svm.Instruction) *ExecutionResult {
	tx, err := blockstore.NewTransaction(f.borrower, ixs...)
	require.NoError(f.t, err)
	result, err := f.exec.Execute(tx)
	require.NoError(f.t, err)
	return result
}

func (f *fixture) accountsHash() types.Hash {
	hash, err := accounts.NewHashComputer(f.db).ComputeAccountsHash()
	require.NoError(f.t, err)
	return hash
}

func requireFailure(t *testing.T, result *ExecutionResult, index int, target error) {
	t.Helper()
	require.False(t, result.Success)
	require.NotNil(t, result.Err)
	assert.Equal(t, index, result.Err.Index)
	assert.ErrorIs(t, result.Err, target)
}

func TestExecute_FlashLoanRepaid(t *testing.T) {
	f := newFixture(t)

	result := f.execute(
		f.loan(1000, 500),
		f.payBack(0, 1003),
		f.payBack(1, 501),
		f.repay(),
	)
	require.True(t, result.Success, "%v", result.Err)

	assert.Equal(t, uint64(10_003), f.balance(f.pools[0]))
	assert.Equal(t, uint64(5_001), f.balance(f.pools[1]))
	assert.Equal(t, uint64(97), f.balance(f.wallets[0]))
	assert.Equal(t, uint64(99), f.balance(f.wallets[1]))

	// The ledger is gone and its rent is back with the borrower.
	exists, err := f.db.HasAccount(f.ledger)
	require.NoError(t, err)
	assert.False(t, exists)
	borrower, err := f.db.GetAccount(f.borrower)
	require.NoError(t, err)
	assert.Equal(t, uint64(borrowerLamports), borrower.Lamports)

	assert.ElementsMatch(t, append(append([]types.Pubkey{}, f.pools...), f.wallets...), result.ModifiedAccounts)
	assert.False(t, result.StateHash.IsZero())
	assert.Positive(t, result.ComputeUnitsUsed)
	assert.Contains(t, result.Logs, "Program log: Instruction: Loan")
	assert.Contains(t, result.Logs, "Program log: Instruction: Repay")
	assert.Equal(t, uint64(1), result.Slot)
	assert.Equal(t, uint64(1), f.db.GetSlot())

	status, err := f.receipts.GetStatus(result.ID)
	require.NoError(t, err)
	assert.True(t, status.Succeeded())
	assert.Equal(t, result.StateHash, status.StateHash)
	assert.Equal(t, result.Logs, status.Logs)

	// The ledger address can open the next loan.
	again := f.execute(f.loan(10), f.payBack(0, 10), f.cfg.NewRepayInstruction(f.borrower, f.ledger, f.pools[0]))
	require.True(t, again.Success, "%v", again.Err)
	assert.Equal(t, uint64(2), again.Slot)
}

func TestExecute_ShortRepaymentDiscardsTransaction(t *testing.T) {
	f := newFixture(t)
	before := f.accountsHash()

	result := f.execute(
		f.loan(1000, 500),
		f.payBack(0, 1002),
		f.payBack(1, 501),
		f.repay(),
	)
	requireFailure(t, result, 3, flashloan.ErrInsufficientRepayment)
	code, ok := result.Err.Code()
	require.True(t, ok)
	assert.Equal(t, uint32(flashloan.ErrInsufficientRepayment), code)

	assert.Equal(t, before, f.accountsHash())
	assert.Equal(t, uint64(10_000), f.balance(f.pools[0]))
	assert.Equal(t, uint64(100), f.balance(f.wallets[0]))
	assert.Empty(t, result.ModifiedAccounts)

	status, err := f.receipts.GetStatus(result.ID)
	require.NoError(t, err)
	require.NotNil(t, status.Err)
	assert.Equal(t, 3, status.Err.InstructionIndex)
	require.NotNil(t, status.Err.Custom)
	assert.Equal(t, uint32(flashloan.ErrInsufficientRepayment), *status.Err.Custom)

	require.NotNil(t, f.hook.LastEntry())
	assert.Equal(t, "transaction executed", f.hook.LastEntry().Message)
	var failed bool
	for _, entry := range f.hook.AllEntries() {
		if entry.Message == "transaction failed" {
			failed = true
			assert.Equal(t, 3, entry.Data["instruction"])
		}
	}
	assert.True(t, failed)
}

func TestExecute_LaterLegShort(t *testing.T) {
	f := newFixture(t)
	before := f.accountsHash()

	// The first leg is restored in full; the second is one unit under 5001.
	result := f.execute(
		f.loan(1000, 500),
		f.payBack(0, 1003),
		f.payBack(1, 500),
		f.repay(),
	)
	requireFailure(t, result, 3, flashloan.ErrInsufficientRepayment)

	assert.Equal(t, before, f.accountsHash())
	assert.Equal(t, uint64(10_000), f.balance(f.pools[0]))
	assert.Equal(t, uint64(5_000), f.balance(f.pools[1]))
	exists, err := f.db.HasAccount(f.ledger)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExecute_LoanWithoutRepay(t *testing.T) {
	f := newFixture(t)
	before := f.accountsHash()

	result := f.execute(f.loan(1000), f.payBack(0, 1003))
	requireFailure(t, result, 0, flashloan.ErrMissingOrInvalidRepay)
	assert.Equal(t, before, f.accountsHash())
}

// forgedRepay serializes a Repay for the fixture's ledger in the
// Instructions sysvar layout.
func (f *fixture) forgedRepay() []byte {
	data, err := sysvar.SerializeInstructions([]svm.Instruction{f.repay()})
	require.NoError(f.t, err)
	return data
}

func TestExecute_OversizedMessageRejected(t *testing.T) {
	f := newFixture(t)
	before := f.accountsHash()

	filler := system.Transfer(f.borrower, f.borrower, 0)
	filler.Data = append(filler.Data, bytes.Repeat(f.forgedRepay(), 60_000/len(f.forgedRepay()))...)

	tx, err := blockstore.NewTransaction(f.borrower,
		f.loan(1000),
		filler,
		system.Transfer(f.borrower, f.borrower, 0),
	)
	require.NoError(t, err)

	_, err = f.exec.Execute(tx)
	assert.ErrorIs(t, err, blockstore.ErrMessageTooLarge)
	assert.Zero(t, f.db.GetSlot())
	assert.Equal(t, before, f.accountsHash())
	exists, err := f.db.HasAccount(f.ledger)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExecute_LargestMessageKeepsLastInstruction(t *testing.T) {
	f := newFixture(t)
	before := f.accountsHash()

	// Repeated metas expand 33-fold in the sysvar; the guard must still see
	// the real last instruction.
	filler := svm.Instruction{ProgramID: system.ProgramID, Data: f.forgedRepay()}
	last := system.Transfer(f.borrower, f.borrower, 0)
	build := func() *blockstore.Transaction {
		tx, err := blockstore.NewTransaction(f.borrower, f.loan(1000), filler, last)
		require.NoError(t, err)
		return tx
	}
	room := blockstore.MaxMessageSize - build().Message.Size()
	for i := 0; i < room; i++ {
		filler.Accounts = append(filler.Accounts, svm.NewReadonlyAccountMeta(f.borrower, true))
	}
	tx := build()
	require.Equal(t, blockstore.MaxMessageSize, tx.Message.Size())

	result, err := f.exec.Execute(tx)
	require.NoError(t, err)
	requireFailure(t, result, 0, flashloan.ErrMissingOrInvalidRepay)
	assert.Equal(t, before, f.accountsHash())
}

func TestExecute_WrongAuthorityBump(t *testing.T) {
	f := newFixture(t)
	f.bump--

	result := f.execute(f.loan(1000), f.payBack(0, 1003), f.repay())
	require.False(t, result.Success)
	assert.Equal(t, 0, result.Err.Index)
}

func TestExecute_InvalidTransaction(t *testing.T) {
	f := newFixture(t)

	tx, err := blockstore.NewTransaction(f.borrower, f.loan(1000))
	require.NoError(t, err)
	tx.Message.Instructions[0].ProgramIDIndex = 250

	_, err = f.exec.Execute(tx)
	assert.ErrorIs(t, err, blockstore.ErrInvalidMessage)
	assert.Zero(t, f.db.GetSlot())
}

func TestExecute_UnknownProgram(t *testing.T) {
	f := newFixture(t)

	result := f.execute(svm.Instruction{ProgramID: testKey(99), Data: []byte{0}})
	requireFailure(t, result, 0, svm.ErrUnsupportedProgramID)
}

func TestExecute_SystemTransfer(t *testing.T) {
	f := newFixture(t)
	to := testKey(7)

	result := f.execute(system.Transfer(f.borrower, to, 250))
	require.True(t, result.Success, "%v", result.Err)

	acc, err := f.db.GetAccount(to)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), acc.Lamports)
	assert.Equal(t, system.ProgramID, acc.Owner)

	status, err := f.receipts.GetStatus(result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Slot, status.Slot)

	ids, err := f.receipts.GetTransactionsForAddress(to, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{result.ID}, ids)
}

// misbehave registers a program that applies mutate to its accounts.
func misbehave(f *fixture, mutate func(accts []*svm.AccountInfo)) types.Pubkey {
	id := testKey(200)
	f.exec.Register(id, svm.ProgramFunc(func(ctx svm.InvokeContext, _ []byte) error {
		accts, err := svm.Accounts(ctx)
		if err != nil {
			return err
		}
		mutate(accts)
		return nil
	}))
	return id
}

func TestExecute_AccountRules(t *testing.T) {
	tests := []struct {
		name   string
		metas  func(f *fixture) []svm.AccountMeta
		mutate func(accts []*svm.AccountInfo)
		want   error
	}{
		{
			name: "debit foreign account",
			metas: func(f *fixture) []svm.AccountMeta {
				return []svm.AccountMeta{
					svm.NewAccountMeta(f.borrower, true),
					svm.NewAccountMeta(testKey(7), false),
				}
			},
			mutate: func(accts []*svm.AccountInfo) {
				accts[0].Lamports -= 10
				accts[1].Lamports += 10
			},
			want: ErrExternalAccountLamportSpend,
		},
		{
			name: "write foreign data",
			metas: func(f *fixture) []svm.AccountMeta {
				return []svm.AccountMeta{svm.NewAccountMeta(f.pools[0], false)}
			},
			mutate: func(accts []*svm.AccountInfo) {
				accts[0].Data[64]++
			},
			want: ErrExternalAccountDataModified,
		},
		{
			name: "reassign foreign account",
			metas: func(f *fixture) []svm.AccountMeta {
				return []svm.AccountMeta{svm.NewAccountMeta(f.wallets[0], false)}
			},
			mutate: func(accts []*svm.AccountInfo) {
				accts[0].Owner = testKey(200)
			},
			want: ErrModifiedProgramID,
		},
		{
			name: "credit readonly account",
			metas: func(f *fixture) []svm.AccountMeta {
				return []svm.AccountMeta{svm.NewReadonlyAccountMeta(f.borrower, false)}
			},
			mutate: func(accts []*svm.AccountInfo) {
				accts[0].Lamports++
			},
			want: ErrReadonlyLamportChange,
		},
		{
			name: "mint lamports",
			metas: func(f *fixture) []svm.AccountMeta {
				return []svm.AccountMeta{svm.NewAccountMeta(testKey(7), false)}
			},
			mutate: func(accts []*svm.AccountInfo) {
				accts[0].Lamports += 10
			},
			want: ErrUnbalancedInstruction,
		},
		{
			name: "flip executable",
			metas: func(f *fixture) []svm.AccountMeta {
				return []svm.AccountMeta{svm.NewAccountMeta(testKey(7), false)}
			},
			mutate: func(accts []*svm.AccountInfo) {
				accts[0].Executable = true
			},
			want: ErrExecutableModified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := misbehave(f, tt.mutate)
			before := f.accountsHash()

			result := f.execute(svm.Instruction{ProgramID: id, Accounts: tt.metas(f)})
			requireFailure(t, result, 0, tt.want)
			assert.Equal(t, before, f.accountsHash())
		})
	}
}

func TestExecute_InvokeDepth(t *testing.T) {
	f := newFixture(t)
	id := testKey(201)
	self := []svm.AccountMeta{svm.NewReadonlyAccountMeta(id, false)}

	f.exec.Register(id, svm.ProgramFunc(func(ctx svm.InvokeContext, _ []byte) error {
		return ctx.Invoke(svm.Instruction{ProgramID: id, Accounts: self})
	}))

	result := f.execute(svm.Instruction{ProgramID: id, Accounts: self})
	requireFailure(t, result, 0, svm.ErrCPIDepthExceeded)
}

func TestExecute_Reentrancy(t *testing.T) {
	f := newFixture(t)
	a, b := testKey(201), testKey(202)
	metas := []svm.AccountMeta{
		svm.NewReadonlyAccountMeta(a, false),
		svm.NewReadonlyAccountMeta(b, false),
	}

	f.exec.Register(a, svm.ProgramFunc(func(ctx svm.InvokeContext, _ []byte) error {
		return ctx.Invoke(svm.Instruction{ProgramID: b, Accounts: metas})
	}))
	f.exec.Register(b, svm.ProgramFunc(func(ctx svm.InvokeContext, _ []byte) error {
		return ctx.Invoke(svm.Instruction{ProgramID: a, Accounts: metas})
	}))

	result := f.execute(svm.Instruction{ProgramID: a, Accounts: metas})
	requireFailure(t, result, 0, ErrReentrancyNotAllowed)
}

func TestExecute_InvokePrivileges(t *testing.T) {
	f := newFixture(t)
	id := testKey(201)
	victim := testKey(7)

	f.exec.Register(id, svm.ProgramFunc(func(ctx svm.InvokeContext, _ []byte) error {
		return ctx.Invoke(system.Transfer(victim, f.borrower, 1))
	}))

	require.NoError(t, f.db.SetAccount(victim, &accounts.Account{Lamports: 10}))

	// The victim is writable but never signed.
	result := f.execute(svm.Instruction{
		ProgramID: id,
		Accounts: []svm.AccountMeta{
			svm.NewAccountMeta(victim, false),
			svm.NewAccountMeta(f.borrower, true),
			svm.NewReadonlyAccountMeta(system.ProgramID, false),
		},
	})
	requireFailure(t, result, 0, ErrPrivilegeEscalation)

	// Without the program account the invocation cannot be made at all.
	result = f.execute(svm.Instruction{
		ProgramID: id,
		Accounts: []svm.AccountMeta{
			svm.NewAccountMeta(victim, true),
			svm.NewAccountMeta(f.borrower, true),
		},
	})
	requireFailure(t, result, 0, ErrMissingAccount)
}

func TestExecute_ComputeBudget(t *testing.T) {
	f := newFixture(t)
	f.exec = NewTransactionExecutor(f.db, WithComputeLimit(100))
	f.exec.Register(f.cfg.ProgramID, flashloan.New(f.cfg))

	result := f.execute(f.loan(1000), f.payBack(0, 1003), f.repay())
	requireFailure(t, result, 0, svm.ErrComputeExceeded)
	assert.Equal(t, uint64(100), result.ComputeUnitsUsed)
}
