package node

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/blockstore"
	"github.com/fortiblox/x1-flashloan/pkg/replayer"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/flashloan"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/system"
)

func testKey(b byte) types.Pubkey {
	var k types.Pubkey
	k[0] = b
	return k
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, svm.CUDefault, cfg.ComputeUnitLimit)
	assert.Equal(t, flashloan.DefaultProgramID, cfg.FlashLoan.ProgramID)
	assert.Equal(t, 64, cfg.QueueSize)
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"zero compute limit", func(c *Config) { c.ComputeUnitLimit = 0 }},
		{"compute limit too high", func(c *Config) { c.ComputeUnitLimit = svm.CUMax + 1 }},
		{"missing program", func(c *Config) { c.FlashLoan.ProgramID = types.Pubkey{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	n, err := New(&Config{DataDir: "/srv/flashloan"})
	require.NoError(t, err)
	assert.Equal(t, "/srv/flashloan/accounts", n.config.AccountsDir)
	assert.Equal(t, "/srv/flashloan/receipts.db", n.config.ReceiptsPath)
	assert.Equal(t, flashloan.DefaultProgramID, n.config.FlashLoan.ProgramID)

	_, err = New(&Config{ComputeUnitLimit: svm.CUMax + 1})
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestNodeNotRunning(t *testing.T) {
	n, err := New(&Config{DataDir: t.TempDir()})
	require.NoError(t, err)

	assert.ErrorIs(t, n.Stop(), ErrNotRunning)
	_, err = n.Submit(context.Background(), &blockstore.Transaction{})
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = n.GetAccount(testKey(1))
	assert.ErrorIs(t, err, ErrNotRunning)

	status := n.Status()
	assert.False(t, status.IsRunning)
	assert.Zero(t, status.CurrentSlot)
}

func startNode(t *testing.T, cfg *Config) (*Node, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cfg.Logger = logrus.NewEntry(logger)
	cfg.InMemory = true

	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	return n, hook
}

func TestNode_SubmitAndQuery(t *testing.T) {
	var executed []*replayer.ExecutionResult
	n, hook := startNode(t, &Config{
		DataDir:       t.TempDir(),
		OnTransaction: func(r *replayer.ExecutionResult) { executed = append(executed, r) },
	})

	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyRunning)

	from, to := testKey(1), testKey(2)
	require.NoError(t, n.SetAccount(from, &accounts.Account{Lamports: 1_000}))

	tx, err := blockstore.NewTransaction(from, system.Transfer(from, to, 400))
	require.NoError(t, err)
	result, err := n.Submit(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, uint64(1), result.Slot)

	acc, err := n.GetAccount(to)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), acc.Lamports)

	// Overdraft fails and leaves state alone.
	tx, err = blockstore.NewTransaction(from, system.Transfer(from, to, 5_000))
	require.NoError(t, err)
	result, err = n.Submit(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, result.Success)

	acc, err = n.GetAccount(from)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), acc.Lamports)

	receipt, err := n.GetStatus(result.ID)
	require.NoError(t, err)
	assert.False(t, receipt.Succeeded())
	assert.Equal(t, uint64(2), receipt.Slot)

	history, err := n.History(to, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(2), history[0].Slot)
	assert.Equal(t, uint64(1), history[1].Slot)

	status := n.Status()
	assert.True(t, status.IsRunning)
	assert.Equal(t, uint64(2), status.CurrentSlot)
	assert.Equal(t, uint64(2), status.TxsProcessed)
	assert.Equal(t, uint64(1), status.TxsFailed)
	assert.Equal(t, uint64(2), status.AccountsCount)
	require.NotNil(t, status.ReceiptStats)
	assert.Equal(t, uint64(2), status.ReceiptStats.TransactionCount)
	assert.Len(t, executed, 2)

	require.NoError(t, n.Stop())
	assert.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, "node stopped", hook.LastEntry().Message)
}

func TestNode_SnapshotRestore(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state.x1fl")

	n, _ := startNode(t, &Config{DataDir: t.TempDir()})
	require.NoError(t, n.SetAccount(testKey(1), &accounts.Account{Lamports: 50}))
	tx, err := blockstore.NewTransaction(testKey(1), system.Transfer(testKey(1), testKey(3), 20))
	require.NoError(t, err)
	_, err = n.Submit(context.Background(), tx)
	require.NoError(t, err)

	hdr, err := n.ExportSnapshot(snapshotPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), hdr.Slot)
	assert.Equal(t, uint64(2), hdr.AccountsCount)
	require.NoError(t, n.Stop())

	restored, _ := startNode(t, &Config{DataDir: t.TempDir(), SnapshotPath: snapshotPath})
	defer restored.Stop()

	assert.Equal(t, uint64(1), restored.Status().CurrentSlot)
	acc, err := restored.GetAccount(testKey(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), acc.Lamports)
}

func TestNode_SubmitAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n, err := New(&Config{DataDir: t.TempDir(), InMemory: true})
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	cancel()

	tx, err := blockstore.NewTransaction(testKey(1), system.Transfer(testKey(1), testKey(2), 1))
	require.NoError(t, err)
	_, err = n.Submit(context.Background(), tx)
	assert.Error(t, err)
	require.NoError(t, n.Stop())
}
