// Package node provides the orchestrator of a flash-loan engine.
//
// The Node ties together:
// - AccountsDB (Badger) holding account state
// - Receipts (BoltDB) holding executed transactions and their status
// - TransactionExecutor running the System, Token and flash-loan programs
//
// Transactions are submitted to a queue and executed one at a time by a
// single processing loop, so slots are assigned in submission order.
package node

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/blockstore"
	"github.com/fortiblox/x1-flashloan/pkg/replayer"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/flashloan"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory for all node data.
	DataDir string

	// AccountsDir and ReceiptsPath default to locations under DataDir.
	AccountsDir  string
	ReceiptsPath string

	// InMemory keeps accounts in memory. Receipts still go to ReceiptsPath.
	InMemory bool

	// SnapshotPath is loaded into an empty accounts database on start.
	SnapshotPath string

	// ComputeUnitLimit is the compute budget of each transaction.
	ComputeUnitLimit uint64

	// FlashLoan is the deployment registered with the executor.
	FlashLoan flashloan.Config

	// QueueSize bounds the number of pending submissions.
	QueueSize int

	Logger *logrus.Entry

	// OnTransaction is called after every executed transaction.
	OnTransaction func(result *replayer.ExecutionResult)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:          "./data",
		ComputeUnitLimit: svm.CUDefault,
		FlashLoan:        flashloan.DefaultConfig(),
		QueueSize:        64,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.Wrap(ErrConfigInvalid, "data directory is required")
	}
	if c.ComputeUnitLimit == 0 || c.ComputeUnitLimit > svm.CUMax {
		return errors.Wrapf(ErrConfigInvalid, "compute unit limit %d out of range", c.ComputeUnitLimit)
	}
	if c.FlashLoan.ProgramID.IsZero() {
		return errors.Wrap(ErrConfigInvalid, "flash-loan program id is required")
	}
	return nil
}

type submission struct {
	tx    *blockstore.Transaction
	reply chan submitResult
}

type submitResult struct {
	result *replayer.ExecutionResult
	err    error
}

// Node is a running flash-loan engine.
type Node struct {
	config Config
	log    *logrus.Entry

	accounts accounts.DB
	receipts *blockstore.BoltStore
	executor *replayer.TransactionExecutor

	running   atomic.Bool
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  chan submission

	// Metrics
	txsProcessed atomic.Uint64
	txsFailed    atomic.Uint64
	execTimeNs   atomic.Int64

	lastError   error
	lastErrorMu sync.RWMutex
}

// New creates a node with the given configuration. The node is not started
// until Start is called.
func New(config *Config) (*Node, error) {
	if config == nil {
		config = &Config{}
	}

	defaults := DefaultConfig()
	if config.DataDir == "" {
		config.DataDir = defaults.DataDir
	}
	if config.ComputeUnitLimit == 0 {
		config.ComputeUnitLimit = defaults.ComputeUnitLimit
	}
	if config.FlashLoan.ProgramID.IsZero() {
		config.FlashLoan = defaults.FlashLoan
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.AccountsDir == "" {
		config.AccountsDir = filepath.Join(config.DataDir, "accounts")
	}
	if config.ReceiptsPath == "" {
		config.ReceiptsPath = filepath.Join(config.DataDir, "receipts.db")
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Node{
		config: *config,
		log:    config.Logger.WithField("component", "node"),
		queue:  make(chan submission, config.QueueSize),
	}, nil
}

// Start opens storage and begins processing submissions. It returns once the
// processing loop is running; the loop stops when ctx is cancelled or Stop is
// called.
func (n *Node) Start(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if err := n.initialize(); err != nil {
		n.cancel()
		n.running.Store(false)
		return errors.Wrap(ErrInitFailed, err.Error())
	}

	n.wg.Add(1)
	go n.processingLoop()

	n.log.WithFields(logrus.Fields{
		"slot":    n.accounts.GetSlot(),
		"program": n.config.FlashLoan.ProgramID,
	}).Info("node started")
	return nil
}

// initialize sets up storage backends and the executor.
func (n *Node) initialize() error {
	if err := os.MkdirAll(n.config.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	receipts, err := blockstore.Open(blockstore.DefaultConfig(n.config.ReceiptsPath))
	if err != nil {
		return errors.Wrap(err, "open receipts")
	}
	n.receipts = receipts

	accountsConfig := accounts.DefaultBadgerDBConfig(n.config.AccountsDir)
	accountsConfig.InMemory = n.config.InMemory
	accts, err := accounts.NewBadgerDB(accountsConfig)
	if err != nil {
		n.closeStorage()
		return errors.Wrap(err, "open accounts database")
	}
	n.accounts = accts

	if err := n.loadInitialSnapshot(); err != nil {
		n.closeStorage()
		return errors.Wrap(err, "load snapshot")
	}

	n.executor = replayer.NewTransactionExecutor(accts,
		replayer.WithReceipts(receipts),
		replayer.WithComputeLimit(n.config.ComputeUnitLimit),
		replayer.WithLogger(n.config.Logger.WithField("component", "executor")),
	)
	n.executor.Register(n.config.FlashLoan.ProgramID, flashloan.New(n.config.FlashLoan))
	return nil
}

// loadInitialSnapshot restores SnapshotPath into a fresh accounts database.
// A database that already holds state is left untouched.
func (n *Node) loadInitialSnapshot() error {
	if n.config.SnapshotPath == "" {
		return nil
	}
	if _, err := os.Stat(n.config.SnapshotPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	count, err := n.accounts.AccountsCount()
	if err != nil {
		return err
	}
	if count > 0 || n.accounts.GetSlot() > 0 {
		n.log.WithField("path", n.config.SnapshotPath).Debug("accounts present, snapshot skipped")
		return nil
	}

	hdr, err := accounts.LoadSnapshot(n.accounts, n.config.SnapshotPath)
	if err != nil {
		return err
	}
	if err := n.accounts.Commit(); err != nil {
		return err
	}
	n.log.WithFields(logrus.Fields{
		"slot":     hdr.Slot,
		"accounts": hdr.AccountsCount,
	}).Info("snapshot loaded")
	return nil
}

// closeStorage closes all storage backends.
func (n *Node) closeStorage() {
	if n.accounts != nil {
		n.accounts.Close()
	}
	if n.receipts != nil {
		n.receipts.Close()
	}
}

// processingLoop executes submissions in order.
func (n *Node) processingLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case sub := <-n.queue:
			result, err := n.execute(sub.tx)
			sub.reply <- submitResult{result: result, err: err}
		}
	}
}

func (n *Node) execute(tx *blockstore.Transaction) (*replayer.ExecutionResult, error) {
	start := time.Now()

	result, err := n.executor.Execute(tx)
	if err != nil {
		n.setLastError(err)
		return nil, err
	}

	n.txsProcessed.Add(1)
	if !result.Success {
		n.txsFailed.Add(1)
	}
	n.execTimeNs.Store(time.Since(start).Nanoseconds())

	if n.config.OnTransaction != nil {
		n.config.OnTransaction(result)
	}
	return result, nil
}

// Submit queues tx and waits for its execution.
func (n *Node) Submit(ctx context.Context, tx *blockstore.Transaction) (*replayer.ExecutionResult, error) {
	if !n.running.Load() || n.ctx.Err() != nil {
		return nil, ErrNotRunning
	}

	sub := submission{tx: tx, reply: make(chan submitResult, 1)}
	select {
	case n.queue <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrNotRunning
	}

	select {
	case res := <-sub.reply:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrNotRunning
	}
}

// Stop stops processing and closes storage.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}

	n.cancel()
	n.wg.Wait()

	var err error
	if n.accounts != nil {
		err = n.accounts.Commit()
	}
	n.closeStorage()

	n.running.Store(false)
	n.log.WithField("processed", n.txsProcessed.Load()).Info("node stopped")
	return err
}

// Status returns the current engine status.
func (n *Node) Status() *Status {
	status := &Status{
		IsRunning:      n.running.Load(),
		TxsProcessed:   n.txsProcessed.Load(),
		TxsFailed:      n.txsFailed.Load(),
		LastExecTimeMs: float64(n.execTimeNs.Load()) / float64(time.Millisecond),
		LastError:      n.getLastError(),
	}
	if !status.IsRunning {
		return status
	}

	status.Uptime = time.Since(n.startTime)
	status.CurrentSlot = n.accounts.GetSlot()
	status.AccountsCount, _ = n.accounts.AccountsCount()
	status.ReceiptStats, _ = n.receipts.GetStats()
	return status
}

// Status contains the current node status.
type Status struct {
	// CurrentSlot is the slot of the most recently executed transaction.
	CurrentSlot uint64

	// AccountsCount is the total number of accounts in the database.
	AccountsCount uint64

	IsRunning bool
	Uptime    time.Duration

	// TxsProcessed counts executed transactions, TxsFailed the subset that
	// failed and were discarded.
	TxsProcessed uint64
	TxsFailed    uint64

	LastExecTimeMs float64

	ReceiptStats *blockstore.Stats

	// LastError is the most recent storage or decoding error.
	LastError error
}

// GetAccount retrieves an account by pubkey from the accounts database.
func (n *Node) GetAccount(pubkey types.Pubkey) (*accounts.Account, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	return n.accounts.GetAccount(pubkey)
}

// SetAccount writes an account outside of any transaction. It is used to
// seed state.
func (n *Node) SetAccount(pubkey types.Pubkey, account *accounts.Account) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	if err := n.accounts.SetAccount(pubkey, account); err != nil {
		return err
	}
	return n.accounts.Commit()
}

// GetStatus retrieves the receipt of a transaction.
func (n *Node) GetStatus(id types.Hash) (*blockstore.TransactionStatus, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	return n.receipts.GetStatus(id)
}

// GetTransaction retrieves an executed transaction.
func (n *Node) GetTransaction(id types.Hash) (*blockstore.Transaction, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	return n.receipts.GetTransaction(id)
}

// History returns the most recent transactions referencing addr.
func (n *Node) History(addr types.Pubkey, limit int) ([]*blockstore.TransactionStatus, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	ids, err := n.receipts.GetTransactionsForAddress(addr, limit)
	if err != nil {
		return nil, err
	}
	statuses := make([]*blockstore.TransactionStatus, 0, len(ids))
	for _, id := range ids {
		status, err := n.receipts.GetStatus(id)
		if err != nil {
			return nil, errors.Wrapf(err, "receipt %s", id)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ExportSnapshot writes the account state to path.
func (n *Node) ExportSnapshot(path string) (*accounts.SnapshotHeader, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	if err := n.accounts.Commit(); err != nil {
		return nil, err
	}
	return accounts.WriteSnapshot(n.accounts, path)
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
