package rpc

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/blockstore"
	"github.com/fortiblox/x1-flashloan/pkg/node"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
)

const (
	// maxMultipleAccounts bounds getMultipleAccounts and getTransactionStatuses.
	maxMultipleAccounts = 100

	// defaultHistoryLimit applies when getTransactionsForAddress has no limit.
	defaultHistoryLimit = 1000

	// Receipts are final once written.
	confirmationFinalized = "finalized"
)

// Helpers

func parseArgs(params json.RawMessage, min int) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("invalid params")
		}
	}
	if len(args) < min {
		return nil, InvalidParamsErrorf("expected at least %d params", min)
	}
	return args, nil
}

func parsePubkey(arg json.RawMessage, what string) (types.Pubkey, *RPCError) {
	var s string
	if err := json.Unmarshal(arg, &s); err != nil {
		return types.Pubkey{}, InvalidParamsErrorf("invalid %s", what)
	}
	pubkey, err := types.PubkeyFromBase58(s)
	if err != nil {
		return types.Pubkey{}, InvalidParamsErrorf("invalid %s format", what)
	}
	return pubkey, nil
}

func parseHash(s string) (types.Hash, *RPCError) {
	id, err := types.HashFromBase58(s)
	if err != nil {
		return types.Hash{}, InvalidParamsError("invalid transaction id format")
	}
	return id, nil
}

func parseConfig(args []json.RawMessage, index int, config interface{}) *RPCError {
	if len(args) <= index {
		return nil
	}
	if err := json.Unmarshal(args[index], config); err != nil {
		return InvalidParamsError("invalid config")
	}
	return nil
}

func (s *Server) currentSlot() uint64 {
	return s.backend.Status().CurrentSlot
}

func (s *Server) checkMinContextSlot(minSlot *uint64) (uint64, *RPCError) {
	current := s.currentSlot()
	if minSlot != nil && *minSlot > current {
		return 0, MinContextSlotError(*minSlot, current)
	}
	return current, nil
}

// lookupAccount returns nil for an absent account.
func (s *Server) lookupAccount(pubkey types.Pubkey) (*accounts.Account, *RPCError) {
	account, err := s.backend.GetAccount(pubkey)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, backendError(err, "get account")
	}
	return account, nil
}

func accountToAccountInfo(account *accounts.Account, encoding Encoding, slice *DataSlice) (*AccountInfo, *RPCError) {
	data, err := EncodeData(ApplyDataSlice(account.Data, slice), encoding)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode account data: %v", err)
	}
	return &AccountInfo{
		Lamports:   account.Lamports,
		Owner:      account.Owner.String(),
		Data:       data,
		Executable: account.Executable,
		RentEpoch:  account.RentEpoch,
		Space:      uint64(len(account.Data)),
	}, nil
}

func backendError(err error, what string) *RPCError {
	if errors.Is(err, node.ErrNotRunning) {
		return ErrNodeUnhealthy
	}
	return InternalServerErrorf("failed to %s: %v", what, err)
}

func toTransactionErr(err *blockstore.TransactionError) *TransactionErr {
	if err == nil {
		return nil
	}
	return &TransactionErr{
		InstructionIndex: err.InstructionIndex,
		Custom:           err.Custom,
		Message:          err.Message,
	}
}

func (s *Server) lookupStatus(id types.Hash) (*blockstore.TransactionStatus, *RPCError) {
	status, err := s.backend.GetStatus(id)
	if errors.Is(err, blockstore.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, backendError(err, "get transaction")
	}
	return status, nil
}

func statusInfo(status *blockstore.TransactionStatus) *TransactionStatusInfo {
	return &TransactionStatusInfo{
		ID:                 status.ID.String(),
		Slot:               status.Slot,
		Err:                toTransactionErr(status.Err),
		ConfirmationStatus: confirmationFinalized,
	}
}

// Account Methods

// getAccountInfo retrieves account information.
func (s *Server) getAccountInfo(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0], "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config AccountInfoConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	encoding, ok := ParseEncoding(string(config.Encoding))
	if !ok {
		return nil, InvalidParamsErrorf("unsupported encoding %q", config.Encoding)
	}

	slot, rpcErr := s.checkMinContextSlot(config.MinContextSlot)
	if rpcErr != nil {
		return nil, rpcErr
	}

	account, rpcErr := s.lookupAccount(pubkey)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if account == nil {
		return ResponseWithContext{Context: Context{Slot: slot}, Value: nil}, nil
	}

	info, rpcErr := accountToAccountInfo(account, encoding, config.DataSlice)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return ResponseWithContext{Context: Context{Slot: slot}, Value: info}, nil
}

// getBalance retrieves account balance.
func (s *Server) getBalance(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0], "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config AccountInfoConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	slot, rpcErr := s.checkMinContextSlot(config.MinContextSlot)
	if rpcErr != nil {
		return nil, rpcErr
	}

	account, rpcErr := s.lookupAccount(pubkey)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var lamports uint64
	if account != nil {
		lamports = account.Lamports
	}
	return ResponseWithContext{Context: Context{Slot: slot}, Value: lamports}, nil
}

// getMultipleAccounts retrieves multiple accounts.
func (s *Server) getMultipleAccounts(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var pubkeyStrs []string
	if err := json.Unmarshal(args[0], &pubkeyStrs); err != nil {
		return nil, InvalidParamsError("invalid pubkeys array")
	}
	if len(pubkeyStrs) > maxMultipleAccounts {
		return nil, InvalidParamsErrorf("too many pubkeys (max %d)", maxMultipleAccounts)
	}

	var config AccountInfoConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	encoding, ok := ParseEncoding(string(config.Encoding))
	if !ok {
		return nil, InvalidParamsErrorf("unsupported encoding %q", config.Encoding)
	}
	slot, rpcErr := s.checkMinContextSlot(config.MinContextSlot)
	if rpcErr != nil {
		return nil, rpcErr
	}

	infos := make([]*AccountInfo, len(pubkeyStrs))
	for i, pubkeyStr := range pubkeyStrs {
		pubkey, err := types.PubkeyFromBase58(pubkeyStr)
		if err != nil {
			return nil, InvalidParamsErrorf("invalid pubkey at index %d", i)
		}
		account, rpcErr := s.lookupAccount(pubkey)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if account == nil {
			continue
		}
		if infos[i], rpcErr = accountToAccountInfo(account, encoding, config.DataSlice); rpcErr != nil {
			return nil, rpcErr
		}
	}

	return ResponseWithContext{Context: Context{Slot: slot}, Value: infos}, nil
}

// getTokenAccountBalance returns the balance of a token account.
func (s *Server) getTokenAccountBalance(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0], "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}

	account, rpcErr := s.lookupAccount(pubkey)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if account == nil || account.Owner != token.ProgramID {
		return nil, InvalidParamsError("not a token account")
	}
	amount, err := token.AmountOf(account.Data)
	if err != nil {
		return nil, InvalidParamsError("not a token account")
	}

	return ResponseWithContext{
		Context: Context{Slot: s.currentSlot()},
		Value:   TokenAmount{Amount: strconv.FormatUint(amount, 10)},
	}, nil
}

// Transaction Methods

// sendTransaction executes a serialized transaction message. The outcome is
// final: a failing transaction is reported in the result, not as an error.
func (s *Server) sendTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var encoded string
	if err := json.Unmarshal(args[0], &encoded); err != nil {
		return nil, InvalidParamsError("invalid transaction")
	}

	var config EncodingConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	encoding, ok := ParseEncoding(string(config.Encoding))
	if !ok {
		return nil, InvalidParamsErrorf("unsupported encoding %q", config.Encoding)
	}

	raw, err := DecodeData(encoded, encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("failed to decode transaction: %v", err)
	}
	msg, err := blockstore.DeserializeMessage(raw)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid transaction: %v", err)
	}

	result, err := s.backend.Submit(ctx, &blockstore.Transaction{Message: *msg})
	if err != nil {
		return nil, backendError(err, "execute transaction")
	}

	modified := make([]string, len(result.ModifiedAccounts))
	for i, key := range result.ModifiedAccounts {
		modified[i] = key.String()
	}
	return SendResult{
		ID:                   result.ID.String(),
		Slot:                 result.Slot,
		Success:              result.Success,
		Err:                  toTransactionErr(result.Status().Err),
		ComputeUnitsConsumed: result.ComputeUnitsUsed,
		ModifiedAccounts:     modified,
		LogMessages:          result.Logs,
	}, nil
}

// getTransaction returns an executed transaction and its outcome.
func (s *Server) getTransaction(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var idStr string
	if err := json.Unmarshal(args[0], &idStr); err != nil {
		return nil, InvalidParamsError("invalid transaction id")
	}
	id, rpcErr := parseHash(idStr)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config EncodingConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	encoding, ok := ParseEncoding(string(config.Encoding))
	if !ok {
		return nil, InvalidParamsErrorf("unsupported encoding %q", config.Encoding)
	}

	tx, err := s.backend.GetTransaction(id)
	if errors.Is(err, blockstore.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, backendError(err, "get transaction")
	}
	status, rpcErr := s.lookupStatus(id)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if status == nil {
		return nil, TransactionNotFoundError()
	}

	encoded, err := EncodeData(tx.Message.Serialize(), encoding)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode transaction: %v", err)
	}

	meta := &TransactionMeta{
		Err:                  toTransactionErr(status.Err),
		LogMessages:          status.Logs,
		ComputeUnitsConsumed: status.ComputeUnitsConsumed,
	}
	if !status.StateHash.IsZero() {
		meta.StateHash = status.StateHash.String()
	}

	return TransactionResult{
		ID:          id.String(),
		Slot:        tx.Slot,
		Transaction: encoded,
		Meta:        meta,
	}, nil
}

// getTransactionStatuses returns the statuses of a list of transactions.
func (s *Server) getTransactionStatuses(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var idStrs []string
	if err := json.Unmarshal(args[0], &idStrs); err != nil {
		return nil, InvalidParamsError("invalid transaction ids array")
	}
	if len(idStrs) > maxMultipleAccounts {
		return nil, InvalidParamsErrorf("too many transaction ids (max %d)", maxMultipleAccounts)
	}

	statuses := make([]*TransactionStatusInfo, len(idStrs))
	for i, idStr := range idStrs {
		id, rpcErr := parseHash(idStr)
		if rpcErr != nil {
			return nil, rpcErr
		}
		status, rpcErr := s.lookupStatus(id)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if status != nil {
			statuses[i] = statusInfo(status)
		}
	}

	return ResponseWithContext{Context: Context{Slot: s.currentSlot()}, Value: statuses}, nil
}

// getTransactionsForAddress returns the most recent transactions referencing
// an address, newest first.
func (s *Server) getTransactionsForAddress(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parsePubkey(args[0], "address")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config HistoryConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	if config.Limit <= 0 || config.Limit > defaultHistoryLimit {
		config.Limit = defaultHistoryLimit
	}

	history, err := s.backend.History(addr, config.Limit)
	if err != nil {
		return nil, backendError(err, "get history")
	}

	infos := make([]*TransactionStatusInfo, len(history))
	for i, status := range history {
		infos[i] = statusInfo(status)
	}
	return infos, nil
}

// Engine Methods

func (s *Server) getHealth(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	if !s.backend.Status().IsRunning {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

func (s *Server) getVersion(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return map[string]string{"flashloan-core": s.config.Version}, nil
}

func (s *Server) getSlot(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return s.currentSlot(), nil
}

func (s *Server) getNodeStatus(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	status := s.backend.Status()
	if !status.IsRunning {
		return nil, ErrNodeUnhealthy
	}

	out := NodeStatus{
		CurrentSlot:   status.CurrentSlot,
		AccountsCount: status.AccountsCount,
		TxsProcessed:  status.TxsProcessed,
		TxsFailed:     status.TxsFailed,
		UptimeSeconds: status.Uptime.Seconds(),
	}
	if status.ReceiptStats != nil {
		out.TransactionCount = status.ReceiptStats.TransactionCount
	}
	if status.LastError != nil {
		out.LastError = status.LastError.Error()
	}
	return out, nil
}

func (s *Server) getMinimumBalanceForRentExemption(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var size uint64
	if err := json.Unmarshal(args[0], &size); err != nil {
		return nil, InvalidParamsError("invalid data length")
	}
	return s.config.Rent.MinimumBalance(size), nil
}
