package rpc

import (
	"encoding/json"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Context provides slot context for RPC responses.
type Context struct {
	Slot uint64 `json:"slot"`
}

// ResponseWithContext wraps a value with context.
type ResponseWithContext struct {
	Context Context     `json:"context"`
	Value   interface{} `json:"value"`
}

// Encoding types for binary payloads.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// DataSlice specifies a portion of account data to return.
type DataSlice struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// AccountInfoConfig configures getAccountInfo and getMultipleAccounts.
type AccountInfoConfig struct {
	Encoding       Encoding   `json:"encoding,omitempty"`
	DataSlice      *DataSlice `json:"dataSlice,omitempty"`
	MinContextSlot *uint64    `json:"minContextSlot,omitempty"`
}

// EncodingConfig configures methods that only take an encoding.
type EncodingConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// HistoryConfig configures getTransactionsForAddress.
type HistoryConfig struct {
	Limit int `json:"limit,omitempty"`
}

// AccountInfo is the RPC representation of an account.
type AccountInfo struct {
	Lamports   uint64      `json:"lamports"`
	Owner      string      `json:"owner"`
	Data       interface{} `json:"data"`
	Executable bool        `json:"executable"`
	RentEpoch  uint64      `json:"rentEpoch"`
	Space      uint64      `json:"space"`
}

// TokenAmount is a token account balance.
type TokenAmount struct {
	Amount string `json:"amount"`
}

// TransactionErr describes a failed transaction.
type TransactionErr struct {
	InstructionIndex int     `json:"instructionIndex"`
	Custom           *uint32 `json:"custom,omitempty"`
	Message          string  `json:"message"`
}

// TransactionMeta is the execution outcome of a transaction.
type TransactionMeta struct {
	Err                  *TransactionErr `json:"err"`
	LogMessages          []string        `json:"logMessages"`
	ComputeUnitsConsumed uint64          `json:"computeUnitsConsumed"`
	StateHash            string          `json:"stateHash,omitempty"`
}

// TransactionResult is returned by getTransaction.
type TransactionResult struct {
	ID          string           `json:"id"`
	Slot        uint64           `json:"slot"`
	Transaction []string         `json:"transaction"`
	Meta        *TransactionMeta `json:"meta"`
}

// TransactionStatusInfo is a compact transaction status.
type TransactionStatusInfo struct {
	ID                 string          `json:"id"`
	Slot               uint64          `json:"slot"`
	Err                *TransactionErr `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// SendResult is returned by sendTransaction.
type SendResult struct {
	ID                   string          `json:"id"`
	Slot                 uint64          `json:"slot"`
	Success              bool            `json:"success"`
	Err                  *TransactionErr `json:"err"`
	ComputeUnitsConsumed uint64          `json:"computeUnitsConsumed"`
	ModifiedAccounts     []string        `json:"modifiedAccounts"`
	LogMessages          []string        `json:"logMessages"`
}

// NodeStatus is returned by getNodeStatus.
type NodeStatus struct {
	CurrentSlot      uint64  `json:"currentSlot"`
	AccountsCount    uint64  `json:"accountsCount"`
	TxsProcessed     uint64  `json:"txsProcessed"`
	TxsFailed        uint64  `json:"txsFailed"`
	TransactionCount uint64  `json:"transactionCount"`
	UptimeSeconds    float64 `json:"uptimeSeconds"`
	LastError        string  `json:"lastError,omitempty"`
}
