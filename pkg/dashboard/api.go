package dashboard

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/blockstore"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
)

// maxDataPreview bounds the account data returned as hex.
const maxDataPreview = 256

// StatusResponse is the response for /api/status.
type StatusResponse struct {
	IsRunning        bool    `json:"isRunning"`
	Status           string  `json:"status"`
	CurrentSlot      uint64  `json:"currentSlot"`
	AccountsCount    uint64  `json:"accountsCount"`
	TxsProcessed     uint64  `json:"txsProcessed"`
	TxsFailed        uint64  `json:"txsFailed"`
	SuccessRate      float64 `json:"successRate"`
	LastExecTimeMs   float64 `json:"lastExecTimeMs"`
	TransactionCount uint64  `json:"transactionCount"`
	Uptime           string  `json:"uptime"`
	UptimeSeconds    float64 `json:"uptimeSeconds"`
	LastError        string  `json:"lastError,omitempty"`
}

// TransactionBrief is a transaction listed on an account page.
type TransactionBrief struct {
	ID      string `json:"id"`
	Slot    uint64 `json:"slot"`
	Success bool   `json:"success"`
}

// AccountResponse is the response for /api/accounts/{pubkey}.
type AccountResponse struct {
	Pubkey        string             `json:"pubkey"`
	Lamports      uint64             `json:"lamports"`
	Owner         string             `json:"owner"`
	Executable    bool               `json:"executable"`
	RentEpoch     uint64             `json:"rentEpoch"`
	DataLen       int                `json:"dataLen"`
	DataHex       string             `json:"dataHex"`
	DataTruncated bool               `json:"dataTruncated"`
	TokenAmount   *uint64            `json:"tokenAmount,omitempty"`
	Recent        []TransactionBrief `json:"recent"`
}

// TransactionResponse is the response for /api/transactions/{id}.
type TransactionResponse struct {
	ID                   string   `json:"id"`
	Slot                 uint64   `json:"slot"`
	Success              bool     `json:"success"`
	Error                string   `json:"error,omitempty"`
	InstructionIndex     *int     `json:"instructionIndex,omitempty"`
	Custom               *uint32  `json:"custom,omitempty"`
	ComputeUnitsConsumed uint64   `json:"computeUnitsConsumed"`
	StateHash            string   `json:"stateHash,omitempty"`
	Logs                 []string `json:"logs"`
}

func (d *Dashboard) statusResponse() StatusResponse {
	status := d.source.Status()

	resp := StatusResponse{
		IsRunning:      status.IsRunning,
		Status:         "Stopped",
		CurrentSlot:    status.CurrentSlot,
		AccountsCount:  status.AccountsCount,
		TxsProcessed:   status.TxsProcessed,
		TxsFailed:      status.TxsFailed,
		LastExecTimeMs: status.LastExecTimeMs,
		Uptime:         formatDuration(status.Uptime),
		UptimeSeconds:  status.Uptime.Seconds(),
	}
	if status.IsRunning {
		resp.Status = "Running"
	}
	if status.TxsProcessed > 0 {
		resp.SuccessRate = float64(status.TxsProcessed-status.TxsFailed) / float64(status.TxsProcessed) * 100
	}
	if status.ReceiptStats != nil {
		resp.TransactionCount = status.ReceiptStats.TransactionCount
	}
	if status.LastError != nil {
		resp.LastError = status.LastError.Error()
	}
	return resp
}

func (d *Dashboard) accountResponse(pubkey types.Pubkey) (*AccountResponse, error) {
	account, err := d.source.GetAccount(pubkey)
	if err != nil {
		return nil, err
	}

	preview := account.Data
	if len(preview) > maxDataPreview {
		preview = preview[:maxDataPreview]
	}
	resp := &AccountResponse{
		Pubkey:        pubkey.String(),
		Lamports:      account.Lamports,
		Owner:         account.Owner.String(),
		Executable:    account.Executable,
		RentEpoch:     account.RentEpoch,
		DataLen:       len(account.Data),
		DataHex:       hex.EncodeToString(preview),
		DataTruncated: len(account.Data) > maxDataPreview,
		Recent:        []TransactionBrief{},
	}
	if account.Owner == token.ProgramID {
		if amount, err := token.AmountOf(account.Data); err == nil {
			resp.TokenAmount = &amount
		}
	}

	history, err := d.source.History(pubkey, d.config.HistoryLimit)
	if err != nil {
		return nil, errors.Wrap(err, "history")
	}
	for _, status := range history {
		resp.Recent = append(resp.Recent, TransactionBrief{
			ID:      status.ID.String(),
			Slot:    status.Slot,
			Success: status.Succeeded(),
		})
	}
	return resp, nil
}

func (d *Dashboard) transactionResponse(id types.Hash) (*TransactionResponse, error) {
	status, err := d.source.GetStatus(id)
	if err != nil {
		return nil, err
	}

	resp := &TransactionResponse{
		ID:                   status.ID.String(),
		Slot:                 status.Slot,
		Success:              status.Succeeded(),
		ComputeUnitsConsumed: status.ComputeUnitsConsumed,
		Logs:                 status.Logs,
	}
	if status.Err != nil {
		resp.Error = status.Err.Message
		index := status.Err.InstructionIndex
		resp.InstructionIndex = &index
		resp.Custom = status.Err.Custom
	}
	if !status.StateHash.IsZero() {
		resp.StateHash = status.StateHash.String()
	}
	if resp.Logs == nil {
		resp.Logs = []string{}
	}
	return resp, nil
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, d.statusResponse())
}

// handleAPIAccount handles GET /api/accounts/{pubkey}.
func (d *Dashboard) handleAPIAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pubkey, err := types.PubkeyFromBase58(strings.TrimPrefix(r.URL.Path, "/api/accounts/"))
	if err != nil {
		writeError(w, "Invalid public key", http.StatusBadRequest)
		return
	}

	resp, err := d.accountResponse(pubkey)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		writeError(w, "Account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

// handleAPITransaction handles GET /api/transactions/{id}.
func (d *Dashboard) handleAPITransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := types.HashFromBase58(strings.TrimPrefix(r.URL.Path, "/api/transactions/"))
	if err != nil {
		writeError(w, "Invalid transaction id", http.StatusBadRequest)
		return
	}

	resp, err := d.transactionResponse(id)
	if errors.Is(err, blockstore.ErrTransactionNotFound) {
		writeError(w, "Transaction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}
