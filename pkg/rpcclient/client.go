// Package rpcclient is a Go client for the engine's JSON-RPC API.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/blockstore"
	"github.com/fortiblox/x1-flashloan/pkg/rpc"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// ErrNotFound is returned when the queried account or transaction is absent.
var ErrNotFound = errors.New("not found")

// Client talks to a single engine endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// New creates a client for url. A zero timeout uses DefaultTimeout.
func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpc.RPCError   `json:"error,omitempty"`
}

// call makes a JSON-RPC call. Server-side errors are returned as *rpc.RPCError.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "http request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return errors.Wrap(err, "unmarshal response")
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return errors.Wrap(err, "unmarshal result")
		}
	}
	return nil
}

// Health returns nil when the engine is running.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, "getHealth", nil, nil)
}

// GetSlot returns the slot of the most recently executed transaction.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, "getSlot", nil, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetVersion returns the engine version string.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	var version map[string]string
	if err := c.call(ctx, "getVersion", nil, &version); err != nil {
		return "", err
	}
	return version["flashloan-core"], nil
}

// GetNodeStatus returns the engine counters.
func (c *Client) GetNodeStatus(ctx context.Context) (*rpc.NodeStatus, error) {
	var status rpc.NodeStatus
	if err := c.call(ctx, "getNodeStatus", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetBalance returns the lamports held by pubkey, zero when absent.
func (c *Client) GetBalance(ctx context.Context, pubkey types.Pubkey) (uint64, error) {
	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []interface{}{pubkey.String()}, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// GetAccount fetches and decodes an account.
func (c *Client) GetAccount(ctx context.Context, pubkey types.Pubkey) (*accounts.Account, error) {
	var resp struct {
		Value *struct {
			Lamports   uint64   `json:"lamports"`
			Owner      string   `json:"owner"`
			Data       []string `json:"data"`
			Executable bool     `json:"executable"`
			RentEpoch  uint64   `json:"rentEpoch"`
		} `json:"value"`
	}
	params := []interface{}{pubkey.String(), rpc.EncodingConfig{Encoding: rpc.EncodingBase64Zstd}}
	if err := c.call(ctx, "getAccountInfo", params, &resp); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, ErrNotFound
	}

	info := resp.Value
	owner, err := types.PubkeyFromBase58(info.Owner)
	if err != nil {
		return nil, errors.Wrap(err, "owner")
	}
	if len(info.Data) != 2 {
		return nil, errors.New("malformed account data")
	}
	data, err := rpc.DecodeData(info.Data[0], rpc.Encoding(info.Data[1]))
	if err != nil {
		return nil, errors.Wrap(err, "decode account data")
	}

	return &accounts.Account{
		Lamports:   info.Lamports,
		Data:       data,
		Owner:      owner,
		Executable: info.Executable,
		RentEpoch:  info.RentEpoch,
	}, nil
}

// GetTokenBalance returns the amount held by a token account.
func (c *Client) GetTokenBalance(ctx context.Context, pubkey types.Pubkey) (uint64, error) {
	var resp struct {
		Value rpc.TokenAmount `json:"value"`
	}
	if err := c.call(ctx, "getTokenAccountBalance", []interface{}{pubkey.String()}, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseUint(resp.Value.Amount, 10, 64)
}

// SendTransaction executes tx on the engine and waits for the outcome.
func (c *Client) SendTransaction(ctx context.Context, tx *blockstore.Transaction) (*rpc.SendResult, error) {
	encoded, err := rpc.EncodeData(tx.Message.Serialize(), rpc.EncodingBase64)
	if err != nil {
		return nil, err
	}

	var result rpc.SendResult
	params := []interface{}{encoded[0], rpc.EncodingConfig{Encoding: rpc.EncodingBase64}}
	if err := c.call(ctx, "sendTransaction", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTransactionStatus returns the receipt summary of id.
func (c *Client) GetTransactionStatus(ctx context.Context, id types.Hash) (*rpc.TransactionStatusInfo, error) {
	var resp struct {
		Value []*rpc.TransactionStatusInfo `json:"value"`
	}
	if err := c.call(ctx, "getTransactionStatuses", []interface{}{[]string{id.String()}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Value) != 1 || resp.Value[0] == nil {
		return nil, ErrNotFound
	}
	return resp.Value[0], nil
}

// GetTransactionsForAddress returns up to limit receipts referencing addr,
// newest first.
func (c *Client) GetTransactionsForAddress(ctx context.Context, addr types.Pubkey, limit int) ([]*rpc.TransactionStatusInfo, error) {
	var out []*rpc.TransactionStatusInfo
	params := []interface{}{addr.String(), rpc.HistoryConfig{Limit: limit}}
	if err := c.call(ctx, "getTransactionsForAddress", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}
