package main

import (
	"fmt"
	"io"
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/accounts"
	"github.com/fortiblox/x1-flashloan/pkg/blockstore"
	"github.com/fortiblox/x1-flashloan/pkg/node"
	"github.com/fortiblox/x1-flashloan/pkg/replayer"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/flashloan"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/token"
	"github.com/fortiblox/x1-flashloan/pkg/svm/sysvar"
)

const (
	simBorrowerLamports = 1_000_000_000
	simPoolLiquidity    = 1_000_000
	simWalletFunds      = 10_000
)

// simKey derives a stable scenario address from a label.
func simKey(label string) types.Pubkey {
	return types.Pubkey(blake3.Sum256([]byte("flashloan-simulate/" + label)))
}

// leg is one borrowed asset of a scenario.
type leg struct {
	pool    types.Pubkey
	wallet  types.Pubkey
	amount  uint64
	balance uint64
	owed    uint64
}

func (l leg) fee() uint64 { return l.owed - l.balance }

type scenario struct {
	cfg       flashloan.Config
	feeBps    uint16
	authority types.Pubkey
	bump      uint8
	borrower  types.Pubkey
	ledger    types.Pubkey
	legs      []leg
}

func newScenario(cfg flashloan.Config, feeBps uint16, amounts []uint) (*scenario, error) {
	if len(amounts) == 0 {
		return nil, errors.New("at least one amount is required")
	}
	authority, bump, err := cfg.DeriveAuthority(feeBps)
	if err != nil {
		return nil, errors.Wrap(err, "derive authority")
	}

	s := &scenario{
		cfg:       cfg,
		feeBps:    feeBps,
		authority: authority,
		bump:      bump,
		borrower:  simKey("borrower"),
		ledger:    simKey("ledger"),
	}
	for i, amount := range amounts {
		s.legs = append(s.legs, leg{
			pool:   simKey(fmt.Sprintf("pool/%d/%d", feeBps, i)),
			wallet: simKey(fmt.Sprintf("wallet/%d", i)),
			amount: uint64(amount),
		})
	}
	return s, nil
}

// seed creates any scenario account missing from the engine.
func (s *scenario) seed(n *node.Node) error {
	rentExempt := sysvar.DefaultRent().MinimumBalance(token.AccountSize)

	if err := seedAccount(n, s.borrower, &accounts.Account{Lamports: simBorrowerLamports}); err != nil {
		return err
	}
	for i, l := range s.legs {
		mint := simKey(fmt.Sprintf("mint/%d", i))
		pool := token.Account{Mint: mint, Owner: s.authority, Amount: simPoolLiquidity, State: token.AccountStateInitialized}
		wallet := token.Account{Mint: mint, Owner: s.borrower, Amount: simWalletFunds, State: token.AccountStateInitialized}

		if err := seedAccount(n, l.pool, &accounts.Account{Lamports: rentExempt, Data: pool.Marshal(), Owner: token.ProgramID}); err != nil {
			return err
		}
		if err := seedAccount(n, l.wallet, &accounts.Account{Lamports: rentExempt, Data: wallet.Marshal(), Owner: token.ProgramID}); err != nil {
			return err
		}
	}
	return nil
}

func seedAccount(n *node.Node, key types.Pubkey, acc *accounts.Account) error {
	_, err := n.GetAccount(key)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return n.SetAccount(key, acc)
	}
	return err
}

// quote reads the pool balances and computes what each leg owes.
func (s *scenario) quote(n *node.Node) error {
	for i := range s.legs {
		l := &s.legs[i]
		acc, err := n.GetAccount(l.pool)
		if err != nil {
			return errors.Wrapf(err, "pool %s", l.pool)
		}
		if l.balance, err = token.AmountOf(acc.Data); err != nil {
			return errors.Wrapf(err, "pool %s", l.pool)
		}
		if l.owed, err = flashloan.Obligation(l.balance, l.amount, s.feeBps); err != nil {
			return err
		}
	}
	return nil
}

// transaction builds Loan, one pay-back transfer per leg and Repay. short
// withholds one token from the first pay-back.
func (s *scenario) transaction(short bool) (*blockstore.Transaction, error) {
	accts := flashloan.LoanAccounts{Borrower: s.borrower, Protocol: s.authority, Ledger: s.ledger}
	amounts := make([]uint64, len(s.legs))
	pools := make([]types.Pubkey, len(s.legs))
	for i, l := range s.legs {
		accts.Assets = append(accts.Assets, flashloan.AssetPair{Protocol: l.pool, Borrower: l.wallet})
		amounts[i] = l.amount
		pools[i] = l.pool
	}

	ixs := []svm.Instruction{s.cfg.NewLoanInstruction(accts, s.bump, s.feeBps, amounts)}
	for i, l := range s.legs {
		payback := l.amount + l.fee()
		if short && i == 0 && payback > 0 {
			payback--
		}
		ixs = append(ixs, token.Transfer(l.wallet, l.pool, s.borrower, payback))
	}
	ixs = append(ixs, s.cfg.NewRepayInstruction(s.borrower, s.ledger, pools...))

	return blockstore.NewTransaction(s.borrower, ixs...)
}

func toDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func (s *scenario) printQuote(w io.Writer) {
	rate := decimal.NewFromInt(int64(s.feeBps)).Shift(-2)
	fmt.Fprintf(w, "borrower   %s\n", s.borrower)
	fmt.Fprintf(w, "authority  %s (bump %d)\n", s.authority, s.bump)
	fmt.Fprintf(w, "fee        %d bps (%s%%)\n", s.feeBps, rate.String())

	for i, l := range s.legs {
		effective := decimal.Zero
		if l.amount > 0 {
			effective = toDecimal(l.fee()).Div(toDecimal(l.amount)).Shift(2).Round(4)
		}
		fmt.Fprintf(w, "leg %d  pool %s  borrow %d  fee %d (%s%%)  obligation %d\n",
			i, l.pool, l.amount, l.fee(), effective.String(), l.owed)
	}
}

func printResult(w io.Writer, result *replayer.ExecutionResult, withLogs bool) {
	fmt.Fprintf(w, "transaction %s  slot %d  cu %d\n", result.ID, result.Slot, result.ComputeUnitsUsed)
	if result.Success {
		fmt.Fprintf(w, "status      success, %d accounts modified, state hash %s\n", len(result.ModifiedAccounts), result.StateHash)
	} else {
		fmt.Fprintf(w, "status      failed: %v\n", result.Err)
	}
	if withLogs {
		for _, line := range result.Logs {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}

func simulateCommand(a *app) *cobra.Command {
	var (
		amounts  []uint
		feeBps   uint16
		short    bool
		withLogs bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "execute a loan, pay-back and repay transaction against local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNode(cmd.Context(), nil, func(n *node.Node) error {
				cfg, err := a.cnf.FlashLoan()
				if err != nil {
					return err
				}
				s, err := newScenario(cfg, feeBps, amounts)
				if err != nil {
					return err
				}
				if err := s.seed(n); err != nil {
					return errors.Wrap(err, "seed accounts")
				}
				if err := s.quote(n); err != nil {
					return err
				}
				tx, err := s.transaction(short)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				s.printQuote(out)

				result, err := n.Submit(cmd.Context(), tx)
				if err != nil {
					return err
				}
				printResult(out, result, withLogs)
				return nil
			})
		},
	}

	cmd.Flags().UintSliceVar(&amounts, "amounts", []uint{1000, 500}, "amount borrowed per asset")
	cmd.Flags().Uint16Var(&feeBps, "fee-bps", 30, "fee tier in basis points")
	cmd.Flags().BoolVar(&short, "short", false, "repay one token less than owed")
	cmd.Flags().BoolVar(&withLogs, "logs", false, "print program logs")
	return cmd
}
