package flashloan

import "fmt"

// Error is a flash-loan program error. It is surfaced to the caller as a
// custom program error carrying the numeric code.
type Error uint32

const (
	ErrArityMismatch Error = iota
	ErrLedgerNotEmpty
	ErrUnsupportedIntrospectionSource
	ErrFeeOverflow
	ErrMissingOrInvalidRepay
	ErrOutOfOrderOrWrongAccount
	ErrInsufficientRepayment
	ErrMalformedLedger
	ErrNotSigner
	ErrInvalidOwner
)

var errorNames = map[Error]string{
	ErrArityMismatch:                  "amounts and asset accounts disagree in count",
	ErrLedgerNotEmpty:                 "ledger account is not empty",
	ErrUnsupportedIntrospectionSource: "unsupported introspection source",
	ErrFeeOverflow:                    "fee arithmetic overflow",
	ErrMissingOrInvalidRepay:          "last instruction is not a matching repay",
	ErrOutOfOrderOrWrongAccount:       "asset account does not match ledger entry",
	ErrInsufficientRepayment:          "insufficient repayment",
	ErrMalformedLedger:                "malformed ledger",
	ErrNotSigner:                      "account is not a signer",
	ErrInvalidOwner:                   "account has an invalid owner",
}

func (e Error) Error() string {
	if name, ok := errorNames[e]; ok {
		return fmt.Sprintf("flashloan error %d: %s", uint32(e), name)
	}
	return fmt.Sprintf("flashloan error %d", uint32(e))
}

// Code returns the custom program error code.
func (e Error) Code() uint32 {
	return uint32(e)
}
