package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	ldg                       → ledger.State
//	ins                       → router.InsuranceFund
//	pf:{address}              → account.Portfolio
//	inst:{venue}:{symbol}     → instrument.Instrument
//	rcpt:{venue}:{seq}        → matching.FillReceipt (36-byte wire form)
//
// Sequence numbers are zero-padded so receipts scan in seq order.
const (
	keyLedger       = "ldg"
	keyInsurance    = "ins"
	prefixPortfolio = "pf:"
	prefixInstr     = "inst:"
	prefixReceipt   = "rcpt:"
)

func portfolioKey(owner common.Address) []byte {
	return []byte(prefixPortfolio + owner.Hex())
}

func instrumentKey(venue, symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixInstr, venue, symbol))
}

func instrumentPrefix(venue string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixInstr, venue))
}

// receiptKey formats "rcpt:{venue}:{seq}" with seq padded to 10 digits.
func receiptKey(venue string, seq uint32) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefixReceipt, venue, seq))
}

func receiptPrefix(venue string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixReceipt, venue))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
