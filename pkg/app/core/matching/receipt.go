package matching

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

// ReceiptSize is the fixed wire size of a FillReceipt.
const ReceiptSize = 4 + 8 + 8 + 8 + 8

var ErrReceiptLength = errors.New("invalid receipt length")

// FillReceipt is what a venue reports back for one commit.
//
// Wire layout, little-endian:
//
//	[0:4)   seq        uint32
//	[4:12)  filled qty int64
//	[12:20) vwap       int64
//	[20:28) notional   int64
//	[28:36) fee        int64
type FillReceipt struct {
	Seq       uint32
	FilledQty int64
	VWAP      int64
	Notional  int64
	Fee       int64
}

func (r FillReceipt) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ReceiptSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Seq)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(r.FilledQty))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(r.VWAP))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(r.Notional))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(r.Fee))
	return buf, nil
}

func (r *FillReceipt) UnmarshalBinary(data []byte) error {
	if len(data) != ReceiptSize {
		return fmt.Errorf("%w: got %d, want %d", ErrReceiptLength, len(data), ReceiptSize)
	}
	r.Seq = binary.LittleEndian.Uint32(data[0:4])
	r.FilledQty = int64(binary.LittleEndian.Uint64(data[4:12]))
	r.VWAP = int64(binary.LittleEndian.Uint64(data[12:20]))
	r.Notional = int64(binary.LittleEndian.Uint64(data[20:28]))
	r.Fee = int64(binary.LittleEndian.Uint64(data[28:36]))
	return nil
}

// MakerFill is one resting order consumed by an execution.
// MakerFee is signed: negative is a rebate paid to the maker.
type MakerFill struct {
	Owner    common.Address
	OrderID  uint64
	Qty      int64
	Price    int64
	MakerFee int64
}

// Execution carries the in-process detail behind a receipt.
// Receipt.Fee includes Tax.
type Execution struct {
	Receipt    FillReceipt
	Venue      string
	Taker      common.Address
	Instrument string
	Side       orderbook.Side
	MakerFills []MakerFill
	Tax        int64
}

// SweepResult is a band-limited take performed for a liquidation.
type SweepResult struct {
	Filled     int64
	Notional   int64
	VWAP       int64
	MakerFills []MakerFill
}

// AggregateReceipts folds per-venue receipts into one fill:
// total quantity, VWAP over every leg, total notional and total fee.
func AggregateReceipts(receipts []FillReceipt) (qty, vwap, notional, fee int64, err error) {
	var acc fixed.VWAPAccumulator
	for _, r := range receipts {
		if r.FilledQty == 0 {
			continue
		}
		if err = acc.Add(r.FilledQty, r.VWAP); err != nil {
			return 0, 0, 0, 0, err
		}
		if notional, err = fixed.Add(notional, r.Notional); err != nil {
			return 0, 0, 0, 0, err
		}
		if fee, err = fixed.Add(fee, r.Fee); err != nil {
			return 0, 0, 0, 0, err
		}
	}
	return acc.Qty(), acc.VWAP(), notional, fee, nil
}
