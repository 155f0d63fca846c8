package perp

import (
	"sync"

	"github.com/uhyunpark/perpcore/pkg/util"
)

// Oracle reports the index for an instrument: price (1e6 scaled), the
// observation time in ms and a confidence interval in price units.
// A non-positive price means no observation.
type Oracle interface {
	Price(instrument string) (price int64, tsMs uint64, conf int64)
}

// FixedOracle serves prices set by hand, stamped with the clock's time.
type FixedOracle struct {
	mu     sync.RWMutex
	prices map[string]int64
	clock  util.Clock
}

func NewFixedOracle(clock util.Clock) *FixedOracle {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &FixedOracle{prices: make(map[string]int64), clock: clock}
}

func (o *FixedOracle) Set(instrument string, price int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[instrument] = price
}

func (o *FixedOracle) Price(instrument string) (int64, uint64, int64) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.prices[instrument], util.NowMs(o.clock), 0
}
