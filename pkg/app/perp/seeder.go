package perp

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/util"
)

// SeederConfig controls the synthetic market maker.
type SeederConfig struct {
	Maker    common.Address
	Interval time.Duration // how often every ladder is replaced
	Seed     int64
}

func DefaultSeederConfig() SeederConfig {
	return SeederConfig{
		Maker:    common.HexToAddress("0x00000000000000000000000000000000005eed00"),
		Interval: time.Second,
		Seed:     1,
	}
}

type restingOrder struct {
	venue, symbol string
	id            uint64
}

// Seeder keeps a fresh quote ladder on every book of an exchange. It is a
// devnet liquidity source; its fills are not settled because the maker has
// no ledger account.
type Seeder struct {
	ex      *Exchange
	cfg     SeederConfig
	gen     *QuoteGenerator
	clock   util.Clock
	resting []restingOrder
	logger  *zap.Logger
}

func NewSeeder(ex *Exchange, cfg SeederConfig, clock util.Clock, logger *zap.Logger) *Seeder {
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{ex: ex, cfg: cfg, gen: NewQuoteGenerator(cfg.Seed), clock: clock, logger: logger}
}

// Refresh cancels the previous ladder and places a new one around each
// book's index. It returns how many orders were placed.
func (s *Seeder) Refresh() int {
	for _, o := range s.resting {
		// Filled or already-removed orders fail to cancel; that is expected.
		_ = s.ex.Cancel(o.venue, o.symbol, o.id)
	}
	s.resting = s.resting[:0]

	now := util.NowMs(s.clock)
	placed := 0
	for _, id := range s.ex.Venues() {
		syms, err := s.ex.Symbols(id)
		if err != nil {
			continue
		}
		for _, sym := range syms {
			inst, err := s.ex.Instrument(id, sym)
			if err != nil {
				continue
			}
			for _, q := range s.gen.Ladder(inst.IndexPrice, inst.TickSize, inst.LotSize) {
				oid, err := s.ex.Place(id, s.cfg.Maker, sym, q.Side, q.Price, q.Qty, now)
				if err != nil {
					s.logger.Debug("seed_order_rejected",
						zap.String("venue", id),
						zap.String("instrument", sym),
						zap.Error(err))
					continue
				}
				s.resting = append(s.resting, restingOrder{venue: id, symbol: sym, id: oid})
				placed++
			}
		}
	}
	return placed
}

// Run refreshes on every interval until ctx is done.
func (s *Seeder) Run(ctx context.Context) {
	s.logger.Info("seeder_started", zap.String("maker", s.cfg.Maker.Hex()), zap.Duration("interval", s.cfg.Interval))
	total := 0
	for {
		total += s.Refresh()
		select {
		case <-ctx.Done():
			s.logger.Info("seeder_stopped", zap.Int("orders_placed", total))
			return
		case <-s.clock.After(s.cfg.Interval):
		}
	}
}
