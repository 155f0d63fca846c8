package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
	"github.com/uhyunpark/perpcore/pkg/app/core/matching"
	"github.com/uhyunpark/perpcore/pkg/app/core/router"
	"github.com/uhyunpark/perpcore/pkg/events"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
)

// backends runs fn against a fresh Pebble and a fresh in-memory repository.
func backends(t *testing.T, fn func(t *testing.T, repo *Repository)) {
	t.Run("pebble", func(t *testing.T) {
		repo, err := OpenPebble(filepath.Join(t.TempDir(), "db"), false)
		require.NoError(t, err)
		t.Cleanup(func() { repo.Close() })
		fn(t, repo)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
}

func TestSnapshotRoundTripThroughRouter(t *testing.T) {
	backends(t, func(t *testing.T, repo *Repository) {
		ctx := context.Background()
		r := router.New(router.DefaultConfig(), nil, nil, nil)
		require.NoError(t, r.Deposit(ctx, alice, "USDC", 5_000))
		require.NoError(t, r.Deposit(ctx, bob, "USDC", 700))
		require.NoError(t, r.TopUpInsurance(300))

		_, err := repo.LoadSnapshot()
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, repo.SaveSnapshot(r.Snapshot()))
		snap, err := repo.LoadSnapshot()
		require.NoError(t, err)
		assert.Len(t, snap.Portfolios, 2)
		assert.Equal(t, int64(300), snap.Insurance.Balance)

		restored := router.New(router.DefaultConfig(), nil, nil, nil)
		require.NoError(t, restored.Restore(snap))
		acc, err := restored.Account(alice)
		require.NoError(t, err)
		assert.Equal(t, int64(5_000), acc.Principal)
		require.NoError(t, restored.CheckConservation())

		// A restored ledger keeps accepting new users.
		require.NoError(t, restored.Deposit(ctx, common.HexToAddress("0xCC"), "USDC", 1))
	})
}

func TestSaveSnapshotDropsStalePortfolios(t *testing.T) {
	backends(t, func(t *testing.T, repo *Repository) {
		ctx := context.Background()
		r := router.New(router.DefaultConfig(), nil, nil, nil)
		require.NoError(t, r.Deposit(ctx, alice, "USDC", 10))
		require.NoError(t, r.Deposit(ctx, bob, "USDC", 10))
		require.NoError(t, repo.SaveSnapshot(r.Snapshot()))

		snap := r.Snapshot()
		snap.Portfolios = snap.Portfolios[:1]
		require.NoError(t, repo.SaveSnapshot(snap))

		ps, err := repo.Portfolios()
		require.NoError(t, err)
		require.Len(t, ps, 1)
		assert.Equal(t, snap.Portfolios[0].Owner, ps[0].Owner)
	})
}

func TestPortfolioDecodeInitializesPositions(t *testing.T) {
	backends(t, func(t *testing.T, repo *Repository) {
		require.NoError(t, repo.Update(func(u *UnitOfWork) error {
			return u.PutPortfolio(account.NewPortfolio(alice))
		}))
		p, err := repo.Portfolio(alice)
		require.NoError(t, err)
		assert.NotNil(t, p.Positions)
		p.Position("BTC-PERP").Size = 1 // must not panic on a nil map
	})
}

func TestReceiptsScanInSeqOrder(t *testing.T) {
	backends(t, func(t *testing.T, repo *Repository) {
		require.NoError(t, repo.Update(func(u *UnitOfWork) error {
			for _, seq := range []uint32{9, 10, 2, 100} {
				rc := matching.FillReceipt{Seq: seq, FilledQty: int64(seq), VWAP: 1_000_000, Notional: int64(seq), Fee: 1}
				if err := u.PutReceipt("venue-a", rc); err != nil {
					return err
				}
			}
			return u.PutReceipt("venue-b", matching.FillReceipt{Seq: 1})
		}))

		all, err := repo.Receipts("venue-a", 0, 0)
		require.NoError(t, err)
		seqs := make([]uint32, len(all))
		for i, rc := range all {
			seqs[i] = rc.Seq
		}
		assert.Equal(t, []uint32{2, 9, 10, 100}, seqs)

		page, err := repo.Receipts("venue-a", 9, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, uint32(10), page[0].Seq)

		last, err := repo.LastReceiptSeq("venue-a")
		require.NoError(t, err)
		assert.Equal(t, uint32(100), last)

		last, err = repo.LastReceiptSeq("venue-c")
		require.NoError(t, err)
		assert.Zero(t, last)

		rc, err := repo.Receipt("venue-a", 10)
		require.NoError(t, err)
		assert.Equal(t, int64(10), rc.FilledQty)
	})
}

func TestInstrumentsPerVenue(t *testing.T) {
	backends(t, func(t *testing.T, repo *Repository) {
		btc, err := instrument.New("BTC-PERP", "BTC", "USDC", instrument.DefaultPerp.WithIndex(100_000_000))
		require.NoError(t, err)
		eth, err := instrument.New("ETH-PERP", "ETH", "USDC", instrument.DefaultPerp.WithIndex(10_000_000))
		require.NoError(t, err)
		btc.CumFunding = 42

		require.NoError(t, repo.Update(func(u *UnitOfWork) error {
			if err := u.PutInstrument("venue-a", eth); err != nil {
				return err
			}
			if err := u.PutInstrument("venue-a", btc); err != nil {
				return err
			}
			return u.PutInstrument("venue-b", btc)
		}))

		got, err := repo.Instruments("venue-a")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "BTC-PERP", got[0].Symbol)
		assert.Equal(t, int64(42), got[0].CumFunding)
		assert.Equal(t, btc.FundingInterval, got[0].FundingInterval)
	})
}

func TestUnitOfWorkIsAtomic(t *testing.T) {
	backends(t, func(t *testing.T, repo *Repository) {
		boom := errors.New("boom")
		err := repo.Update(func(u *UnitOfWork) error {
			if err := u.PutInsurance(router.InsuranceFund{Balance: 9}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = repo.Insurance()
		assert.ErrorIs(t, err, ErrNotFound)

		u := repo.Begin()
		require.NoError(t, u.Commit())
		assert.ErrorIs(t, u.Commit(), ErrWorkClosed)
		assert.ErrorIs(t, u.PutInsurance(router.InsuranceFund{}), ErrWorkClosed)
		u.Discard()
	})
}

func TestPebbleReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	repo, err := OpenPebble(path, true)
	require.NoError(t, err)
	require.NoError(t, repo.Update(func(u *UnitOfWork) error {
		return u.PutInsurance(router.InsuranceFund{Balance: 77, TotalTopUps: 77})
	}))
	require.NoError(t, repo.Close())

	repo, err = OpenPebble(path, true)
	require.NoError(t, err)
	defer repo.Close()
	f, err := repo.Insurance()
	require.NoError(t, err)
	assert.Equal(t, int64(77), f.Balance)
}

func TestJournalAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, j.Publish(ctx, events.Event{Topic: events.TopicRoutes, Key: "k1", Type: "route"}))
	require.NoError(t, j.Publish(ctx, events.Event{Topic: events.TopicFunds, Key: "k2", Type: "deposit"}))
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var topics []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line struct {
			Topic string `json:"topic"`
			Key   string `json:"key"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		topics = append(topics, line.Topic)
	}
	assert.Equal(t, []string{string(events.TopicRoutes), string(events.TopicFunds)}, topics)
}
