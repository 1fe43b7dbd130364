// Package archive exports settled markets to object storage.
//
// Each pass takes the "archive" lock, so with several engine instances
// only one exports at a time. A resolved market is written as three
// objects under <prefix>/<market id>/:
//
//	market.bin    the market in its fixed binary layout
//	records.bin   every bet record, concatenated, sorted by bettor
//	summary.json  totals and a keccak256 digest of records.bin
//
// summary.json is written last and marks the export complete. Claims keep
// changing a resolved market's records, so a market is exported again
// whenever the digest of its records differs from the one in the stored
// summary.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/model"
	"github.com/atmx/parimutuel/internal/store"
)

// LockKey is the distributed lock held for the duration of a pass.
const LockKey = "archive"

// ErrObjectNotFound is returned by ObjectStore.Get for a missing key.
var ErrObjectNotFound = errors.New("archive: object not found")

// ObjectStore is the subset of blob storage the archiver needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Summary is the JSON manifest written for each archived market.
type Summary struct {
	MarketID      model.ID      `json:"market_id"`
	Question      string        `json:"question"`
	Creator       model.ID      `json:"creator"`
	EndTime       time.Time     `json:"end_time"`
	Outcome       model.Outcome `json:"outcome"`
	OutcomeName   string        `json:"outcome_name"`
	YesPool       uint64        `json:"yes_pool,string"`
	NoPool        uint64        `json:"no_pool,string"`
	Escrow        uint64        `json:"escrow,string"`
	Bettors       int           `json:"bettors"`
	Claimed       int           `json:"claimed"`
	RecordSize    int           `json:"record_size"`
	RecordsDigest string        `json:"records_keccak256"`
	ArchivedAt    time.Time     `json:"archived_at"`
}

// Options configures an Archiver.
type Options struct {
	Prefix   string
	Interval time.Duration
	LockTTL  time.Duration
	Logger   *slog.Logger
}

// Archiver periodically exports resolved markets.
type Archiver struct {
	store   store.Store
	objects ObjectStore
	locker  store.Locker
	opts    Options
	now     func() time.Time

	// archived caches the records digest last confirmed in the bucket per
	// market, sparing a summary download per market per pass.
	archived map[model.ID]string
}

// New creates an Archiver.
func New(st store.Store, objects ObjectStore, locker store.Locker, opts Options) *Archiver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.Interval
	}
	return &Archiver{
		store:    st,
		objects:  objects,
		locker:   locker,
		opts:     opts,
		now:      time.Now,
		archived: make(map[model.ID]string),
	}
}

// Run archives once immediately and then every interval until ctx is done.
// Pass failures are logged, not returned.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		if n, err := a.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.opts.Logger.Error("archive pass failed", "err", err)
		} else if n > 0 {
			a.opts.Logger.Info("archive pass complete", "archived", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one pass and returns how many markets it exported. If
// another instance holds the lock, it does nothing.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	unlock, err := a.locker.Acquire(ctx, LockKey, a.opts.LockTTL)
	if errors.Is(err, store.ErrLockHeld) {
		a.opts.Logger.Debug("archive lock held elsewhere, skipping pass")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer unlock()

	markets, err := a.store.ListMarkets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list markets: %w", err)
	}

	exported := 0
	for i := range markets {
		m := &markets[i]
		if !m.IsResolved {
			continue
		}

		snap, err := a.snapshot(ctx, m)
		if err != nil {
			return exported, fmt.Errorf("market %s: %w", m.ID, err)
		}
		if a.archived[m.ID] == snap.digest {
			continue
		}
		current, err := a.storedDigest(ctx, m.ID)
		if err != nil {
			return exported, fmt.Errorf("market %s: %w", m.ID, err)
		}
		if current != snap.digest {
			if err := a.export(ctx, m, snap); err != nil {
				return exported, fmt.Errorf("market %s: %w", m.ID, err)
			}
			exported++
			metrics.ArchiveExports.Inc()
		}
		a.archived[m.ID] = snap.digest
	}
	return exported, nil
}

// snapshot is the settlement state of one resolved market.
type snapshot struct {
	records []byte
	digest  string
	bettors int
	claimed int
	escrow  uint64
}

func (a *Archiver) snapshot(ctx context.Context, m *model.Market) (*snapshot, error) {
	records, err := a.store.ListBetRecords(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("list bet records: %w", err)
	}
	snap := &snapshot{
		records: make([]byte, 0, len(records)*model.BetRecordSize),
		bettors: len(records),
	}
	for i := range records {
		b, err := records[i].MarshalBinary()
		if err != nil {
			return nil, err
		}
		snap.records = append(snap.records, b...)
		if records[i].Claimed {
			snap.claimed++
		}
	}
	snap.digest = crypto.Keccak256Hash(snap.records).Hex()

	if snap.escrow, err = a.store.Balance(ctx, m.ID); err != nil {
		return nil, fmt.Errorf("escrow balance: %w", err)
	}
	return snap, nil
}

// storedDigest returns the records digest of the summary in the bucket, or
// "" when the market has not been exported.
func (a *Archiver) storedDigest(ctx context.Context, id model.ID) (string, error) {
	raw, err := a.objects.Get(ctx, a.key(id, "summary.json"))
	if errors.Is(err, ErrObjectNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		a.opts.Logger.Warn("unreadable archive summary, re-exporting", "market", id, "err", err)
		return "", nil
	}
	return s.RecordsDigest, nil
}

func (a *Archiver) export(ctx context.Context, m *model.Market, snap *snapshot) error {
	marketBin, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	summary, err := json.MarshalIndent(Summary{
		MarketID:      m.ID,
		Question:      m.Question,
		Creator:       m.Creator,
		EndTime:       m.EndTime,
		Outcome:       m.Outcome,
		OutcomeName:   m.Outcome.String(),
		YesPool:       m.YesPool,
		NoPool:        m.NoPool,
		Escrow:        snap.escrow,
		Bettors:       snap.bettors,
		Claimed:       snap.claimed,
		RecordSize:    model.BetRecordSize,
		RecordsDigest: snap.digest,
		ArchivedAt:    a.now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}

	if err := a.objects.Put(ctx, a.key(m.ID, "market.bin"), marketBin, "application/octet-stream"); err != nil {
		return err
	}
	if err := a.objects.Put(ctx, a.key(m.ID, "records.bin"), snap.records, "application/octet-stream"); err != nil {
		return err
	}
	if err := a.objects.Put(ctx, a.key(m.ID, "summary.json"), summary, "application/json"); err != nil {
		return err
	}

	a.opts.Logger.Info("market archived",
		"market", m.ID,
		"bettors", snap.bettors,
		"claimed", snap.claimed,
	)
	return nil
}

func (a *Archiver) key(id model.ID, name string) string {
	return path.Join(a.opts.Prefix, id.Hex(), name)
}
