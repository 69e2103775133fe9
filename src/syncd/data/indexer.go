package data

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/qidao/govsync/src/cache"
	shared "github.com/qidao/govsync/src/data"
	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/notify"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/snapshot"
	"github.com/qidao/govsync/src/syncer"
)

// IndexerConfig wires one indexer run. RDB, Snapshot, Cache and
// Notifier are optional; a nil value disables that side effect.
type IndexerConfig struct {
	Syncer   *syncer.Syncer
	DB       *gorm.DB
	RDB      *redis.Client
	Cache    *cache.Store
	Snapshot *snapshot.Client
	Notifier *notify.Notifier
	Log      zerolog.Logger
}

// Change describes what an upsert did to one row.
type Change struct {
	Created        bool
	StatusChanged  bool
	StatusFrom     gov.Status
	StatusTo       gov.Status
	ContentChanged bool
}

func (c Change) any() bool {
	return c.Created || c.StatusChanged || c.ContentChanged
}

// Fingerprint folds a record's synced fields into one comparable
// value. Rows whose fingerprint matches the incoming record are
// skipped without a write.
func Fingerprint(p *gov.Proposal) uint64 {
	h := xxhash.New64()
	writeField := func(s string) {
		h.WriteString(s)
		h.Write([]byte{0})
	}
	var num [8]byte
	writeUint := func(v uint64) {
		binary.LittleEndian.PutUint64(num[:], v)
		h.Write(num[:])
	}

	writeUint(uint64(p.RegistryID))
	writeUint(p.Number)
	writeField(p.Title)
	writeField(p.Network)
	writeField(p.Author)
	writeField(p.Implementor)
	writeUint(uint64(p.Status))
	writeField(p.IPFSStatus)
	writeField(gov.FormatDate(p.ImplementationDate))
	writeField(gov.FormatDate(p.CreatedDate))
	writeField(p.Content)
	writeField(p.ContentAddress)
	writeField(p.ContentHash)
	writeUint(p.Version)
	writeField(p.SnapshotID)
	return h.Sum64()
}

// RunIndexer performs one discovery and assembly pass and persists the
// outcome. Item failures are counted, never fatal to the pass.
func RunIndexer(ctx context.Context, cfg IndexerConfig) {
	log := logging.Component(cfg.Log, "indexer").With().
		Str("run", uuid.NewString()[:8]).Logger()
	start := time.Now()

	discovered, err := cfg.Syncer.Discover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("discovery failed, keeping previous state")
		return
	}
	stats := cfg.Syncer.Assemble(ctx, discovered)

	created, updated, skipped, errs := 0, 0, 0, stats.Errors
	for _, p := range cfg.Syncer.Records() {
		change, err := upsertProposal(cfg.DB, p)
		if err != nil {
			log.Error().Err(err).Uint64("number", p.Number).Msg("persist failed")
			errs++
			continue
		}
		if !change.any() {
			skipped++
			continue
		}
		if change.Created {
			created++
		} else {
			updated++
		}
		announce(ctx, cfg, log, p, change)
	}

	refreshSnapshots(ctx, cfg, log)

	log.Info().Int("discovered", len(discovered)).
		Int("created", created).Int("updated", updated).
		Int("skipped", skipped).Int("errors", errs).
		Dur("took", time.Since(start)).Msg("sync pass complete")
}

// upsertProposal writes one record through the fingerprint gate: a
// matching fingerprint means nothing synced has changed and the row is
// left alone entirely.
func upsertProposal(db *gorm.DB, p *gov.Proposal) (Change, error) {
	fp := Fingerprint(p)

	var existing gov.Proposal
	err := db.Where("registry_id = ? AND number = ?", p.RegistryID, p.Number).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		row := p.Clone()
		row.ID = 0
		row.Fingerprint = fp
		if err := db.Create(row).Error; err != nil {
			return Change{}, err
		}
		p.ID = row.ID
		return Change{Created: true, StatusTo: p.Status}, nil
	}
	if err != nil {
		return Change{}, err
	}

	p.ID = existing.ID
	if existing.Fingerprint == fp {
		return Change{}, nil
	}

	change := Change{}
	if existing.Status != p.Status {
		change.StatusChanged = true
		change.StatusFrom = existing.Status
		change.StatusTo = p.Status
	}
	if existing.ContentHash != p.ContentHash || existing.Version != p.Version {
		change.ContentChanged = true
	}

	row := p.Clone()
	row.ID = existing.ID
	row.CreatedAt = existing.CreatedAt
	row.Fingerprint = fp
	if err := db.Save(row).Error; err != nil {
		return Change{}, err
	}

	// Field drift outside the status/content pair (title edits,
	// snapshot linkage) still counts as an update for the log, just
	// not one worth announcing.
	if !change.any() {
		change.ContentChanged = existing.Content != p.Content
	}
	return change, nil
}

func announce(ctx context.Context, cfg IndexerConfig, log zerolog.Logger, p *gov.Proposal, change Change) {
	if cfg.RDB != nil {
		event := "updated"
		if change.Created {
			event = "created"
		} else if change.StatusChanged {
			event = "status"
		}
		err := shared.PublishChange(ctx, cfg.RDB, map[string]interface{}{
			"event":  event,
			"number": strconv.FormatUint(p.Number, 10),
			"status": p.Status.String(),
		})
		if err != nil {
			log.Warn().Err(err).Uint64("number", p.Number).Msg("change event publish failed")
		}
	}

	var err error
	switch {
	case change.Created:
		err = cfg.Notifier.ProposalDiscovered(p)
	case change.StatusChanged:
		err = cfg.Notifier.StatusChanged(p, change.StatusFrom, change.StatusTo)
	case change.ContentChanged:
		err = cfg.Notifier.ContentUpdated(p)
	}
	if err != nil {
		log.Warn().Err(err).Uint64("number", p.Number).Msg("notification failed")
	}
}

// refreshSnapshots warms the vote-state cache for every record that
// links a Snapshot proposal, so API reads merge vote data without
// paying hub latency.
func refreshSnapshots(ctx context.Context, cfg IndexerConfig, log zerolog.Logger) {
	if cfg.Snapshot == nil || cfg.Cache == nil {
		return
	}
	var ids []string
	for _, p := range cfg.Syncer.Records() {
		if p.SnapshotID != "" {
			ids = append(ids, p.SnapshotID)
		}
	}
	if len(ids) == 0 {
		return
	}

	found, err := cfg.Snapshot.ProposalsIn(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Int("ids", len(ids)).Msg("snapshot refresh failed")
		return
	}
	for id, sp := range found {
		cfg.Cache.SetJSON(ctx, cache.KindSnapshot, id, "snapshot", sp)
	}
	log.Debug().Int("linked", len(ids)).Int("found", len(found)).Msg("snapshot vote state refreshed")
}

// IndexerService runs the indexer immediately and then on a fixed
// interval until the context ends.
func IndexerService(ctx context.Context, cfg IndexerConfig, interval time.Duration) {
	RunIndexer(ctx, cfg)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RunIndexer(ctx, cfg)
		}
	}
}
