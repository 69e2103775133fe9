package gov

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager manages proposal record persistence
type ProposalManager struct {
	db *gorm.DB
}

// NewProposalManager creates a new proposal manager
func NewProposalManager(db *gorm.DB) *ProposalManager {
	return &ProposalManager{db: db}
}

// FindByNumber returns the stored record for a registry/number pair, or
// nil when none exists. Absence is not an error here.
func (m *ProposalManager) FindByNumber(registryID uint8, number uint64) (*Proposal, error) {
	var p Proposal
	err := m.db.Where("registry_id = ? AND number = ?", registryID, number).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// List returns records for a registry ordered by descending number,
// newest first.
func (m *ProposalManager) List(registryID uint8, limit, offset int) ([]Proposal, error) {
	var out []Proposal
	q := m.db.Where("registry_id = ?", registryID).Order("number DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListByStatus returns records for a registry holding the given status.
func (m *ProposalManager) ListByStatus(registryID uint8, status Status) ([]Proposal, error) {
	var out []Proposal
	err := m.db.Where("registry_id = ? AND status = ?", registryID, status).
		Order("number DESC").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPage returns one descending page plus the total matching count,
// optionally narrowed to a single status.
func (m *ProposalManager) ListPage(registryID uint8, status *Status, limit, offset int) ([]Proposal, int64, error) {
	q := m.db.Model(&Proposal{}).Where("registry_id = ?", registryID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []Proposal
	if err := q.Order("number DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// SetStatus patches just the lifecycle state of a stored record. Used
// for read-your-write coherence after a chain transition; the next
// sync pass writes the full row.
func (m *ProposalManager) SetStatus(registryID uint8, number uint64, status Status) error {
	return m.db.Model(&Proposal{}).
		Where("registry_id = ? AND number = ?", registryID, number).
		Update("status", status).Error
}

// CountsByStatus returns the number of records per status, including
// zero entries for statuses with no records.
func (m *ProposalManager) CountsByStatus(registryID uint8) (map[Status]int64, error) {
	type row struct {
		Status Status
		N      int64
	}
	var rows []row
	err := m.db.Model(&Proposal{}).
		Select("status, COUNT(*) AS n").
		Where("registry_id = ?", registryID).
		Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int64, len(statusNames))
	for _, s := range AllStatuses() {
		counts[s] = 0
	}
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// Upsert writes a full record keyed by (registry, number). Whole-row
// writes only; partial field patches would race with the indexer.
func (m *ProposalManager) Upsert(p *Proposal) error {
	if p.Number == 0 {
		return fmt.Errorf("proposal number cannot be zero")
	}
	p.LastSyncedAt = time.Now()
	return m.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "registry_id"}, {Name: "number"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "network", "author", "implementor", "status", "ipfs_status",
			"implementation_date", "created_date", "content", "content_address",
			"content_hash", "version", "snapshot_id", "source", "last_synced_at",
			"updated_at",
		}),
	}).Create(p).Error
}

// Numbers returns the set of record numbers stored for a registry.
func (m *ProposalManager) Numbers(registryID uint8) ([]uint64, error) {
	var nums []uint64
	err := m.db.Model(&Proposal{}).
		Where("registry_id = ?", registryID).
		Order("number DESC").
		Pluck("number", &nums).Error
	if err != nil {
		return nil, err
	}
	return nums, nil
}

// ParseNumberFromTitle extracts a record number from a display title
// such as `QIP209: Add Collateral` or `"248": something`.
func ParseNumberFromTitle(title string) (uint64, error) {
	re := regexp.MustCompile(`(?i)^\s*["']?(?:qip|qci)?[\s-]*(\d+)\s*["']?\s*:`)
	matches := re.FindStringSubmatch(title)

	if len(matches) < 2 {
		re = regexp.MustCompile(`(\d+)\s*:`)
		matches = re.FindStringSubmatch(title)

		if len(matches) < 2 {
			re = regexp.MustCompile(`(\d+)`)
			matches = re.FindStringSubmatch(title)

			if len(matches) < 2 {
				return 0, fmt.Errorf("no record number found")
			}
		}
	}

	num, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record number: %s", matches[1])
	}

	return num, nil
}
