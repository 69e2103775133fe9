package gov

import (
	"strings"
	"time"
)

// Source records which path produced a proposal record. Provenance is
// cache bookkeeping only and never feeds business logic.
type Source string

const (
	SourceRegistry   Source = "registry"
	SourceAggregator Source = "aggregator"
)

// Proposal is the normalized record every data path converges on.
// Number is assigned by the registry contract and never reused.
type Proposal struct {
	ID                 uint64 `gorm:"primaryKey;autoIncrement"`
	RegistryID         uint8  `gorm:"index:idx_proposal_registry_number,unique"`
	Number             uint64 `gorm:"index:idx_proposal_registry_number,unique"`
	Title              string `gorm:"size:256"`
	Network            string `gorm:"size:64"`
	Author             string `gorm:"size:128"`
	Implementor        string `gorm:"size:128"`
	Status             Status `gorm:"not null;default:0"`
	IPFSStatus         string `gorm:"size:64"`
	ImplementationDate *time.Time
	CreatedDate        *time.Time
	Content            string `gorm:"type:mediumtext"`
	ContentAddress     string `gorm:"size:256"`
	ContentHash        string `gorm:"size:66"`
	Version            uint64 `gorm:"default:1"`
	SnapshotID         string `gorm:"size:128"`
	Source             Source `gorm:"size:16"`
	Fingerprint        uint64 `gorm:"index"`
	LastSyncedAt       time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Clone returns an independent copy. Pointer-valued dates are copied,
// not shared, so mutating the clone never touches the original.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	out := *p
	if p.ImplementationDate != nil {
		t := *p.ImplementationDate
		out.ImplementationDate = &t
	}
	if p.CreatedDate != nil {
		t := *p.CreatedDate
		out.CreatedDate = &t
	}
	return &out
}

// Registry represents one deployed registry contract the service tracks.
// Floor is the lowest record number that exists on that deployment;
// discovery scans [Floor, next-1].
type Registry struct {
	ID            uint8  `gorm:"primaryKey"`
	Kind          string `gorm:"size:8;not null"`
	Network       string `gorm:"size:64;not null"`
	ChainID       uint64
	RPCURL        string `gorm:"size:256;not null"`
	Address       string `gorm:"size:64;not null"`
	Floor         uint64
	SnapshotSpace string `gorm:"size:128"`
	Active        bool   `gorm:"default:true"`
}

// Setting represents a configuration setting stored in the database
type Setting struct {
	ID     uint8  `gorm:"primaryKey"`
	Name   string `gorm:"size:32;not null"`
	Value  string `gorm:"type:text;not null"`
	Active uint8  `gorm:"not null"`
}

// NormalizeSnapshotID collapses the sentinel spellings used in proposal
// headers ("None", "TBU", "tbu") into the single absent value "".
func NormalizeSnapshotID(raw string) string {
	v := strings.TrimSpace(raw)
	switch strings.ToLower(v) {
	case "", "none", "tbu":
		return ""
	}
	return v
}

// ParseDate reads a header date value. "None" and "" mean not set and
// return nil without error; unparseable values also return nil so a
// malformed header never aborts record assembly.
func ParseDate(raw string) *time.Time {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, "None") {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	return nil
}

// FormatDate renders a date for a proposal header, using the "None"
// sentinel for absent values.
func FormatDate(t *time.Time) string {
	if t == nil {
		return "None"
	}
	return t.Format("2006-01-02")
}
