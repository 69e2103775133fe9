package webserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/cache"
	"github.com/qidao/govsync/src/ipfs"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/snapshot"
)

const excerptLimit = 280

type Proposals struct {
	proposals  *gov.ProposalManager
	cache      *cache.Store
	storage    ipfs.Service
	registry   RegistryWriter
	snapshot   *snapshot.Client
	registryID uint8
	source     string
	sanitize   *bluemonday.Policy
	log        zerolog.Logger
}

func NewProposals(d Deps, log zerolog.Logger) Proposals {
	return Proposals{
		proposals:  gov.NewProposalManager(d.DB),
		cache:      d.Cache,
		storage:    d.Storage,
		registry:   d.Registry,
		snapshot:   d.Snapshot,
		registryID: d.Config.RegistryID,
		source:     d.Config.Source,
		sanitize:   bluemonday.StrictPolicy(),
		log:        log,
	}
}

type listItem struct {
	Number       uint64    `json:"number"`
	Title        string    `json:"title"`
	Network      string    `json:"network"`
	Author       string    `json:"author"`
	Implementor  string    `json:"implementor,omitempty"`
	Status       string    `json:"status"`
	IPFSStatus   string    `json:"ipfsStatus,omitempty"`
	Version      uint64    `json:"version"`
	SnapshotID   string    `json:"snapshotProposalId,omitempty"`
	CreatedDate  string    `json:"createdDate,omitempty"`
	Excerpt      string    `json:"excerpt,omitempty"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

func (h Proposals) item(p *gov.Proposal) listItem {
	created := ""
	if p.CreatedDate != nil {
		created = gov.FormatDate(p.CreatedDate)
	}
	return listItem{
		Number:       p.Number,
		Title:        p.Title,
		Network:      p.Network,
		Author:       p.Author,
		Implementor:  p.Implementor,
		Status:       p.Status.String(),
		IPFSStatus:   p.IPFSStatus,
		Version:      p.Version,
		SnapshotID:   p.SnapshotID,
		CreatedDate:  created,
		Excerpt:      h.excerpt(p.Content),
		LastSyncedAt: p.LastSyncedAt,
	}
}

// excerpt strips every HTML construct from the document body and
// collapses it to one plain-text line.
func (h Proposals) excerpt(content string) string {
	clean := h.sanitize.Sanitize(content)
	clean = strings.Join(strings.Fields(clean), " ")
	runes := []rune(clean)
	if len(runes) > excerptLimit {
		return string(runes[:excerptLimit]) + "..."
	}
	return clean
}

// List serves /v1/proposals: descending pages with an optional status
// filter. The ETag is a hash of the exact payload, so pollers skip the
// body while nothing changed.
func (h Proposals) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "10"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	var filter *gov.Status
	if raw := c.Query("status"); raw != "" {
		st := gov.ParseStatus(raw)
		if st == gov.StatusUnknown {
			c.JSON(http.StatusBadRequest, gin.H{"err": fmt.Sprintf("unknown status %q", raw)})
			return
		}
		filter = &st
	}

	rows, total, err := h.proposals.ListPage(h.registryID, filter, pageSize, (page-1)*pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": "query failed"})
		return
	}

	items := make([]listItem, 0, len(rows))
	for i := range rows {
		items = append(items, h.item(&rows[i]))
	}
	body, err := json.Marshal(gin.H{
		"proposals": items,
		"page":      page,
		"pageSize":  pageSize,
		"total":     total,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": "encode failed"})
		return
	}

	etag := fmt.Sprintf(`"%x"`, xxhash.Checksum64(body))
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", etag)
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// Get serves /v1/proposals/:number with the full document body,
// re-checked against the on-chain hash when the canonical text is
// still cached.
func (h Proposals) Get(c *gin.Context) {
	number, ok := numberParam(c)
	if !ok {
		return
	}

	p, err := h.proposals.FindByNumber(h.registryID, number)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": "query failed"})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"err": fmt.Sprintf("proposal %d not found", number)})
		return
	}

	content := p.Content
	verified := content != ""
	if verified && p.ContentHash != "" {
		if raw, ok := h.cache.Get(c, cache.KindContent, contentKey(p.ContentAddress), "ipfs"); ok {
			if err := ipfs.VerifyContentHash(string(raw), p.ContentHash); err != nil {
				h.log.Error().Err(err).Uint64("number", number).Msg("served content failed hash check")
				content = ""
				verified = false
			}
		}
	}

	detail := gin.H{
		"proposal":        h.item(p),
		"content":         content,
		"contentAddress":  p.ContentAddress,
		"contentHash":     p.ContentHash,
		"contentVerified": verified,
	}
	if p.SnapshotID != "" {
		if sp := h.snapshotFor(c, p.SnapshotID); sp != nil {
			detail["snapshot"] = sp
		}
	}
	c.JSON(http.StatusOK, detail)
}

// snapshotFor returns cached vote state, falling back to one live hub
// read. Failures degrade to an absent field, never an error response.
func (h Proposals) snapshotFor(c *gin.Context, id string) *snapshot.Proposal {
	var sp snapshot.Proposal
	if h.cache.GetJSON(c, cache.KindSnapshot, id, "snapshot", &sp) {
		return &sp
	}
	if h.snapshot == nil {
		return nil
	}
	fresh, err := h.snapshot.Proposal(c, id)
	if err != nil {
		h.log.Debug().Err(err).Str("id", id).Msg("snapshot lookup failed")
		return nil
	}
	h.cache.SetJSON(c, cache.KindSnapshot, id, "snapshot", fresh)
	return fresh
}

// StatusCounts serves /v1/status: one count per lifecycle state, zero
// counts included.
func (h Proposals) StatusCounts(c *gin.Context) {
	tally, err := h.proposals.CountsByStatus(h.registryID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": "query failed"})
		return
	}
	counts := make([]gin.H, 0, len(tally))
	for _, st := range gov.AllStatuses() {
		counts = append(counts, gin.H{"status": st.String(), "count": tally[st]})
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

// Snapshot serves /v1/snapshot/:id as a cached hub passthrough.
func (h Proposals) Snapshot(c *gin.Context) {
	id := gov.NormalizeSnapshotID(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusNotFound, gin.H{"err": "no snapshot proposal"})
		return
	}

	var sp snapshot.Proposal
	if h.cache.GetJSON(c, cache.KindSnapshot, id, "snapshot", &sp) {
		c.JSON(http.StatusOK, gin.H{"proposal": sp, "cached": true})
		return
	}
	if h.snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": "snapshot lookups disabled"})
		return
	}
	fresh, err := h.snapshot.Proposal(c, id)
	if err != nil {
		c.JSON(statusFromKind(err), gin.H{"err": "snapshot lookup failed"})
		return
	}
	h.cache.SetJSON(c, cache.KindSnapshot, id, "snapshot", fresh)
	c.JSON(http.StatusOK, gin.H{"proposal": fresh, "cached": false})
}

func numberParam(c *gin.Context) (uint64, bool) {
	n, err := strconv.ParseUint(c.Param("number"), 10, 64)
	if err != nil || n == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid proposal number"})
		return 0, false
	}
	return n, true
}

// contentKey normalizes a content address so every component derives
// the same cache key for the same identifier.
func contentKey(address string) string {
	if c, err := ipfs.ParseAddress(address); err == nil {
		return ipfs.FormatAddress(c)
	}
	return address
}
