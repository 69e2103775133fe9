package webserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qidao/govsync/src/cache"
	"github.com/qidao/govsync/src/ipfs"
	"github.com/qidao/govsync/src/shared/gov"
)

// readOnly guards the mutating routes on deployments launched without
// a signing key.
func (h Proposals) readOnly(c *gin.Context) bool {
	if h.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": "writes disabled: no signing key configured"})
		return true
	}
	return false
}

// Create uploads the canonical document and registers it on chain. The
// chain assigns the number; the header copy is informational only.
func (h Proposals) Create(c *gin.Context) {
	if h.readOnly(c) {
		return
	}
	var req struct {
		Title   string `json:"title" binding:"required"`
		Network string `json:"network" binding:"required"`
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "title, network and content are required"})
		return
	}

	text := req.Content
	if doc, err := gov.ParseDocument(text); err == nil {
		text = gov.FormatDocument(doc)
	} else {
		now := time.Now().UTC()
		draft := &gov.Proposal{
			Title:       req.Title,
			Network:     req.Network,
			Author:      c.GetString("addr"),
			Status:      gov.StatusDraft,
			CreatedDate: &now,
			Content:     req.Content,
		}
		text = gov.FormatDocument(gov.BuildDocument(draft, "qip"))
	}

	hash, err := ipfs.ContentHash(text)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "content could not be hashed"})
		return
	}
	address, err := h.storage.Upload(c, text)
	if err != nil {
		h.log.Error().Err(err).Msg("proposal upload failed")
		c.JSON(statusFromKind(err), gin.H{"err": "content upload failed"})
		return
	}
	number, err := h.registry.CreateQIP(c, req.Title, req.Network, hash, address)
	if err != nil {
		h.log.Error().Err(err).Str("title", req.Title).Msg("proposal creation failed")
		c.JSON(statusFromKind(err), gin.H{"err": "chain submission failed"})
		return
	}

	h.invalidateAfterWrite(c, number)
	h.log.Info().Uint64("number", number).Str("address", address).Msg("proposal created")
	c.JSON(http.StatusCreated, gin.H{
		"number":         number,
		"contentAddress": address,
		"contentHash":    fmt.Sprintf("0x%x", hash),
	})
}

// Update replaces a proposal's content. Plain bodies are stored as-is;
// the header is optional by the document grammar.
func (h Proposals) Update(c *gin.Context) {
	if h.readOnly(c) {
		return
	}
	number, ok := numberParam(c)
	if !ok {
		return
	}
	var req struct {
		Content    string `json:"content" binding:"required"`
		ChangeNote string `json:"changeNote"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "content is required"})
		return
	}

	text := req.Content
	if doc, err := gov.ParseDocument(text); err == nil {
		text = gov.FormatDocument(doc)
	}

	hash, err := ipfs.ContentHash(text)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "content could not be hashed"})
		return
	}
	address, err := h.storage.Upload(c, text)
	if err != nil {
		h.log.Error().Err(err).Uint64("number", number).Msg("update upload failed")
		c.JSON(statusFromKind(err), gin.H{"err": "content upload failed"})
		return
	}
	version, err := h.registry.UpdateQIP(c, number, hash, address, req.ChangeNote)
	if err != nil {
		h.log.Error().Err(err).Uint64("number", number).Msg("proposal update failed")
		c.JSON(statusFromKind(err), gin.H{"err": "chain submission failed"})
		return
	}

	h.invalidateAfterWrite(c, number)
	h.log.Info().Uint64("number", number).Uint64("version", version).Msg("proposal updated")
	c.JSON(http.StatusOK, gin.H{
		"number":         number,
		"version":        version,
		"contentAddress": address,
		"contentHash":    fmt.Sprintf("0x%x", hash),
	})
}

// SetStatus moves a proposal through its lifecycle and reflects the
// transition in the local row immediately, so reads are coherent
// before the next sync pass.
func (h Proposals) SetStatus(c *gin.Context) {
	if h.readOnly(c) {
		return
	}
	number, ok := numberParam(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "status is required"})
		return
	}
	st := gov.ParseStatus(req.Status)
	if st == gov.StatusUnknown {
		c.JSON(http.StatusBadRequest, gin.H{"err": fmt.Sprintf("unknown status %q", req.Status)})
		return
	}

	if err := h.registry.SetStatus(c, number, st); err != nil {
		h.log.Error().Err(err).Uint64("number", number).Msg("status change failed")
		c.JSON(statusFromKind(err), gin.H{"err": "chain submission failed"})
		return
	}

	if err := h.proposals.SetStatus(h.registryID, number, st); err != nil {
		h.log.Warn().Err(err).Uint64("number", number).Msg("local status write-through failed")
	}
	h.invalidateAfterWrite(c, number)
	h.log.Info().Uint64("number", number).Str("status", st.String()).Msg("proposal status changed")
	c.JSON(http.StatusOK, gin.H{"number": number, "status": st.String()})
}

// invalidateAfterWrite drops every cache entry the write made stale.
func (h Proposals) invalidateAfterWrite(c *gin.Context, number uint64) {
	h.cache.Invalidate(c, cache.KindRecord, strconv.FormatUint(number, 10), h.source)
	h.cache.InvalidateKind(c, cache.KindList)
}
