package webserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qidao/govsync/src/aggregator"
	"github.com/qidao/govsync/src/cache"
	"github.com/qidao/govsync/src/ipfs"
	"github.com/qidao/govsync/src/shared/gov"
)

// The /v2 routes mirror the Mai API wire format, so an aggregator
// client or the mai storage backend can point at this server instead.

const v2Source = "webserver"

func (h Proposals) ListV2(c *gin.Context) {
	var resp aggregator.ListResponse
	if h.cache.GetJSON(c, cache.KindList, "qips", v2Source, &resp) {
		resp.Cached = true
		c.JSON(http.StatusOK, resp)
		return
	}

	rows, err := h.proposals.List(h.registryID, 0, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": "query failed"})
		return
	}
	resp = aggregator.ListResponse{
		QIPs:      make([]aggregator.WireQIP, 0, len(rows)),
		UpdatedAt: time.Now().UTC(),
	}
	for i := range rows {
		resp.QIPs = append(resp.QIPs, aggregator.FromProposal(&rows[i]))
	}
	h.cache.SetJSON(c, cache.KindList, "qips", v2Source, resp)
	c.JSON(http.StatusOK, resp)
}

func (h Proposals) GetV2(c *gin.Context) {
	number, ok := numberParam(c)
	if !ok {
		return
	}

	var resp aggregator.GetResponse
	if h.cache.GetJSON(c, cache.KindRecord, c.Param("number"), v2Source, &resp) {
		resp.Cached = true
		c.JSON(http.StatusOK, resp)
		return
	}

	p, err := h.proposals.FindByNumber(h.registryID, number)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": "query failed"})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"err": "not found"})
		return
	}
	resp = aggregator.GetResponse{QIP: aggregator.FromProposal(p), UpdatedAt: time.Now().UTC()}
	h.cache.SetJSON(c, cache.KindRecord, c.Param("number"), v2Source, resp)
	c.JSON(http.StatusOK, resp)
}

// FetchContent serves the canonical document text for an identifier,
// in any accepted spelling.
func (h Proposals) FetchContent(c *gin.Context) {
	id, err := ipfs.ParseAddress(c.Param("cid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid content identifier"})
		return
	}
	key := ipfs.FormatAddress(id)

	if raw, ok := h.cache.Get(c, cache.KindContent, key, "ipfs"); ok {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", raw)
		return
	}

	doc, err := h.storage.Fetch(c, key)
	if err != nil {
		c.JSON(statusFromKind(err), gin.H{"err": "content unavailable"})
		return
	}
	text := gov.FormatDocument(doc)
	h.cache.Set(c, cache.KindContent, key, "ipfs", []byte(text))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

// UploadContent pins posted content and answers with its identifier.
func (h Proposals) UploadContent(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "content is required"})
		return
	}

	address, err := h.storage.Upload(c, req.Content)
	if err != nil {
		h.log.Error().Err(err).Msg("content upload failed")
		c.JSON(statusFromKind(err), gin.H{"err": "upload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cid": address})
}
