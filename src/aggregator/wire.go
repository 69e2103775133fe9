package aggregator

import (
	"time"

	"github.com/qidao/govsync/src/shared/gov"
)

// WireQIP is the record shape served under /v2/qips. The server side
// renders the same struct, so client and server cannot drift apart.
type WireQIP struct {
	QIPNumber          uint64 `json:"qipNumber"`
	Title              string `json:"title"`
	Network            string `json:"network"`
	Author             string `json:"author"`
	Implementor        string `json:"implementor,omitempty"`
	Status             string `json:"status"`
	IPFSStatus         string `json:"ipfsStatus,omitempty"`
	CreatedDate        string `json:"createdDate,omitempty"`
	ImplementationDate string `json:"implementationDate,omitempty"`
	Content            string `json:"content,omitempty"`
	IpfsUrl            string `json:"ipfsUrl"`
	ContentHash        string `json:"contentHash"`
	Version            uint64 `json:"version"`
	SnapshotProposalId string `json:"snapshotProposalId,omitempty"`
}

// ListResponse is the /v2/qips envelope. Cached and UpdatedAt tell the
// consumer how fresh the server's copy is.
type ListResponse struct {
	QIPs      []WireQIP `json:"qips"`
	Cached    bool      `json:"cached"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GetResponse is the single-record envelope.
type GetResponse struct {
	QIP       WireQIP   `json:"qip"`
	Cached    bool      `json:"cached"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Freshness carries the server's cache metadata alongside decoded
// records.
type Freshness struct {
	Cached    bool
	UpdatedAt time.Time
}

// FromProposal renders a normalized record onto the wire.
func FromProposal(p *gov.Proposal) WireQIP {
	return WireQIP{
		QIPNumber:          p.Number,
		Title:              p.Title,
		Network:            p.Network,
		Author:             p.Author,
		Implementor:        p.Implementor,
		Status:             p.Status.String(),
		IPFSStatus:         p.IPFSStatus,
		CreatedDate:        dateOrEmpty(p.CreatedDate),
		ImplementationDate: dateOrEmpty(p.ImplementationDate),
		Content:            p.Content,
		IpfsUrl:            p.ContentAddress,
		ContentHash:        p.ContentHash,
		Version:            p.Version,
		SnapshotProposalId: p.SnapshotID,
	}
}

// ToProposal decodes a wire record into the normalized shape, tagged
// with the aggregator as its source.
func (w WireQIP) ToProposal() *gov.Proposal {
	p := &gov.Proposal{
		Number:         w.QIPNumber,
		Title:          w.Title,
		Network:        w.Network,
		Author:         w.Author,
		Implementor:    w.Implementor,
		Status:         gov.ParseStatus(w.Status),
		IPFSStatus:     w.IPFSStatus,
		Content:        w.Content,
		ContentAddress: w.IpfsUrl,
		ContentHash:    w.ContentHash,
		Version:        w.Version,
		SnapshotID:     gov.NormalizeSnapshotID(w.SnapshotProposalId),
		Source:         gov.SourceAggregator,
	}
	if p.Version == 0 {
		p.Version = 1
	}
	p.CreatedDate = gov.ParseDate(w.CreatedDate)
	p.ImplementationDate = gov.ParseDate(w.ImplementationDate)
	return p
}

func dateOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
