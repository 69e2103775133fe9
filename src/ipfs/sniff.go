package ipfs

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
)

// recordJSON is the full structured shape some backends serve instead
// of raw document text.
type recordJSON struct {
	Number             json.Number `json:"qipNumber"`
	QCINumber          json.Number `json:"qciNumber"`
	Title              string      `json:"title"`
	Network            string      `json:"network"`
	Author             string      `json:"author"`
	Implementor        string      `json:"implementor"`
	Status             string      `json:"status"`
	ImplementationDate string      `json:"implementationDate"`
	Proposal           string      `json:"proposal"`
	Created            string      `json:"created"`
	Content            string      `json:"content"`
}

// wrapperJSON covers the typed wrapper ({"type": ..., "content": ...})
// and the bare wrapper ({"content": ...}).
type wrapperJSON struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Body    string `json:"body"`
}

// DecodeFetched interprets raw bytes from a content fetch and
// normalizes every accepted wire shape into header fields + body.
// Discriminator order: full-record JSON, typed wrapper, bare wrapper,
// raw document text. Gateway error pages served with HTTP 200 and
// empty responses are classified as failures here, not content.
func DecodeFetched(raw []byte) (*gov.Document, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, logging.Malformed("ipfs", "empty response", nil)
	}
	if LooksLikeGatewayError(raw) {
		return nil, logging.Fail(logging.KindNetwork, "ipfs", "gateway error page served as content", nil)
	}

	if strings.HasPrefix(text, "{") {
		return decodeJSONShapes([]byte(text))
	}

	if strings.HasPrefix(text, "---") {
		doc, err := gov.ParseDocument(text)
		if err != nil {
			return nil, logging.Malformed("ipfs", "undecodable document header", err)
		}
		return doc, nil
	}

	// Raw text without a header block: body-only document.
	return &gov.Document{Body: text}, nil
}

func decodeJSONShapes(raw []byte) (*gov.Document, error) {
	var rec recordJSON
	if err := json.Unmarshal(raw, &rec); err == nil && rec.Title != "" && rec.Content != "" {
		return documentFromRecord(&rec), nil
	}

	var wrap wrapperJSON
	if err := json.Unmarshal(raw, &wrap); err == nil {
		inner := wrap.Content
		if inner == "" {
			inner = wrap.Body
		}
		if inner != "" {
			if strings.HasPrefix(strings.TrimSpace(inner), "---") {
				doc, err := gov.ParseDocument(inner)
				if err != nil {
					return nil, logging.Malformed("ipfs", "undecodable wrapped document", err)
				}
				return doc, nil
			}
			return &gov.Document{Body: strings.TrimSpace(inner)}, nil
		}
	}

	return nil, logging.Malformed("ipfs", "JSON response matches no known record shape", nil)
}

func documentFromRecord(rec *recordJSON) *gov.Document {
	// A structured record whose content field itself carries a header
	// block already holds everything; the explicit fields only fill
	// gaps.
	if strings.HasPrefix(strings.TrimSpace(rec.Content), "---") {
		if doc, err := gov.ParseDocument(rec.Content); err == nil {
			fillMissing(doc, rec)
			return doc
		}
	}

	doc := &gov.Document{Body: strings.TrimSpace(rec.Content)}
	number := rec.Number.String()
	key := "qip"
	if number == "" || number == "0" {
		if qci := rec.QCINumber.String(); qci != "" && qci != "0" {
			number, key = qci, "qci"
		}
	}
	if n, err := strconv.ParseUint(number, 10, 64); err == nil && n > 0 {
		doc.Set(key, number)
	}
	setIfPresent(doc, "title", rec.Title)
	setIfPresent(doc, "network", rec.Network)
	setIfPresent(doc, "status", rec.Status)
	setIfPresent(doc, "author", rec.Author)
	setIfPresent(doc, "implementor", rec.Implementor)
	setIfPresent(doc, "implementation-date", rec.ImplementationDate)
	setIfPresent(doc, "proposal", rec.Proposal)
	setIfPresent(doc, "created", rec.Created)
	return doc
}

func fillMissing(doc *gov.Document, rec *recordJSON) {
	fill := func(key, val string) {
		if val == "" {
			return
		}
		if _, ok := doc.Get(key); !ok {
			doc.Set(key, val)
		}
	}
	fill("title", rec.Title)
	fill("network", rec.Network)
	fill("status", rec.Status)
	fill("author", rec.Author)
	fill("implementor", rec.Implementor)
	fill("implementation-date", rec.ImplementationDate)
	fill("proposal", rec.Proposal)
	fill("created", rec.Created)
}

func setIfPresent(doc *gov.Document, key, val string) {
	if val != "" {
		doc.Set(key, val)
	}
}

// LooksLikeGatewayError sniffs for the HTML error pages some gateways
// return with HTTP 200.
func LooksLikeGatewayError(raw []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(raw[:min(len(raw), 512)])))
	if strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") {
		return true
	}
	if strings.HasPrefix(head, "<") {
		for _, marker := range []string{"bad gateway", "gateway time", "service unavailable", "<title>50"} {
			if strings.Contains(head, marker) {
				return true
			}
		}
	}
	return false
}
