package gov

import (
	"fmt"
	"strconv"
	"strings"
)

// Field is one `key: value` line of a proposal header block.
type Field struct {
	Key   string
	Value string
}

// Document is a proposal body plus its delimited header block. Field
// order is preserved so formatting is deterministic.
type Document struct {
	Fields []Field
	Body   string
}

// Get returns the value of the first header field matching key,
// case-insensitively.
func (d *Document) Get(key string) (string, bool) {
	for _, f := range d.Fields {
		if strings.EqualFold(f.Key, key) {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the first field matching key or appends a new one.
func (d *Document) Set(key, value string) {
	for i, f := range d.Fields {
		if strings.EqualFold(f.Key, key) {
			d.Fields[i].Value = value
			return
		}
	}
	d.Fields = append(d.Fields, Field{Key: key, Value: value})
}

// ParseDocument reads the wire form: a `---` delimited block of
// `key: value` lines, a blank line, then the freeform body. Leading
// blank lines before the opening delimiter are tolerated.
func ParseDocument(text string) (*Document, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == "---" {
			start = i
		}
		break
	}
	if start == -1 {
		return nil, fmt.Errorf("missing opening --- delimiter")
	}

	doc := &Document{}
	end := -1
	for i := start + 1; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "---" {
			end = i
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("header line %d has no colon: %q", i+1, line)
		}
		doc.Fields = append(doc.Fields, Field{
			Key:   strings.TrimSpace(k),
			Value: strings.TrimSpace(v),
		})
	}
	if end == -1 {
		return nil, fmt.Errorf("missing closing --- delimiter")
	}

	body := strings.Join(lines[end+1:], "\n")
	body = strings.TrimPrefix(body, "\n")
	doc.Body = body
	return doc, nil
}

// FormatDocument is the canonical serialization. Content identifiers
// are computed over exactly these bytes, so the format never varies:
// header block, blank separator line, body.
func FormatDocument(d *Document) string {
	var b strings.Builder
	b.WriteString("---\n")
	for _, f := range d.Fields {
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\n")
	}
	b.WriteString("---\n")
	if d.Body != "" {
		b.WriteString("\n")
		b.WriteString(d.Body)
	}
	return b.String()
}

// BuildDocument renders a proposal into its canonical document form.
// numberKey is the registry kind ("qip" or "qci").
func BuildDocument(p *Proposal, numberKey string) *Document {
	doc := &Document{
		Fields: []Field{
			{numberKey, strconv.FormatUint(p.Number, 10)},
			{"title", p.Title},
			{"network", p.Network},
			{"status", p.Status.String()},
			{"author", p.Author},
			{"implementor", orNone(p.Implementor)},
			{"implementation-date", FormatDate(p.ImplementationDate)},
			{"proposal", orNone(p.SnapshotID)},
			{"created", FormatDate(p.CreatedDate)},
		},
		Body: p.Content,
	}
	return doc
}

// ApplyHeader copies document header fields onto a proposal. The header
// status lands in IPFSStatus only; the chain value stays authoritative.
func ApplyHeader(doc *Document, p *Proposal) {
	if v, ok := doc.Get("qip"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			p.Number = n
		}
	} else if v, ok := doc.Get("qci"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			p.Number = n
		}
	}
	if v, ok := doc.Get("title"); ok {
		p.Title = v
	}
	if v, ok := doc.Get("network"); ok {
		p.Network = v
	}
	if v, ok := doc.Get("status"); ok {
		p.IPFSStatus = v
	}
	if v, ok := doc.Get("author"); ok {
		p.Author = v
	}
	if v, ok := doc.Get("implementor"); ok && !strings.EqualFold(v, "None") {
		p.Implementor = v
	}
	if v, ok := doc.Get("implementation-date"); ok {
		p.ImplementationDate = ParseDate(v)
	}
	if v, ok := doc.Get("proposal"); ok {
		p.SnapshotID = NormalizeSnapshotID(v)
	}
	if v, ok := doc.Get("created"); ok {
		p.CreatedDate = ParseDate(v)
	}
	p.Content = doc.Body
}

func orNone(v string) string {
	if v == "" {
		return "None"
	}
	return v
}
