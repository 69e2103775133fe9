package ipfs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DiskCache persists fetched documents under their content identifier.
// Content-addressed data never changes, so entries are written once and
// never invalidated.
type DiskCache struct {
	root string
	mu   sync.Mutex
}

func NewDiskCache(root string) *DiskCache {
	return &DiskCache{root: root}
}

// Get returns the cached bytes for an identifier if present.
func (d *DiskCache) Get(cidStr string) ([]byte, bool) {
	path := d.pathFor(cidStr)
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores bytes under an identifier. The write goes through a temp
// file and rename so readers never observe a partial entry.
func (d *DiskCache) Put(cidStr string, data []byte) error {
	path := d.pathFor(cidStr)
	if path == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (d *DiskCache) pathFor(cidStr string) string {
	seg := sanitizeSegment(cidStr)
	if seg == "unknown" {
		return ""
	}
	// Two-level fanout keeps directories small as the corpus grows.
	shard := "00"
	if len(seg) >= 2 {
		shard = seg[len(seg)-2:]
	}
	return filepath.Join(d.root, shard, seg+".md")
}

func sanitizeSegment(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}

	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		}
	}

	if b.Len() == 0 {
		return "unknown"
	}

	return b.String()
}
