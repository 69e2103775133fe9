package ipfs

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/shared/gov"
)

// Service is the storage contract every backend satisfies. Backends
// differ in transport only; consumers never care which one is wired.
type Service interface {
	Name() string
	// Upload stores content and returns its ipfs:// address. The
	// address always matches ComputeCID over the same content.
	Upload(ctx context.Context, content string) (string, error)
	// Fetch retrieves and normalizes the document at an address.
	Fetch(ctx context.Context, address string) (*gov.Document, error)
	// FetchMany retrieves several addresses concurrently. Per-item
	// failures are isolated; the map holds the successes.
	FetchMany(ctx context.Context, addresses []string) (map[string]*gov.Document, error)
}

// Config selects and parameterizes a storage backend.
type Config struct {
	Backend       string
	LocalAPIURL   string
	LocalGateway  string
	PinataJWT     string
	PinataGateway string
	MaiAPIURL     string
	Gateways      []string
}

// NewService builds the configured backend. Exactly one backend must be
// resolvable; the caller treats an error here as fatal.
func NewService(cfg Config, client *http.Client, log zerolog.Logger) (Service, error) {
	if client == nil {
		client = http.DefaultClient
	}
	switch strings.ToLower(cfg.Backend) {
	case "local":
		if cfg.LocalAPIURL == "" {
			return nil, fmt.Errorf("local backend selected but no API URL configured")
		}
		return NewLocalProvider(cfg.LocalAPIURL, cfg.LocalGateway, cfg.Gateways, client, log), nil
	case "pinata":
		if cfg.PinataJWT == "" {
			return nil, fmt.Errorf("pinata backend selected but no JWT configured")
		}
		return NewPinataProvider(cfg.PinataJWT, cfg.PinataGateway, cfg.Gateways, client, log), nil
	case "mai":
		if cfg.MaiAPIURL == "" {
			return nil, fmt.Errorf("mai backend selected but no API URL configured")
		}
		return NewMaiProvider(cfg.MaiAPIURL, cfg.Gateways, client, log), nil
	}
	return nil, fmt.Errorf("no storage backend resolvable from %q", cfg.Backend)
}

// fetchMany fans one Fetch out per address. Failures are logged and
// skipped so one bad item cannot sink a batch.
func fetchMany(ctx context.Context, svc Service, addresses []string, log zerolog.Logger) (map[string]*gov.Document, error) {
	type item struct {
		addr string
		doc  *gov.Document
		err  error
	}

	results := make(chan item, len(addresses))
	var wg sync.WaitGroup
	for _, addr := range addresses {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			doc, err := svc.Fetch(ctx, addr)
			results <- item{addr: addr, doc: doc, err: err}
		}(addr)
	}
	wg.Wait()
	close(results)

	out := make(map[string]*gov.Document, len(addresses))
	for r := range results {
		if r.err != nil {
			log.Warn().Err(r.err).Str("address", r.addr).Msg("content fetch failed")
			continue
		}
		out[r.addr] = r.doc
	}
	return out, nil
}
