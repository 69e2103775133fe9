package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/webclient"
)

// listTTL bounds how long one /v2/qips response backs number-based
// lookups before the list is refetched.
const listTTL = time.Minute

// Client reads proposal records from a remote aggregation API. It
// serves the same operations as the on-chain path, so the sync layer
// can swap it in without noticing.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger

	mu        sync.Mutex
	byNumber  map[uint64]*gov.Proposal
	fetchedAt time.Time
}

func NewClient(baseURL string, client *http.Client, log zerolog.Logger) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		log:     logging.Component(log, "aggregator"),
	}
}

// ListQIPs fetches every record the aggregator knows, newest metadata
// included.
func (c *Client) ListQIPs(ctx context.Context) ([]*gov.Proposal, *Freshness, error) {
	body, err := webclient.Get(ctx, c.client, c.baseURL+"/v2/qips", nil)
	if err != nil {
		return nil, nil, classify("list qips", err)
	}

	var resp ListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, logging.Malformed("aggregator", "undecodable list response", err)
	}

	records := make([]*gov.Proposal, 0, len(resp.QIPs))
	index := make(map[uint64]*gov.Proposal, len(resp.QIPs))
	for _, w := range resp.QIPs {
		p := w.ToProposal()
		if p.Number == 0 {
			continue
		}
		records = append(records, p)
		index[p.Number] = p
	}

	c.mu.Lock()
	c.byNumber = index
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.log.Debug().Int("records", len(records)).Bool("cached", resp.Cached).Msg("list fetched")
	return records, &Freshness{Cached: resp.Cached, UpdatedAt: resp.UpdatedAt}, nil
}

// GetQIP fetches one record. A missing number is a not-found result,
// never a transport failure.
func (c *Client) GetQIP(ctx context.Context, number uint64) (*gov.Proposal, error) {
	body, err := webclient.Get(ctx, c.client, fmt.Sprintf("%s/v2/qips/%d", c.baseURL, number), nil)
	if err != nil {
		var httpErr *webclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, logging.NotFound("aggregator", fmt.Sprintf("qip %d", number))
		}
		return nil, classify(fmt.Sprintf("get qip %d", number), err)
	}

	var resp GetResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, logging.Malformed("aggregator", "undecodable record response", err)
	}
	p := resp.QIP.ToProposal()
	if p.Number == 0 {
		return nil, logging.NotFound("aggregator", fmt.Sprintf("qip %d", number))
	}
	return p, nil
}

// GetQIPsBatch answers a batch from the most recent list, refetching
// it when stale. Missing numbers are simply absent from the result.
func (c *Client) GetQIPsBatch(ctx context.Context, numbers []uint64) (map[uint64]*gov.Proposal, error) {
	index, err := c.listIndex(ctx)
	if err != nil {
		return nil, err
	}
	records := make(map[uint64]*gov.Proposal, len(numbers))
	for _, n := range numbers {
		if p, ok := index[n]; ok {
			records[n] = p
		}
	}
	return records, nil
}

// DiscoveryCeiling reports the highest number the aggregator serves.
func (c *Client) DiscoveryCeiling(ctx context.Context) (uint64, error) {
	index, err := c.listIndex(ctx)
	if err != nil {
		return 0, err
	}
	var max uint64
	for n := range index {
		if n > max {
			max = n
		}
	}
	return max, nil
}

func (c *Client) listIndex(ctx context.Context) (map[uint64]*gov.Proposal, error) {
	c.mu.Lock()
	fresh := c.byNumber != nil && time.Since(c.fetchedAt) < listTTL
	index := c.byNumber
	c.mu.Unlock()
	if fresh {
		return index, nil
	}

	if _, _, err := c.ListQIPs(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	index = c.byNumber
	c.mu.Unlock()
	return index, nil
}

func classify(op string, err error) error {
	var httpErr *webclient.HTTPError
	if errors.As(err, &httpErr) {
		return logging.Fail(logging.ClassifyStatus(httpErr.StatusCode), "aggregator", op, err)
	}
	return logging.Fail(logging.KindNetwork, "aggregator", op, err)
}
