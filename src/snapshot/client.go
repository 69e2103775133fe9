package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/webclient"
)

// DefaultEndpoint is the public Snapshot hub.
const DefaultEndpoint = "https://hub.snapshot.org/graphql"

// maxBatchIDs caps one proposals query; the hub rejects unbounded sets.
const maxBatchIDs = 100

// Proposal is the vote data cross-referenced onto registry records.
type Proposal struct {
	ID          string
	Title       string
	State       string
	Choices     []string
	Scores      []float64
	ScoresTotal float64
	Votes       int
	Start       int64
	End         int64
	SpaceID     string
}

// Active reports whether voting is still open.
func (p *Proposal) Active() bool { return p.State == "active" }

// Closed reports whether voting has ended.
func (p *Proposal) Closed() bool { return p.State == "closed" }

// Client is a read-only client for the Snapshot GraphQL hub.
type Client struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

func NewClient(endpoint string, client *http.Client, log zerolog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   client,
		log:      logging.Component(log, "snapshot"),
	}
}

const proposalQuery = `query Proposal($id: String!) {
  proposal(id: $id) {
    id
    title
    state
    choices
    scores
    scores_total
    votes
    start
    end
    space { id }
  }
}`

const proposalsQuery = `query Proposals($ids: [String]!, $first: Int!) {
  proposals(where: { id_in: $ids }, first: $first) {
    id
    title
    state
    choices
    scores
    scores_total
    votes
    start
    end
    space { id }
  }
}`

type wireProposal struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Choices     []string  `json:"choices"`
	Scores      []float64 `json:"scores"`
	ScoresTotal float64   `json:"scores_total"`
	Votes       int       `json:"votes"`
	Start       int64     `json:"start"`
	End         int64     `json:"end"`
	Space       struct {
		ID string `json:"id"`
	} `json:"space"`
}

func (w *wireProposal) toProposal() *Proposal {
	return &Proposal{
		ID:          w.ID,
		Title:       w.Title,
		State:       w.State,
		Choices:     w.Choices,
		Scores:      w.Scores,
		ScoresTotal: w.ScoresTotal,
		Votes:       w.Votes,
		Start:       w.Start,
		End:         w.End,
		SpaceID:     w.Space.ID,
	}
}

type graphqlError struct {
	Message string `json:"message"`
}

// Proposal fetches one vote record by its hub ID. Sentinel IDs are a
// not-found result without any network call.
func (c *Client) Proposal(ctx context.Context, id string) (*Proposal, error) {
	id = gov.NormalizeSnapshotID(id)
	if id == "" {
		return nil, logging.NotFound("snapshot", "no proposal id")
	}

	var resp struct {
		Data struct {
			Proposal *wireProposal `json:"proposal"`
		} `json:"data"`
		Errors []graphqlError `json:"errors"`
	}
	if err := c.query(ctx, proposalQuery, map[string]interface{}{"id": id}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, logging.Malformed("snapshot", "query rejected: "+resp.Errors[0].Message, nil)
	}
	if resp.Data.Proposal == nil {
		return nil, logging.NotFound("snapshot", "proposal "+id)
	}
	return resp.Data.Proposal.toProposal(), nil
}

// ProposalsIn fetches vote records for a set of hub IDs in one query.
// Sentinel and duplicate IDs are skipped; unknown IDs are absent from
// the result, not errors.
func (c *Client) ProposalsIn(ctx context.Context, ids []string) (map[string]*Proposal, error) {
	seen := make(map[string]bool)
	clean := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := gov.NormalizeSnapshotID(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		clean = append(clean, id)
	}
	if len(clean) == 0 {
		return map[string]*Proposal{}, nil
	}
	if len(clean) > maxBatchIDs {
		clean = clean[:maxBatchIDs]
	}

	var resp struct {
		Data struct {
			Proposals []wireProposal `json:"proposals"`
		} `json:"data"`
		Errors []graphqlError `json:"errors"`
	}
	vars := map[string]interface{}{"ids": clean, "first": len(clean)}
	if err := c.query(ctx, proposalsQuery, vars, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, logging.Malformed("snapshot", "query rejected: "+resp.Errors[0].Message, nil)
	}

	out := make(map[string]*Proposal, len(resp.Data.Proposals))
	for i := range resp.Data.Proposals {
		p := resp.Data.Proposals[i].toProposal()
		out[p.ID] = p
	}
	return out, nil
}

func (c *Client) query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	payload := map[string]interface{}{
		"query":     query,
		"variables": variables,
	}
	body, err := webclient.PostJSON(ctx, c.client, c.endpoint, payload, nil)
	if err != nil {
		var httpErr *webclient.HTTPError
		if errors.As(err, &httpErr) {
			return logging.Fail(logging.ClassifyStatus(httpErr.StatusCode), "snapshot", "query", err)
		}
		return logging.Fail(logging.KindNetwork, "snapshot", "query", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return logging.Malformed("snapshot", "undecodable hub response", err)
	}
	return nil
}
