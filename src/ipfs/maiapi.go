package ipfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/webclient"
)

// MaiProvider proxies storage through a Mai API deployment. The proxy
// exposes upload and read endpoints over the same documents the
// gateways serve, so reads fall back to public mirrors when the proxy
// is down.
type MaiProvider struct {
	baseURL string
	client  *http.Client
	fetcher *GatewayFetcher
	log     zerolog.Logger
}

func NewMaiProvider(baseURL string, extra []string, client *http.Client, log zerolog.Logger) *MaiProvider {
	if client == nil {
		client = http.DefaultClient
	}
	l := logging.Component(log, "ipfs-mai")
	return &MaiProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		fetcher: NewGatewayFetcher(extra, client, l),
		log:     l,
	}
}

func (p *MaiProvider) Name() string { return "mai" }

func (p *MaiProvider) Upload(ctx context.Context, content string) (string, error) {
	want, err := ComputeCID(content)
	if err != nil {
		return "", err
	}
	data, err := CanonicalBytes(content)
	if err != nil {
		return "", err
	}

	body, err := webclient.PostJSON(ctx, p.client, p.baseURL+"/v2/ipfs-upload",
		map[string]string{"content": string(data)}, nil)
	if err != nil {
		var httpErr *webclient.HTTPError
		if errors.As(err, &httpErr) {
			return "", logging.Fail(logging.ClassifyStatus(httpErr.StatusCode), "ipfs", "mai upload", err)
		}
		return "", logging.Fail(logging.KindNetwork, "ipfs", "mai upload", err)
	}

	var uploaded struct {
		CID string `json:"cid"`
	}
	if err := json.Unmarshal(body, &uploaded); err != nil {
		return "", logging.Malformed("ipfs", "undecodable mai upload response", err)
	}

	got, err := ParseAddress(uploaded.CID)
	if err != nil {
		return "", logging.Malformed("ipfs", "mai returned invalid identifier", err)
	}
	if !got.Equals(want) {
		return "", logging.Integrity("ipfs",
			fmt.Sprintf("mai identifier %s disagrees with computed %s", got, want))
	}
	return FormatAddress(want), nil
}

func (p *MaiProvider) Fetch(ctx context.Context, address string) (*gov.Document, error) {
	c, err := ParseAddress(address)
	if err != nil {
		return nil, logging.Malformed("ipfs", "bad content address", err)
	}

	data, err := p.fetchProxy(ctx, c.String())
	if err != nil {
		p.log.Debug().Err(err).Str("cid", c.String()).Msg("proxy read failed, trying gateways")
		data, err = p.fetcher.Fetch(ctx, c)
		if err != nil {
			return nil, err
		}
	}
	return DecodeFetched(data)
}

func (p *MaiProvider) fetchProxy(ctx context.Context, cidStr string) ([]byte, error) {
	body, err := webclient.Get(ctx, p.client, p.baseURL+"/v2/ipfs/"+cidStr, nil)
	if err != nil {
		var httpErr *webclient.HTTPError
		if errors.As(err, &httpErr) {
			return nil, logging.Fail(logging.ClassifyStatus(httpErr.StatusCode), "ipfs", "mai read", err)
		}
		return nil, logging.Fail(logging.KindNetwork, "ipfs", "mai read", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, logging.Malformed("ipfs", "empty response from proxy", nil)
	}
	if LooksLikeGatewayError(body) {
		return nil, logging.Fail(logging.KindNetwork, "ipfs", "error page from proxy", nil)
	}
	return body, nil
}

func (p *MaiProvider) FetchMany(ctx context.Context, addresses []string) (map[string]*gov.Document, error) {
	return fetchMany(ctx, p, addresses, p.log)
}

var _ Service = (*MaiProvider)(nil)
