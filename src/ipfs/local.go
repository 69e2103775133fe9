package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/webclient"
)

// LocalProvider talks to a local IPFS daemon over its HTTP API for
// uploads and reads through its gateway.
type LocalProvider struct {
	apiURL  string
	client  *http.Client
	fetcher *GatewayFetcher
	log     zerolog.Logger
}

func NewLocalProvider(apiURL, gateway string, extra []string, client *http.Client, log zerolog.Logger) *LocalProvider {
	if client == nil {
		client = http.DefaultClient
	}
	var gws []string
	if gateway != "" {
		gws = append(gws, gateway)
	}
	gws = append(gws, extra...)
	l := logging.Component(log, "ipfs-local")
	return &LocalProvider{
		apiURL:  strings.TrimSuffix(apiURL, "/"),
		client:  client,
		fetcher: NewGatewayFetcher(gws, client, l),
		log:     l,
	}
}

func (p *LocalProvider) Name() string { return "local" }

// Upload adds the canonical bytes through the daemon, pinned. The
// daemon is asked for the same identifier recipe used offline, so its
// answer must equal the locally computed one.
func (p *LocalProvider) Upload(ctx context.Context, content string) (string, error) {
	data, err := CanonicalBytes(content)
	if err != nil {
		return "", err
	}
	want, err := ComputeCID(content)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "proposal.md")
	if err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}

	url := p.apiURL + "/api/v0/add?cid-version=1&raw-leaves=true&hash=sha2-256&pin=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", logging.Fail(logging.KindNetwork, "ipfs", "daemon add", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", logging.Fail(logging.KindNetwork, "ipfs", "read daemon response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", logging.Fail(logging.ClassifyStatus(resp.StatusCode), "ipfs", "daemon add",
			&webclient.HTTPError{StatusCode: resp.StatusCode, Body: body})
	}

	var added struct {
		Hash string `json:"Hash"`
	}
	if err := json.Unmarshal(body, &added); err != nil {
		return "", logging.Malformed("ipfs", "undecodable daemon add response", err)
	}

	got, err := ParseAddress(added.Hash)
	if err != nil {
		return "", logging.Malformed("ipfs", "daemon returned invalid identifier", err)
	}
	if !got.Equals(want) {
		return "", logging.Integrity("ipfs",
			fmt.Sprintf("daemon identifier %s disagrees with computed %s", got, want))
	}
	return FormatAddress(want), nil
}

func (p *LocalProvider) Fetch(ctx context.Context, address string) (*gov.Document, error) {
	c, err := ParseAddress(address)
	if err != nil {
		return nil, logging.Malformed("ipfs", "bad content address", err)
	}
	data, err := p.fetcher.Fetch(ctx, c)
	if err != nil {
		return nil, err
	}
	return DecodeFetched(data)
}

func (p *LocalProvider) FetchMany(ctx context.Context, addresses []string) (map[string]*gov.Document, error) {
	return fetchMany(ctx, p, addresses, p.log)
}

var _ Service = (*LocalProvider)(nil)
