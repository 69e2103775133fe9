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

const pinataDefaultAPI = "https://api.pinata.cloud"

// PinataProvider pins uploads through the Pinata API and reads through
// its dedicated gateway before the public mirrors.
type PinataProvider struct {
	apiBase string
	jwt     string
	client  *http.Client
	fetcher *GatewayFetcher
	log     zerolog.Logger
}

// NewPinataProvider builds the provider. apiBase "" selects the public
// Pinata endpoint; tests point it elsewhere.
func NewPinataProvider(jwt, gateway string, extra []string, client *http.Client, log zerolog.Logger) *PinataProvider {
	if client == nil {
		client = http.DefaultClient
	}
	var gws []string
	if gateway != "" {
		gws = append(gws, gateway)
	}
	gws = append(gws, extra...)
	l := logging.Component(log, "ipfs-pinata")
	return &PinataProvider{
		apiBase: pinataDefaultAPI,
		jwt:     jwt,
		client:  client,
		fetcher: NewGatewayFetcher(gws, client, l),
		log:     l,
	}
}

// WithAPIBase overrides the pinning endpoint.
func (p *PinataProvider) WithAPIBase(base string) *PinataProvider {
	p.apiBase = strings.TrimSuffix(base, "/")
	return p
}

func (p *PinataProvider) Name() string { return "pinata" }

func (p *PinataProvider) Upload(ctx context.Context, content string) (string, error) {
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
	if err := w.WriteField("pinataOptions", `{"cidVersion":1}`); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if err := w.WriteField("pinataMetadata", fmt.Sprintf(`{"name":%q}`, uploadName(content))); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/pinning/pinFileToIPFS", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.jwt)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", logging.Fail(logging.KindNetwork, "ipfs", "pinata pin", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", logging.Fail(logging.KindNetwork, "ipfs", "read pinata response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", logging.Fail(logging.ClassifyStatus(resp.StatusCode), "ipfs", "pinata pin",
			&webclient.HTTPError{StatusCode: resp.StatusCode, Body: body})
	}

	var pinned struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.Unmarshal(body, &pinned); err != nil {
		return "", logging.Malformed("ipfs", "undecodable pinata response", err)
	}

	got, err := ParseAddress(pinned.IpfsHash)
	if err != nil {
		return "", logging.Malformed("ipfs", "pinata returned invalid identifier", err)
	}
	if !got.Equals(want) {
		return "", logging.Integrity("ipfs",
			fmt.Sprintf("pinata identifier %s disagrees with computed %s", got, want))
	}
	return FormatAddress(want), nil
}

func (p *PinataProvider) Fetch(ctx context.Context, address string) (*gov.Document, error) {
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

func (p *PinataProvider) FetchMany(ctx context.Context, addresses []string) (map[string]*gov.Document, error) {
	return fetchMany(ctx, p, addresses, p.log)
}

// uploadName derives a pin label from the document header when one is
// parseable.
func uploadName(content string) string {
	doc, err := gov.ParseDocument(content)
	if err != nil {
		return "govsync-upload"
	}
	if n, ok := doc.Get("qip"); ok {
		return "qip-" + n
	}
	if n, ok := doc.Get("qci"); ok {
		return "qci-" + n
	}
	return "govsync-upload"
}

var _ Service = (*PinataProvider)(nil)
