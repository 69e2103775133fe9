package ipfs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/webclient"
)

// DefaultGateways are the public mirrors used when a backend brings no
// gateway of its own.
var DefaultGateways = []string{
	"https://ipfs.io",
	"https://dweb.link",
	"https://cloudflare-ipfs.com",
}

const (
	raceWidth      = 3
	attemptTimeout = 15 * time.Second
)

// GatewayFetcher retrieves content-addressed data across mirrors.
// Policy: race the first wave concurrently, take the first success and
// cancel the losers; if the whole wave fails, walk the remaining
// mirrors sequentially before giving up.
type GatewayFetcher struct {
	gateways []string
	client   *http.Client
	log      zerolog.Logger
}

// NewGatewayFetcher builds a fetcher over the given mirrors, preferred
// first. Duplicates are dropped; with no mirrors at all the public
// defaults apply.
func NewGatewayFetcher(gateways []string, client *http.Client, log zerolog.Logger) *GatewayFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	seen := make(map[string]bool)
	var clean []string
	for _, gw := range gateways {
		gw = strings.TrimSuffix(strings.TrimSpace(gw), "/")
		if gw == "" || seen[gw] {
			continue
		}
		seen[gw] = true
		clean = append(clean, gw)
	}
	if len(clean) == 0 {
		clean = append(clean, DefaultGateways...)
	}
	return &GatewayFetcher{gateways: clean, client: client, log: log}
}

// Fetch returns the raw bytes stored under c, verified against the
// identifier when the recipe allows it.
func (g *GatewayFetcher) Fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	wave := g.gateways
	var rest []string
	if len(wave) > raceWidth {
		wave, rest = wave[:raceWidth], wave[raceWidth:]
	}

	type result struct {
		gateway string
		data    []byte
		err     error
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(wave))
	for _, gw := range wave {
		go func(gw string) {
			data, err := g.fetchOne(raceCtx, gw, c)
			results <- result{gateway: gw, data: data, err: err}
		}(gw)
	}

	var errs []error
	for range wave {
		r := <-results
		if r.err == nil {
			cancel()
			return r.data, nil
		}
		if raceCtx.Err() == nil {
			g.log.Debug().Err(r.err).Str("gateway", r.gateway).Str("cid", c.String()).Msg("gateway attempt failed")
		}
		errs = append(errs, r.err)
	}

	for _, gw := range rest {
		data, err := g.fetchOne(ctx, gw, c)
		if err == nil {
			return data, nil
		}
		g.log.Debug().Err(err).Str("gateway", gw).Str("cid", c.String()).Msg("gateway fallback failed")
		errs = append(errs, err)
	}

	if allNotFound(errs) {
		return nil, logging.NotFound("ipfs", c.String())
	}
	return nil, fmt.Errorf("all gateways failed for %s: %w", c, errors.Join(errs...))
}

func (g *GatewayFetcher) fetchOne(ctx context.Context, gateway string, c cid.Cid) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	url := gateway + "/ipfs/" + c.String()
	body, err := webclient.Get(attemptCtx, g.client, url, nil)
	if err != nil {
		var httpErr *webclient.HTTPError
		if errors.As(err, &httpErr) {
			return nil, logging.Fail(logging.ClassifyStatus(httpErr.StatusCode), "ipfs", gateway, err)
		}
		return nil, logging.Fail(logging.KindNetwork, "ipfs", gateway, err)
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, logging.Malformed("ipfs", "empty response from "+gateway, nil)
	}
	if LooksLikeGatewayError(body) {
		return nil, logging.Fail(logging.KindNetwork, "ipfs", "error page from "+gateway, nil)
	}
	if err := VerifyRaw(c, body); err != nil {
		return nil, err
	}
	return body, nil
}

func allNotFound(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if !logging.IsNotFound(err) {
			return false
		}
	}
	return true
}
