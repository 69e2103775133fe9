package ipfs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qidao/govsync/src/logging"
)

// gatewayFor serves canonical bytes under /ipfs/<cid> like a real
// mirror would.
func gatewayFor(t *testing.T, content string) *httptest.Server {
	t.Helper()
	c, err := ComputeCID(content)
	require.NoError(t, err)
	data, err := CanonicalBytes(content)
	require.NoError(t, err)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ipfs/"+c.String() {
			w.Write(data)
			return
		}
		http.NotFound(w, r)
	}))
}

func TestGatewayFetcherReturnsVerifiedBytes(t *testing.T) {
	gw := gatewayFor(t, sampleDoc)
	defer gw.Close()

	f := NewGatewayFetcher([]string{gw.URL}, gw.Client(), zerolog.Nop())
	c, _ := ComputeCID(sampleDoc)

	data, err := f.Fetch(context.Background(), c)
	require.NoError(t, err)

	want, _ := CanonicalBytes(sampleDoc)
	assert.Equal(t, want, data)
}

func TestGatewayFetcherRaceFirstSuccessWins(t *testing.T) {
	c, _ := ComputeCID(sampleDoc)
	data, _ := CanonicalBytes(sampleDoc)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write(data)
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer fast.Close()

	f := NewGatewayFetcher([]string{slow.URL, fast.URL}, http.DefaultClient, zerolog.Nop())

	start := time.Now()
	got, err := f.Fetch(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "winner must not wait for the slow mirror")
}

func TestGatewayFetcherSequentialFallbackAfterWaveFails(t *testing.T) {
	c, _ := ComputeCID(sampleDoc)
	data, _ := CanonicalBytes(sampleDoc)

	bad := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	b1, b2, b3 := httptest.NewServer(bad), httptest.NewServer(bad), httptest.NewServer(bad)
	defer b1.Close()
	defer b2.Close()
	defer b3.Close()

	var goodHits int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&goodHits, 1)
		w.Write(data)
	}))
	defer good.Close()

	f := NewGatewayFetcher([]string{b1.URL, b2.URL, b3.URL, good.URL}, http.DefaultClient, zerolog.Nop())

	got, err := f.Fetch(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&goodHits))
}

func TestGatewayFetcherAll404IsNotFound(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer notFound.Close()

	f := NewGatewayFetcher([]string{notFound.URL}, notFound.Client(), zerolog.Nop())
	c, _ := ComputeCID(sampleDoc)

	_, err := f.Fetch(context.Background(), c)
	require.Error(t, err)
	assert.True(t, logging.IsNotFound(err))
}

func TestGatewayFetcherClassifies429(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()

	f := NewGatewayFetcher([]string{limited.URL}, limited.Client(), zerolog.Nop())
	c, _ := ComputeCID(sampleDoc)

	_, err := f.Fetch(context.Background(), c)
	require.Error(t, err)
	assert.True(t, logging.IsRateLimit(err))
	assert.False(t, logging.IsNotFound(err))
}

func TestGatewayFetcherRejectsErrorPageServedAs200(t *testing.T) {
	errorPage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><head><title>502 Bad Gateway</title></head><body></body></html>"))
	}))
	defer errorPage.Close()

	f := NewGatewayFetcher([]string{errorPage.URL}, errorPage.Client(), zerolog.Nop())
	c, _ := ComputeCID(sampleDoc)

	_, err := f.Fetch(context.Background(), c)
	require.Error(t, err, "HTML with HTTP 200 must never be returned as content")
}

func TestGatewayFetcherRejectsCorruptedBytes(t *testing.T) {
	tampered := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered content"))
	}))
	defer tampered.Close()

	f := NewGatewayFetcher([]string{tampered.URL}, tampered.Client(), zerolog.Nop())
	c, _ := ComputeCID(sampleDoc)

	_, err := f.Fetch(context.Background(), c)
	require.Error(t, err)
}

func TestLocalProviderUploadMatchesComputedIdentifier(t *testing.T) {
	want, err := ComputeCID(sampleDoc)
	require.NoError(t, err)

	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/add", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("cid-version"))
		assert.Equal(t, "true", r.URL.Query().Get("raw-leaves"))
		assert.Equal(t, "true", r.URL.Query().Get("pin"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		json.NewEncoder(w).Encode(map[string]string{"Name": "proposal.md", "Hash": want.String(), "Size": "123"})
	}))
	defer daemon.Close()

	p := NewLocalProvider(daemon.URL, "", nil, daemon.Client(), zerolog.Nop())
	address, err := p.Upload(context.Background(), sampleDoc)
	require.NoError(t, err)
	assert.Equal(t, FormatAddress(want), address)
}

func TestLocalProviderUploadDetectsRecipeDivergence(t *testing.T) {
	other, err := ComputeCID("entirely different content")
	require.NoError(t, err)

	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"Hash": other.String()})
	}))
	defer daemon.Close()

	p := NewLocalProvider(daemon.URL, "", nil, daemon.Client(), zerolog.Nop())
	_, err = p.Upload(context.Background(), sampleDoc)
	require.Error(t, err)
	assert.Equal(t, logging.KindIntegrity, logging.KindOf(err))
}

func TestLocalProviderFetchRoundTrip(t *testing.T) {
	gw := gatewayFor(t, sampleDoc)
	defer gw.Close()

	p := NewLocalProvider("http://unused.invalid", gw.URL, nil, http.DefaultClient, zerolog.Nop())
	c, _ := ComputeCID(sampleDoc)

	doc, err := p.Fetch(context.Background(), FormatAddress(c))
	require.NoError(t, err)
	title, _ := doc.Get("title")
	assert.Equal(t, "Add Collateral Type", title)
}

func TestPinataProviderUpload(t *testing.T) {
	want, err := ComputeCID(sampleDoc)
	require.NoError(t, err)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pinning/pinFileToIPFS", r.URL.Path)
		assert.Equal(t, "Bearer test-jwt", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.JSONEq(t, `{"cidVersion":1}`, r.FormValue("pinataOptions"))
		assert.Contains(t, r.FormValue("pinataMetadata"), "qip-209")
		json.NewEncoder(w).Encode(map[string]interface{}{"IpfsHash": want.String(), "PinSize": 1})
	}))
	defer api.Close()

	p := NewPinataProvider("test-jwt", "", nil, api.Client(), zerolog.Nop()).WithAPIBase(api.URL)
	address, err := p.Upload(context.Background(), sampleDoc)
	require.NoError(t, err)
	assert.Equal(t, FormatAddress(want), address)
}

func TestPinataProviderUploadUnauthorized(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	p := NewPinataProvider("bad-jwt", "", nil, api.Client(), zerolog.Nop()).WithAPIBase(api.URL)
	_, err := p.Upload(context.Background(), sampleDoc)
	require.Error(t, err)
	assert.Equal(t, logging.KindUnauthorized, logging.KindOf(err))
}

func TestMaiProviderUploadAndProxyFetch(t *testing.T) {
	want, err := ComputeCID(sampleDoc)
	require.NoError(t, err)
	data, _ := CanonicalBytes(sampleDoc)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/ipfs-upload":
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, string(data), req["content"])
			json.NewEncoder(w).Encode(map[string]string{"cid": want.String()})
		case "/v2/ipfs/" + want.String():
			w.Write(data)
		default:
			http.NotFound(w, r)
		}
	}))
	defer api.Close()

	p := NewMaiProvider(api.URL, nil, api.Client(), zerolog.Nop())

	address, err := p.Upload(context.Background(), sampleDoc)
	require.NoError(t, err)
	assert.Equal(t, FormatAddress(want), address)

	doc, err := p.Fetch(context.Background(), address)
	require.NoError(t, err)
	title, _ := doc.Get("title")
	assert.Equal(t, "Add Collateral Type", title)
}

func TestMaiProviderFallsBackToGatewaysWhenProxyDown(t *testing.T) {
	gw := gatewayFor(t, sampleDoc)
	defer gw.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()

	p := NewMaiProvider(down.URL, []string{gw.URL}, http.DefaultClient, zerolog.Nop())
	c, _ := ComputeCID(sampleDoc)

	doc, err := p.Fetch(context.Background(), FormatAddress(c))
	require.NoError(t, err)
	title, _ := doc.Get("title")
	assert.Equal(t, "Add Collateral Type", title)
}

func TestFetchManyIsolatesFailures(t *testing.T) {
	gw := gatewayFor(t, sampleDoc)
	defer gw.Close()

	p := NewLocalProvider("http://unused.invalid", gw.URL, nil, http.DefaultClient, zerolog.Nop())

	good, _ := ComputeCID(sampleDoc)
	missing, _ := ComputeCID("missing content")

	docs, err := p.FetchMany(context.Background(), []string{
		FormatAddress(good),
		FormatAddress(missing),
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	_, ok := docs[FormatAddress(good)]
	assert.True(t, ok, "the bad item must not sink the batch")
}

func TestNewServiceBackendSelection(t *testing.T) {
	log := zerolog.Nop()

	svc, err := NewService(Config{Backend: "local", LocalAPIURL: "http://127.0.0.1:5001"}, nil, log)
	require.NoError(t, err)
	assert.Equal(t, "local", svc.Name())

	svc, err = NewService(Config{Backend: "pinata", PinataJWT: "jwt"}, nil, log)
	require.NoError(t, err)
	assert.Equal(t, "pinata", svc.Name())

	svc, err = NewService(Config{Backend: "mai", MaiAPIURL: "http://api.example"}, nil, log)
	require.NoError(t, err)
	assert.Equal(t, "mai", svc.Name())

	_, err = NewService(Config{Backend: "local"}, nil, log)
	assert.Error(t, err, "backend without its settings is unresolvable")

	_, err = NewService(Config{Backend: ""}, nil, log)
	assert.Error(t, err)
}
