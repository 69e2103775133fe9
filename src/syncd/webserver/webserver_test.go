package webserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/qidao/govsync/src/aggregator"
	"github.com/qidao/govsync/src/cache"
	"github.com/qidao/govsync/src/ipfs"
	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/snapshot"
	"github.com/qidao/govsync/src/syncd/config"
	"github.com/qidao/govsync/src/syncer"
)

// Throwaway dev-chain key, account 0 of the standard hardhat mnemonic.
const signerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type stubStorage struct {
	mu      sync.Mutex
	docs    map[string]string
	uploads int
	fetches int
	fail    bool
}

func newStubStorage() *stubStorage {
	return &stubStorage{docs: make(map[string]string)}
}

func (s *stubStorage) Name() string { return "stub" }

func (s *stubStorage) Upload(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads++
	if s.fail {
		return "", logging.Fail(logging.KindNetwork, "ipfs", "stub upload", nil)
	}
	c, err := ipfs.ComputeCID(content)
	if err != nil {
		return "", err
	}
	data, err := ipfs.CanonicalBytes(content)
	if err != nil {
		return "", err
	}
	addr := ipfs.FormatAddress(c)
	s.docs[addr] = string(data)
	return addr, nil
}

func (s *stubStorage) Fetch(ctx context.Context, address string) (*gov.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	c, err := ipfs.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	text, ok := s.docs[ipfs.FormatAddress(c)]
	if !ok {
		return nil, logging.NotFound("ipfs", "document "+address)
	}
	return ipfs.DecodeFetched([]byte(text))
}

func (s *stubStorage) FetchMany(ctx context.Context, addresses []string) (map[string]*gov.Document, error) {
	out := make(map[string]*gov.Document, len(addresses))
	for _, a := range addresses {
		if doc, err := s.Fetch(ctx, a); err == nil {
			out[a] = doc
		}
	}
	return out, nil
}

// put stores canonical text directly, bypassing the upload counter.
func (s *stubStorage) put(address, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[address] = text
}

type chainWrite struct {
	title   string
	network string
	hash    [32]byte
	address string
	note    string
}

type stubRegistry struct {
	mu       sync.Mutex
	next     uint64
	created  []chainWrite
	updated  map[uint64]chainWrite
	versions map[uint64]uint64
	statuses map[uint64]gov.Status
	fail     bool
}

func newStubRegistry(next uint64) *stubRegistry {
	return &stubRegistry{
		next:     next,
		updated:  make(map[uint64]chainWrite),
		versions: make(map[uint64]uint64),
		statuses: make(map[uint64]gov.Status),
	}
}

func (r *stubRegistry) CreateQIP(ctx context.Context, title, network string, contentHash [32]byte, contentAddress string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return 0, logging.Fail(logging.KindChain, "registry", "stub revert", nil)
	}
	n := r.next
	r.next++
	r.created = append(r.created, chainWrite{title: title, network: network, hash: contentHash, address: contentAddress})
	return n, nil
}

func (r *stubRegistry) UpdateQIP(ctx context.Context, number uint64, newContentHash [32]byte, newContentAddress, changeNote string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return 0, logging.Fail(logging.KindChain, "registry", "stub revert", nil)
	}
	r.updated[number] = chainWrite{hash: newContentHash, address: newContentAddress, note: changeNote}
	r.versions[number]++
	return r.versions[number] + 1, nil
}

func (r *stubRegistry) SetStatus(ctx context.Context, number uint64, status gov.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return logging.Fail(logging.KindChain, "registry", "stub revert", nil)
	}
	r.statuses[number] = status
	return nil
}

type webFixture struct {
	router   *gin.Engine
	db       *gorm.DB
	store    *cache.Store
	storage  *stubStorage
	registry *stubRegistry
	deps     Deps
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&gov.Proposal{}))
	return db
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &webFixture{
		db:       testDB(t),
		store:    cache.New(nil, zerolog.Nop()),
		storage:  newStubStorage(),
		registry: newStubRegistry(250),
	}
	f.deps = Deps{
		Config: config.Config{
			JWTSecret:  "test-secret",
			RegistryID: 1,
			Source:     "registry",
		},
		DB:       f.db,
		RDB:      rdb,
		Cache:    f.store,
		Storage:  f.storage,
		Registry: f.registry,
		Log:      zerolog.Nop(),
	}
	f.router = New(f.deps)
	return f
}

func (f *webFixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func signerAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.HexToECDSA(signerKey)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// token walks the challenge and verify flow with the dev key and
// returns a bearer header value.
func (f *webFixture) token(t *testing.T) map[string]string {
	t.Helper()
	key, err := crypto.HexToECDSA(signerKey)
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w := f.do(t, http.MethodPost, "/v1/auth/challenge", gin.H{"address": addr}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ch struct {
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))

	sig, err := crypto.Sign(accounts.TextHash([]byte(ch.Nonce)), key)
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/v1/auth/verify",
		gin.H{"address": addr, "signature": "0x" + hex.EncodeToString(sig)}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tk struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tk))
	require.NotEmpty(t, tk.Token)
	return map[string]string{"Authorization": "Bearer " + tk.Token}
}

// seedProposal stores a row whose hash and address genuinely match its
// canonical document text, and returns that text.
func (f *webFixture) seedProposal(t *testing.T, n uint64, st gov.Status, body string) (*gov.Proposal, string) {
	t.Helper()
	now := time.Date(2025, 4, 12, 0, 0, 0, 0, time.UTC)
	p := &gov.Proposal{
		RegistryID:   1,
		Number:       n,
		Title:        fmt.Sprintf("Collateral onboarding %d", n),
		Network:      "Polygon",
		Author:       "0x29fE7D60DdF151E5b52e5FAB4f1325da6b2bD958",
		Status:       st,
		Content:      body,
		Version:      1,
		Source:       gov.SourceRegistry,
		CreatedDate:  &now,
		LastSyncedAt: now,
	}
	text := gov.FormatDocument(gov.BuildDocument(p, "qip"))
	hash, err := ipfs.ContentHashHex(text)
	require.NoError(t, err)
	c, err := ipfs.ComputeCID(text)
	require.NoError(t, err)
	p.ContentHash = hash
	p.ContentAddress = ipfs.FormatAddress(c)
	require.NoError(t, f.db.Create(p).Error)
	return p, text
}

func TestChallengeVerifyIssuesWorkingToken(t *testing.T) {
	f := newWebFixture(t)
	f.seedProposal(t, 220, gov.StatusDraft, "body\n")
	hdr := f.token(t)

	w := f.do(t, http.MethodPost, "/v1/proposals/220/status", gin.H{"status": "Review Pending"}, hdr)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVerifyConsumesNonce(t *testing.T) {
	f := newWebFixture(t)
	key, err := crypto.HexToECDSA(signerKey)
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w := f.do(t, http.MethodPost, "/v1/auth/challenge", gin.H{"address": addr}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ch struct {
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	sig, err := crypto.Sign(accounts.TextHash([]byte(ch.Nonce)), key)
	require.NoError(t, err)
	payload := gin.H{"address": addr, "signature": "0x" + hex.EncodeToString(sig)}

	w = f.do(t, http.MethodPost, "/v1/auth/verify", payload, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/v1/auth/verify", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerifyAcceptsWalletVFormat(t *testing.T) {
	f := newWebFixture(t)
	key, err := crypto.HexToECDSA(signerKey)
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w := f.do(t, http.MethodPost, "/v1/auth/challenge", gin.H{"address": addr}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ch struct {
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))

	sig, err := crypto.Sign(accounts.TextHash([]byte(ch.Nonce)), key)
	require.NoError(t, err)
	// Wallets report the recovery byte as 27 or 28.
	sig[64] += 27
	w = f.do(t, http.MethodPost, "/v1/auth/verify",
		gin.H{"address": addr, "signature": "0x" + hex.EncodeToString(sig)}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	f := newWebFixture(t)
	key, err := crypto.HexToECDSA(signerKey)
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w := f.do(t, http.MethodPost, "/v1/auth/challenge", gin.H{"address": addr}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ch struct {
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))

	sig, err := crypto.Sign(accounts.TextHash([]byte(ch.Nonce)), other)
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/v1/auth/verify",
		gin.H{"address": addr, "signature": "0x" + hex.EncodeToString(sig)}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListPagesNewestFirstWithinRegistry(t *testing.T) {
	f := newWebFixture(t)
	for n := uint64(201); n <= 215; n++ {
		f.seedProposal(t, n, gov.StatusDraft, "body\n")
	}
	foreign := &gov.Proposal{RegistryID: 2, Number: 300, Title: "Other registry", Status: gov.StatusDraft, Version: 1}
	require.NoError(t, f.db.Create(foreign).Error)

	w := f.do(t, http.MethodGet, "/v1/proposals?pageSize=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Proposals []listItem `json:"proposals"`
		Total     int64      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Proposals, 10)
	assert.Equal(t, int64(15), page.Total)
	assert.Equal(t, uint64(215), page.Proposals[0].Number)
	assert.Equal(t, uint64(206), page.Proposals[9].Number)

	w = f.do(t, http.MethodGet, "/v1/proposals?pageSize=10&page=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Proposals, 5)
	assert.Equal(t, uint64(201), page.Proposals[4].Number)
}

func TestListETagShortCircuitsUnchangedPolls(t *testing.T) {
	f := newWebFixture(t)
	f.seedProposal(t, 230, gov.StatusApproved, "body\n")

	w := f.do(t, http.MethodGet, "/v1/proposals", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	w = f.do(t, http.MethodGet, "/v1/proposals", nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())

	f.seedProposal(t, 231, gov.StatusDraft, "body\n")
	w = f.do(t, http.MethodGet, "/v1/proposals", nil, map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, etag, w.Header().Get("ETag"))
}

func TestListFiltersByStatus(t *testing.T) {
	f := newWebFixture(t)
	f.seedProposal(t, 240, gov.StatusApproved, "body\n")
	f.seedProposal(t, 241, gov.StatusDraft, "body\n")
	f.seedProposal(t, 242, gov.StatusApproved, "body\n")

	w := f.do(t, http.MethodGet, "/v1/proposals?status=Approved", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Proposals []listItem `json:"proposals"`
		Total     int64      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Proposals, 2)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, uint64(242), page.Proposals[0].Number)
	assert.Equal(t, uint64(240), page.Proposals[1].Number)

	w = f.do(t, http.MethodGet, "/v1/proposals?status=Bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetServesVerifiedDetailWithSanitizedExcerpt(t *testing.T) {
	f := newWebFixture(t)
	p, text := f.seedProposal(t, 212, gov.StatusVotePending,
		"<script>alert(1)</script>Raise the interest rate.\n")
	f.store.Set(context.Background(), cache.KindContent, p.ContentAddress, "ipfs", []byte(text))

	w := f.do(t, http.MethodGet, "/v1/proposals/212", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Proposal        listItem `json:"proposal"`
		Content         string   `json:"content"`
		ContentVerified bool     `json:"contentVerified"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.True(t, detail.ContentVerified)
	assert.Contains(t, detail.Content, "Raise the interest rate.")
	assert.Equal(t, "Raise the interest rate.", detail.Proposal.Excerpt)
	assert.NotContains(t, detail.Proposal.Excerpt, "script")

	w = f.do(t, http.MethodGet, "/v1/proposals/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetDropsContentWhenCachedTextDisagrees(t *testing.T) {
	f := newWebFixture(t)
	p, text := f.seedProposal(t, 213, gov.StatusDraft, "Original body.\n")
	tampered := strings.Replace(text, "Original body.", "Tampered body.", 1)
	f.store.Set(context.Background(), cache.KindContent, p.ContentAddress, "ipfs", []byte(tampered))

	w := f.do(t, http.MethodGet, "/v1/proposals/213", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Content         string `json:"content"`
		ContentVerified bool   `json:"contentVerified"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.False(t, detail.ContentVerified)
	assert.Empty(t, detail.Content)
}

func TestStatusCountsIncludeZeroStates(t *testing.T) {
	f := newWebFixture(t)
	f.seedProposal(t, 250, gov.StatusDraft, "body\n")
	f.seedProposal(t, 251, gov.StatusDraft, "body\n")
	f.seedProposal(t, 252, gov.StatusImplemented, "body\n")

	w := f.do(t, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Counts []struct {
			Status string `json:"status"`
			Count  int    `json:"count"`
		} `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Counts, len(gov.AllStatuses()))

	byName := make(map[string]int, len(resp.Counts))
	for _, c := range resp.Counts {
		byName[c.Status] = c.Count
	}
	assert.Equal(t, 2, byName["Draft"])
	assert.Equal(t, 1, byName["Implemented"])
	assert.Equal(t, 0, byName["Withdrawn"])
}

func TestSnapshotRouteServesCacheThenHub(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"proposal":{"id":"0xlive","title":"QIP 218","state":"closed","choices":["Yes","No"],"scores":[100,3],"scores_total":103,"votes":40,"start":1,"end":2,"space":{"id":"qidao.eth"}}}}`)
	}))
	defer hub.Close()

	f := newWebFixture(t)
	f.deps.Snapshot = snapshot.NewClient(hub.URL, hub.Client(), zerolog.Nop())
	f.router = New(f.deps)

	warm := &snapshot.Proposal{ID: "0xwarm", State: "active", Votes: 7}
	f.store.SetJSON(context.Background(), cache.KindSnapshot, "0xwarm", "snapshot", warm)

	w := f.do(t, http.MethodGet, "/v1/snapshot/0xwarm", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Proposal snapshot.Proposal `json:"proposal"`
		Cached   bool              `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, "active", resp.Proposal.State)

	w = f.do(t, http.MethodGet, "/v1/snapshot/0xlive", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Cached)
	assert.Equal(t, "closed", resp.Proposal.State)
	assert.Equal(t, 40, resp.Proposal.Votes)
}

func TestWritesRequireBearerToken(t *testing.T) {
	f := newWebFixture(t)
	w := f.do(t, http.MethodPost, "/v1/proposals",
		gin.H{"title": "T", "network": "Polygon", "content": "body"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/v1/proposals",
		gin.H{"title": "T", "network": "Polygon", "content": "body"},
		map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateUploadsThenRegisters(t *testing.T) {
	f := newWebFixture(t)
	hdr := f.token(t)

	w := f.do(t, http.MethodPost, "/v1/proposals",
		gin.H{"title": "Add wstETH vault", "network": "Ethereum", "content": "## Summary\n\nAdd the vault.\n"}, hdr)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Number         uint64 `json:"number"`
		ContentAddress string `json:"contentAddress"`
		ContentHash    string `json:"contentHash"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(250), resp.Number)
	require.NotEmpty(t, resp.ContentAddress)

	require.Len(t, f.registry.created, 1)
	write := f.registry.created[0]
	assert.Equal(t, "Add wstETH vault", write.title)
	assert.Equal(t, resp.ContentAddress, write.address)

	// The stored document was wrapped with a header and the chain got
	// the hash of that exact text.
	doc, err := f.storage.Fetch(context.Background(), resp.ContentAddress)
	require.NoError(t, err)
	text := gov.FormatDocument(doc)
	require.NoError(t, ipfs.VerifyContentHash(text, resp.ContentHash))
	assert.Contains(t, text, "title: Add wstETH vault")
	assert.Contains(t, text, "author: "+strings.ToLower(signerAddress(t)))
	assert.Contains(t, text, "Add the vault.")
}

func TestCreateSurfacesChainFailure(t *testing.T) {
	f := newWebFixture(t)
	hdr := f.token(t)
	f.registry.fail = true

	w := f.do(t, http.MethodPost, "/v1/proposals",
		gin.H{"title": "T", "network": "Polygon", "content": "body"}, hdr)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestUpdateCanonicalizesAndBumpsVersion(t *testing.T) {
	f := newWebFixture(t)
	p, _ := f.seedProposal(t, 244, gov.StatusDraft, "First draft.\n")
	hdr := f.token(t)

	p.Content = "Second draft.\n"
	newText := gov.FormatDocument(gov.BuildDocument(p, "qip"))
	w := f.do(t, http.MethodPut, "/v1/proposals/244",
		gin.H{"content": newText, "changeNote": "address review feedback"}, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Version        uint64 `json:"version"`
		ContentAddress string `json:"contentAddress"`
		ContentHash    string `json:"contentHash"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(2), resp.Version)

	write, ok := f.registry.updated[244]
	require.True(t, ok)
	assert.Equal(t, "address review feedback", write.note)
	assert.Equal(t, resp.ContentAddress, write.address)

	doc, err := f.storage.Fetch(context.Background(), resp.ContentAddress)
	require.NoError(t, err)
	require.NoError(t, ipfs.VerifyContentHash(gov.FormatDocument(doc), resp.ContentHash))
}

func TestSetStatusWritesThroughToRow(t *testing.T) {
	f := newWebFixture(t)
	f.seedProposal(t, 245, gov.StatusDraft, "body\n")
	hdr := f.token(t)

	w := f.do(t, http.MethodPost, "/v1/proposals/245/status", gin.H{"status": "Approved"}, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, gov.StatusApproved, f.registry.statuses[245])

	var row gov.Proposal
	require.NoError(t, f.db.Where("registry_id = ? AND number = ?", 1, 245).First(&row).Error)
	assert.Equal(t, gov.StatusApproved, row.Status)

	w = f.do(t, http.MethodPost, "/v1/proposals/245/status", gin.H{"status": "Bogus"}, hdr)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadOnlyDeploymentRefusesWrites(t *testing.T) {
	f := newWebFixture(t)
	f.deps.Registry = nil
	f.router = New(f.deps)
	hdr := f.token(t)

	w := f.do(t, http.MethodPost, "/v1/proposals",
		gin.H{"title": "T", "network": "Polygon", "content": "body"}, hdr)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRateLimiterCapsAuthenticatedWrites(t *testing.T) {
	f := newWebFixture(t)
	f.seedProposal(t, 246, gov.StatusDraft, "body\n")
	hdr := f.token(t)

	var last int
	for i := 0; i < 31; i++ {
		w := f.do(t, http.MethodPost, "/v1/proposals/246/status", gin.H{"status": "Approved"}, hdr)
		last = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestV2ServesAggregatorClient(t *testing.T) {
	f := newWebFixture(t)
	seeded, _ := f.seedProposal(t, 216, gov.StatusApproved, "Vault parameters.\n")
	f.seedProposal(t, 217, gov.StatusVotePending, "Rate change.\n")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	client := aggregator.NewClient(srv.URL, srv.Client(), zerolog.Nop())
	list, fresh, err := client.ListQIPs(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, fresh.Cached)
	assert.Equal(t, uint64(217), list[0].Number)

	// Second list comes from the server's cache.
	_, fresh, err = client.ListQIPs(context.Background())
	require.NoError(t, err)
	assert.True(t, fresh.Cached)

	got, err := client.GetQIP(context.Background(), 216)
	require.NoError(t, err)
	assert.Equal(t, seeded.Title, got.Title)
	assert.Equal(t, seeded.ContentHash, got.ContentHash)
	assert.Equal(t, gov.StatusApproved, got.Status)
	assert.Equal(t, gov.SourceAggregator, got.Source)

	_, err = client.GetQIP(context.Background(), 999)
	assert.True(t, logging.IsNotFound(err))

	ceiling, err := client.DiscoveryCeiling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(217), ceiling)
}

func TestV2ServesMaiStorageBackend(t *testing.T) {
	f := newWebFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	prov := ipfs.NewMaiProvider(srv.URL, nil, srv.Client(), zerolog.Nop())
	text := "---\nqip: 260\ntitle: Treasury diversification\nnetwork: Polygon\nstatus: Draft\nauthor: 0xabc\nimplementor: None\nimplementation-date: None\nproposal: None\ncreated: 2025-04-12\n---\n\n## Summary\n\nDiversify.\n"

	address, err := prov.Upload(context.Background(), text)
	require.NoError(t, err)

	doc, err := prov.Fetch(context.Background(), address)
	require.NoError(t, err)
	title, ok := doc.Get("title")
	require.True(t, ok)
	assert.Equal(t, "Treasury diversification", title)
	assert.Contains(t, doc.Body, "Diversify.")
}

// A syncer pointed at this server's own /v2 surface assembles the same
// records the database holds. The sync layer only sees RecordSource
// and ContentStore, so the served API is a drop-in data path.
func TestSyncerRunsAgainstOwnServedAPI(t *testing.T) {
	f := newWebFixture(t)
	ctx := context.Background()
	p209, text209 := f.seedProposal(t, 209, gov.StatusApproved, "Mint more MAI.\n")
	p210, _ := f.seedProposal(t, 210, gov.StatusDraft, "Pause the vault.\n")
	f.storage.put(p209.ContentAddress, text209)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	s := syncer.New(
		aggregator.NewClient(srv.URL, srv.Client(), zerolog.Nop()),
		ipfs.NewMaiProvider(srv.URL, nil, srv.Client(), zerolog.Nop()),
		cache.New(nil, zerolog.Nop()),
		syncer.Config{
			Floor:      209,
			Source:     gov.SourceAggregator,
			PageSize:   10,
			BatchDelay: time.Millisecond,
			RetryDelay: time.Millisecond,
		},
		zerolog.Nop(),
	)

	nums, err := s.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{210, 209}, nums)

	// Discovery already pulled both records over the wire, so assembly
	// completes from memory.
	stats := s.Assemble(ctx, nums)
	assert.Equal(t, 2, stats.Cached)
	assert.Zero(t, stats.Errors)

	got, ok := s.Record(209)
	require.True(t, ok)
	assert.Equal(t, p209.Title, got.Title)
	assert.Equal(t, p209.Author, got.Author)
	assert.Equal(t, gov.StatusApproved, got.Status)
	assert.Equal(t, "Mint more MAI.\n", got.Content)
	assert.Equal(t, p209.ContentHash, got.ContentHash)
	assert.Equal(t, gov.SourceAggregator, got.Source)

	got, ok = s.Record(210)
	require.True(t, ok)
	assert.Equal(t, p210.Title, got.Title)
	assert.Equal(t, gov.StatusDraft, got.Status)
}

func TestFetchContentNormalizesSpelling(t *testing.T) {
	f := newWebFixture(t)
	text := "---\nqip: 261\ntitle: T\n---\n\nBody.\n"
	address, err := f.storage.Upload(context.Background(), text)
	require.NoError(t, err)
	id, err := ipfs.ParseAddress(address)
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v2/ipfs/"+id.String(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	canonical, err := ipfs.CanonicalBytes(text)
	require.NoError(t, err)
	assert.Equal(t, string(canonical), w.Body.String())

	w = f.do(t, http.MethodGet, "/v2/ipfs/not-a-cid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	absent, err := ipfs.ComputeCID("content nobody stored\n")
	require.NoError(t, err)
	w = f.do(t, http.MethodGet, "/v2/ipfs/"+absent.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadContentAnswersWithIdentifier(t *testing.T) {
	f := newWebFixture(t)
	w := f.do(t, http.MethodPost, "/v2/ipfs-upload", gin.H{"content": "Plain body.\n"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		CID string `json:"cid"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	c, err := ipfs.ComputeCID("Plain body.\n")
	require.NoError(t, err)
	assert.Equal(t, ipfs.FormatAddress(c), resp.CID)

	w = f.do(t, http.MethodPost, "/v2/ipfs-upload", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
