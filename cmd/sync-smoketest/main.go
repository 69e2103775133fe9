package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/ipfs"
	"github.com/qidao/govsync/src/registry"
)

var (
	checksFlag   = flag.String("checks", "all", "Comma-separated check list or 'all'")
	backendFlag  = flag.String("backend", envOr("IPFS_BACKEND", "mai"), "Storage backend: local|pinata|mai")
	maiURLFlag   = flag.String("mai-url", envOr("MAI_API_URL", "https://api.mai.finance"), "Mai API base URL")
	localAPIFlag = flag.String("local-api", os.Getenv("LOCAL_IPFS_API"), "Local IPFS node API URL")
	localGWFlag  = flag.String("local-gateway", os.Getenv("LOCAL_IPFS_GATEWAY"), "Local IPFS gateway URL")
	pinataFlag   = flag.String("pinata-jwt", os.Getenv("PINATA_JWT"), "Pinata JWT")
	gatewaysFlag = flag.String("gateways", os.Getenv("IPFS_GATEWAYS"), "Extra public gateways, comma separated")
	rpcFlag      = flag.String("rpc", envOr("RPC_URL", "https://polygon-rpc.com"), "Chain RPC endpoint")
	addressFlag  = flag.String("address", os.Getenv("REGISTRY_ADDRESS"), "Registry contract address")
	chainIDFlag  = flag.Uint64("chain-id", envUint("CHAIN_ID", 137), "Chain ID")
	registryFlag = flag.Uint64("registry-id", envUint("REGISTRY_ID", 1), "Registry ID")
	floorFlag    = flag.Uint64("floor", envUint("QIP_FLOOR", 209), "Lowest record number on the registry")
	timeoutFlag  = flag.Duration("timeout", 30*time.Second, "Per-check timeout")
	contentFlag  = flag.String("content", defaultContent, "Document text for the storage checks")
	verboseFlag  = flag.Bool("v", false, "Log client internals")
)

const defaultContent = "---\nqip: 0\ntitle: Smoketest document\nnetwork: Polygon\nstatus: Draft\nauthor: smoketest\nimplementor: None\nimplementation-date: None\nproposal: None\ncreated: 2025-01-01\n---\n\nRound-trip probe. Safe to pin; content-addressed and identical on every run.\n"

var allChecks = []string{"cid", "upload", "fetch", "verify", "registry", "discover"}

type env struct {
	storage ipfs.Service
	chain   *registry.Client
	// upload output feeds the fetch and verify checks.
	address string
	text    string
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	checks := resolveChecks(*checksFlag)
	if len(checks) == 0 {
		log.Fatal("no checks specified")
	}

	logger := zerolog.Nop()
	if *verboseFlag {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	e := &env{text: *contentFlag}
	failures := 0
	for _, name := range checks {
		if err := runCheck(name, e, logger); err != nil {
			fmt.Printf("%s ❌ %v\n", name, err)
			failures++
		}
	}
	if failures > 0 {
		os.Exit(1)
	}
}

func runCheck(name string, e *env, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	switch name {
	case "cid":
		return checkCID(e)
	case "upload":
		return checkUpload(ctx, e, logger)
	case "fetch":
		return checkFetch(ctx, e, logger)
	case "verify":
		return checkVerify(e)
	case "registry":
		return checkRegistry(ctx, e, logger)
	case "discover":
		return checkDiscover(ctx, e, logger)
	}
	return fmt.Errorf("unknown check %q", name)
}

// checkCID is fully offline: the identifier derivation must be
// deterministic and round-trip through every accepted spelling.
func checkCID(e *env) error {
	start := time.Now()
	c, err := ipfs.ComputeCID(e.text)
	if err != nil {
		return err
	}
	again, err := ipfs.ComputeCID(e.text)
	if err != nil {
		return err
	}
	if !c.Equals(again) {
		return fmt.Errorf("identifier not deterministic: %s vs %s", c, again)
	}
	for _, spelling := range []string{c.String(), "ipfs://" + c.String(), "/ipfs/" + c.String()} {
		parsed, err := ipfs.ParseAddress(spelling)
		if err != nil {
			return fmt.Errorf("parse %q: %w", spelling, err)
		}
		if !parsed.Equals(c) {
			return fmt.Errorf("%q parsed to %s, want %s", spelling, parsed, c)
		}
	}
	fmt.Printf("cid ✅ (%.2fs) %s\n", time.Since(start).Seconds(), ipfs.FormatAddress(c))
	return nil
}

func checkUpload(ctx context.Context, e *env, logger zerolog.Logger) error {
	storage, err := e.storageService(logger)
	if err != nil {
		return err
	}
	start := time.Now()
	address, err := storage.Upload(ctx, e.text)
	if err != nil {
		return err
	}
	e.address = address
	fmt.Printf("upload ✅ (%.2fs) %s via %s\n", time.Since(start).Seconds(), address, storage.Name())
	return nil
}

func checkFetch(ctx context.Context, e *env, logger zerolog.Logger) error {
	storage, err := e.storageService(logger)
	if err != nil {
		return err
	}
	address := e.address
	if address == "" {
		// Running fetch standalone still works: the identifier is
		// derivable without uploading first.
		c, err := ipfs.ComputeCID(e.text)
		if err != nil {
			return err
		}
		address = ipfs.FormatAddress(c)
	}
	start := time.Now()
	doc, err := storage.Fetch(ctx, address)
	if err != nil {
		return err
	}
	title, _ := doc.Get("title")
	fmt.Printf("fetch ✅ (%.2fs) title=%q bytes=%d\n", time.Since(start).Seconds(), title, len(doc.Body))
	return nil
}

func checkVerify(e *env) error {
	start := time.Now()
	hash, err := ipfs.ContentHashHex(e.text)
	if err != nil {
		return err
	}
	if err := ipfs.VerifyContentHash(e.text, hash); err != nil {
		return fmt.Errorf("self-verify: %w", err)
	}
	if err := ipfs.VerifyContentHash(e.text+"tampered", hash); err == nil {
		return fmt.Errorf("tampered content passed verification")
	}
	fmt.Printf("verify ✅ (%.2fs) %s\n", time.Since(start).Seconds(), hash[:18]+"...")
	return nil
}

func checkRegistry(ctx context.Context, e *env, logger zerolog.Logger) error {
	chain, err := e.chainClient(logger)
	if err != nil {
		return err
	}
	start := time.Now()
	next, err := chain.NextQIPNumber(ctx)
	if err != nil {
		return err
	}
	ceiling, err := chain.DiscoveryCeiling(ctx)
	if err != nil {
		return err
	}
	if ceiling >= *floorFlag {
		if _, err := chain.GetQIP(ctx, ceiling); err != nil {
			return fmt.Errorf("read qip %d: %w", ceiling, err)
		}
	}
	fmt.Printf("registry ✅ (%.2fs) next=%d ceiling=%d\n", time.Since(start).Seconds(), next, ceiling)
	return nil
}

func checkDiscover(ctx context.Context, e *env, logger zerolog.Logger) error {
	chain, err := e.chainClient(logger)
	if err != nil {
		return err
	}
	start := time.Now()
	ceiling, err := chain.DiscoveryCeiling(ctx)
	if err != nil {
		return err
	}
	if ceiling < *floorFlag {
		fmt.Printf("discover ✅ (%.2fs) registry empty\n", time.Since(start).Seconds())
		return nil
	}
	var batch []uint64
	for n := ceiling; n >= *floorFlag && len(batch) < registry.MaxBatch; n-- {
		batch = append(batch, n)
	}
	records, err := chain.GetQIPsBatch(ctx, batch)
	if err != nil {
		return err
	}
	fmt.Printf("discover ✅ (%.2fs) batch=%d found=%d\n", time.Since(start).Seconds(), len(batch), len(records))
	return nil
}

func (e *env) storageService(logger zerolog.Logger) (ipfs.Service, error) {
	if e.storage != nil {
		return e.storage, nil
	}
	storage, err := ipfs.NewService(ipfs.Config{
		Backend:      *backendFlag,
		LocalAPIURL:  *localAPIFlag,
		LocalGateway: *localGWFlag,
		PinataJWT:    *pinataFlag,
		MaiAPIURL:    *maiURLFlag,
		Gateways:     splitList(*gatewaysFlag),
	}, nil, logger)
	if err != nil {
		return nil, err
	}
	e.storage = storage
	return storage, nil
}

func (e *env) chainClient(logger zerolog.Logger) (*registry.Client, error) {
	if e.chain != nil {
		return e.chain, nil
	}
	if *addressFlag == "" {
		return nil, fmt.Errorf("no registry address configured (-address or REGISTRY_ADDRESS)")
	}
	chain, err := registry.NewClient(registry.Config{
		RegistryID: uint8(*registryFlag),
		RPCURL:     *rpcFlag,
		Address:    *addressFlag,
		ChainID:    *chainIDFlag,
	}, logger)
	if err != nil {
		return nil, err
	}
	e.chain = chain
	return chain, nil
}

func resolveChecks(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.EqualFold(raw, "all") {
		return append([]string{}, allChecks...)
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	var out []string
	seen := map[string]struct{}{}
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envUint(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
