package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything syncd needs at startup. Load is fatal on
// anything missing or unparseable: a half-configured service must not
// come up and discover that at request time.
type Config struct {
	MySQLDSN  string
	RedisURL  string
	JWTSecret string
	Port      string

	// Registry chain access.
	RPCURL          string
	RegistryAddress string
	ChainID         uint64
	PrivateKey      string
	RegistryID      uint8
	Floor           uint64
	LocalMode       bool

	// Record source: "registry" reads the chain directly, "aggregator"
	// reads a remote Mai API deployment.
	Source        string
	AggregatorURL string

	// Content storage backend: "local", "pinata" or "mai".
	IPFSBackend      string
	LocalIPFSAPI     string
	LocalIPFSGateway string
	PinataJWT        string
	PinataGateway    string
	MaiAPIURL        string
	ExtraGateways    []string

	SnapshotEndpoint string

	DiscordToken   string
	DiscordChannel string
	SiteURL        string

	PollInterval time.Duration
	PageSize     int

	LogLevel  int
	LogFormat string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		if def == "" {
			log.Fatalf("config: missing env %s", key)
		}
		return def
	}
	return v
}

func getuint(key, def string) uint64 {
	raw := getenv(key, def)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		log.Fatalf("config: %s must be an unsigned integer, got %q", key, raw)
	}
	return v
}

func getint(key, def string) int {
	raw := getenv(key, def)
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("config: %s must be an integer, got %q", key, raw)
	}
	return v
}

func getbool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
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

// Load reads the environment, with .env honored for development, and
// exits the process on invalid configuration.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		MySQLDSN:  getenv("MYSQL_DSN", ""),
		RedisURL:  getenv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		JWTSecret: getenv("JWT_SECRET", ""),
		Port:      getenv("PORT", "8080"),

		RPCURL:          getenv("RPC_URL", "https://polygon-rpc.com"),
		RegistryAddress: getenv("REGISTRY_ADDRESS", ""),
		ChainID:         getuint("CHAIN_ID", "137"),
		PrivateKey:      os.Getenv("REGISTRY_PRIVATE_KEY"),
		RegistryID:      uint8(getuint("REGISTRY_ID", "1")),
		Floor:           getuint("QIP_FLOOR", "209"),
		LocalMode:       getbool("LOCAL_MODE"),

		Source:        getenv("DATA_SOURCE", "registry"),
		AggregatorURL: os.Getenv("AGGREGATOR_URL"),

		IPFSBackend:      getenv("IPFS_BACKEND", "mai"),
		LocalIPFSAPI:     os.Getenv("LOCAL_IPFS_API"),
		LocalIPFSGateway: os.Getenv("LOCAL_IPFS_GATEWAY"),
		PinataJWT:        os.Getenv("PINATA_JWT"),
		PinataGateway:    os.Getenv("PINATA_GATEWAY"),
		MaiAPIURL:        getenv("MAI_API_URL", "https://api.mai.finance"),
		ExtraGateways:    splitList(os.Getenv("IPFS_GATEWAYS")),

		SnapshotEndpoint: getenv("SNAPSHOT_ENDPOINT", "https://hub.snapshot.org/graphql"),

		DiscordToken:   os.Getenv("DISCORD_TOKEN"),
		DiscordChannel: os.Getenv("DISCORD_CHANNEL_ID"),
		SiteURL:        getenv("SITE_URL", "https://www.mai.finance"),

		PollInterval: time.Duration(getuint("POLL_INTERVAL", "300")) * time.Second,
		PageSize:     int(getuint("PAGE_SIZE", "10")),

		LogLevel:  getint("LOG_LEVEL", "1"),
		LogFormat: getenv("LOG_FORMAT", "console"),
	}

	switch cfg.Source {
	case "registry", "aggregator":
	default:
		log.Fatalf("config: DATA_SOURCE must be registry or aggregator, got %q", cfg.Source)
	}
	if cfg.Source == "aggregator" && cfg.AggregatorURL == "" {
		log.Fatalf("config: DATA_SOURCE=aggregator requires AGGREGATOR_URL")
	}

	switch cfg.IPFSBackend {
	case "local":
		if cfg.LocalIPFSAPI == "" {
			log.Fatalf("config: IPFS_BACKEND=local requires LOCAL_IPFS_API")
		}
	case "pinata":
		if cfg.PinataJWT == "" {
			log.Fatalf("config: IPFS_BACKEND=pinata requires PINATA_JWT")
		}
	case "mai":
	default:
		log.Fatalf("config: IPFS_BACKEND must be local, pinata or mai, got %q", cfg.IPFSBackend)
	}

	return cfg
}
