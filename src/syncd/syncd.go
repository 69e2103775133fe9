package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"

	"github.com/qidao/govsync/src/aggregator"
	"github.com/qidao/govsync/src/cache"
	shared "github.com/qidao/govsync/src/data"
	"github.com/qidao/govsync/src/ipfs"
	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/notify"
	"github.com/qidao/govsync/src/registry"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/snapshot"
	"github.com/qidao/govsync/src/syncd/config"
	syncdata "github.com/qidao/govsync/src/syncd/data"
	"github.com/qidao/govsync/src/syncd/webserver"
	"github.com/qidao/govsync/src/syncer"
)

var allModels = []interface{}{
	&gov.Registry{}, &gov.Setting{}, &gov.Proposal{},
}

func migrate(db *gorm.DB) {
	if err := db.AutoMigrate(allModels...); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

// registryDeployment seeds the deployment row from the environment on
// first boot; on later boots the stored row is authoritative, so
// operators repoint the RPC, address or floor by editing the database.
func registryDeployment(db *gorm.DB, cfg *config.Config) {
	rm, err := gov.NewRegistryManager(db)
	if err != nil {
		log.Fatalf("load registries: %v", err)
	}
	row := rm.GetByID(cfg.RegistryID)
	if row == nil {
		err := db.Create(&gov.Registry{
			ID:            cfg.RegistryID,
			Kind:          "qip",
			Network:       "Polygon",
			ChainID:       cfg.ChainID,
			RPCURL:        cfg.RPCURL,
			Address:       cfg.RegistryAddress,
			Floor:         cfg.Floor,
			SnapshotSpace: "qidao.eth",
			Active:        true,
		}).Error
		if err != nil {
			log.Fatalf("seed registry row: %v", err)
		}
		return
	}
	if row.Address != "" {
		cfg.RegistryAddress = row.Address
	}
	if row.RPCURL != "" {
		cfg.RPCURL = row.RPCURL
	}
	if row.ChainID != 0 {
		cfg.ChainID = row.ChainID
	}
	if row.Floor != 0 {
		cfg.Floor = row.Floor
	}
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	db := shared.MustMySQL(cfg.MySQLDSN)
	migrate(db)
	registryDeployment(db, &cfg)
	if err := shared.LoadSettings(db); err != nil {
		log.Fatalf("load settings: %v", err)
	}
	// Operators can repoint the announce links without a redeploy.
	if v := shared.GetSetting("site_url"); v != "" {
		cfg.SiteURL = v
	}

	rdb := shared.MustRedis(cfg.RedisURL)
	store := cache.New(rdb, logger)

	storage, err := ipfs.NewService(ipfs.Config{
		Backend:       cfg.IPFSBackend,
		LocalAPIURL:   cfg.LocalIPFSAPI,
		LocalGateway:  cfg.LocalIPFSGateway,
		PinataJWT:     cfg.PinataJWT,
		PinataGateway: cfg.PinataGateway,
		MaiAPIURL:     cfg.MaiAPIURL,
		Gateways:      cfg.ExtraGateways,
	}, nil, logger)
	if err != nil {
		log.Fatalf("ipfs: %v", err)
	}

	var (
		source      syncer.RecordSource
		writer      webserver.RegistryWriter
		closeSource = func() {}
	)
	switch cfg.Source {
	case "aggregator":
		source = aggregator.NewClient(cfg.AggregatorURL, nil, logger)
	default:
		reg, err := registry.NewClient(registry.Config{
			RegistryID: cfg.RegistryID,
			RPCURL:     cfg.RPCURL,
			Address:    cfg.RegistryAddress,
			ChainID:    cfg.ChainID,
			PrivateKey: cfg.PrivateKey,
			LocalMode:  cfg.LocalMode,
		}, logger)
		if err != nil {
			log.Fatalf("registry: %v", err)
		}
		source = reg
		closeSource = reg.Close
		if cfg.PrivateKey != "" {
			writer = reg
		}
	}

	snapClient := snapshot.NewClient(cfg.SnapshotEndpoint, nil, logger)

	var notifier *notify.Notifier
	if cfg.DiscordToken != "" && cfg.DiscordChannel != "" {
		// Embeds go out over REST; no gateway connection is needed.
		session, err := discordgo.New("Bot " + cfg.DiscordToken)
		if err != nil {
			log.Fatalf("discord: %v", err)
		}
		notifier = notify.New(session, cfg.DiscordChannel, cfg.SiteURL, logger)
	}

	sy := syncer.New(source, storage, store, syncer.Config{
		Floor:    cfg.Floor,
		Source:   gov.Source(cfg.Source),
		PageSize: cfg.PageSize,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go syncdata.IndexerService(ctx, syncdata.IndexerConfig{
		Syncer:   sy,
		DB:       db,
		RDB:      rdb,
		Cache:    store,
		Snapshot: snapClient,
		Notifier: notifier,
		Log:      logger,
	}, cfg.PollInterval)

	router := webserver.New(webserver.Deps{
		Config:   cfg,
		DB:       db,
		RDB:      rdb,
		Cache:    store,
		Storage:  storage,
		Registry: writer,
		Snapshot: snapClient,
		Log:      logger,
	})
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()
	logger.Info().Str("port", cfg.Port).Str("source", cfg.Source).
		Str("ipfs", cfg.IPFSBackend).Bool("writes", writer != nil).
		Msg("govsync listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	_ = httpSrv.Shutdown(shutCtx)
	closeSource()
}
