package webserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/qidao/govsync/src/cache"
	"github.com/qidao/govsync/src/ipfs"
	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/snapshot"
	"github.com/qidao/govsync/src/syncd/config"
)

// RegistryWriter is the slice of the chain client the write endpoints
// use. Deployments without a signing key run read-only with a nil
// writer.
type RegistryWriter interface {
	CreateQIP(ctx context.Context, title, network string, contentHash [32]byte, contentAddress string) (uint64, error)
	UpdateQIP(ctx context.Context, number uint64, newContentHash [32]byte, newContentAddress, changeNote string) (uint64, error)
	SetStatus(ctx context.Context, number uint64, status gov.Status) error
}

// Deps carries everything the route handlers need.
type Deps struct {
	Config   config.Config
	DB       *gorm.DB
	RDB      *redis.Client
	Cache    *cache.Store
	Storage  ipfs.Service
	Registry RegistryWriter
	Snapshot *snapshot.Client
	Log      zerolog.Logger
}

func New(d Deps) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	attachRoutes(g, d)
	return g
}

func attachRoutes(r *gin.Engine, d Deps) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "https://www.mai.finance", "https://gov.mai.finance"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "If-None-Match"},
		ExposeHeaders:    []string{"Content-Length", "ETag"},
		AllowCredentials: true,
	}))

	log := logging.Component(d.Log, "webserver")
	authH := NewAuth(d.RDB, []byte(d.Config.JWTSecret))
	propH := NewProposals(d, log)
	limiter := NewRateLimiter(30, time.Minute)

	v1 := r.Group("/v1")
	{
		v1.POST("/auth/challenge", authH.Challenge)
		v1.POST("/auth/verify", authH.Verify)

		v1.GET("/proposals", propH.List)
		v1.GET("/proposals/:number", propH.Get)
		v1.GET("/status", propH.StatusCounts)
		v1.GET("/snapshot/:id", propH.Snapshot)

		secured := v1.Group("")
		secured.Use(JWTMiddleware([]byte(d.Config.JWTSecret)), RateLimitMiddleware(limiter))
		secured.POST("/proposals", propH.Create)
		secured.PUT("/proposals/:number", propH.Update)
		secured.POST("/proposals/:number/status", propH.SetStatus)
	}

	// The /v2 surface mirrors the Mai API wire shape, so a govsync
	// deployment can stand in as an aggregator for another one. Upload
	// stays tokenless for that reason; storage is content-addressed,
	// so reposts are idempotent and the limiter bounds abuse.
	v2 := r.Group("/v2")
	{
		v2.GET("/qips", propH.ListV2)
		v2.GET("/qips/:number", propH.GetV2)
		v2.GET("/ipfs/:cid", propH.FetchContent)
		v2.POST("/ipfs-upload", RateLimitMiddleware(limiter), propH.UploadContent)
	}
}

// statusFromKind maps classified failures onto HTTP responses.
func statusFromKind(err error) int {
	switch logging.KindOf(err) {
	case logging.KindNotFound:
		return http.StatusNotFound
	case logging.KindMalformed, logging.KindConfig:
		return http.StatusBadRequest
	case logging.KindUnauthorized, logging.KindUserRejected:
		return http.StatusForbidden
	case logging.KindRateLimit:
		return http.StatusTooManyRequests
	case logging.KindIntegrity:
		return http.StatusBadGateway
	case logging.KindChain, logging.KindNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
