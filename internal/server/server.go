// Package server exposes the engine over HTTP: inspection routes for
// assets, books, calls, feeds and settlements, operation routes for
// orders, positions, feeds and settles, the websocket event stream and
// Prometheus metrics. There is no authentication; the API is meant to
// sit behind the deployment boundary.
package server

import (
	"net/http"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/market/engine"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/internal/node"
	"github.com/ecolom-kz/kreel-core/internal/store"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

// FillSource is the slice of the journal the API reads.
type FillSource interface {
	Fills(limit int) ([]store.FillRow, error)
}

// EventStream upgrades websocket subscribers.
type EventStream interface {
	Serve(w http.ResponseWriter, r *http.Request)
}

// Server holds the route dependencies. fills and stream may be nil when
// the deployment runs without a journal or event stream.
type Server struct {
	log    *zap.Logger
	node   *node.Node
	fills  FillSource
	stream EventStream
}

func New(log *zap.Logger, n *node.Node, fills FillSource, stream EventStream) *Server {
	return &Server{log: log, node: n, fills: fills, stream: stream}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.log, true))
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		if !s.node.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.stream != nil {
		router.GET("/ws", func(c *gin.Context) {
			s.stream.Serve(c.Writer, c.Request)
		})
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/assets", s.handleAssets)
		v1.GET("/assets/:symbol", s.handleAsset)
		v1.GET("/book/:base/:quote", s.handleBook)
		v1.GET("/calls/:symbol", s.handleCalls)
		v1.GET("/feeds/:symbol", s.handleFeeds)
		v1.GET("/settlements/:symbol", s.handleSettlements)
		v1.GET("/digest", s.handleDigest)
		v1.GET("/fills", s.handleFills)

		v1.POST("/orders", s.handlePlaceOrder)
		v1.DELETE("/orders/:id", s.handleCancelOrder)
		v1.POST("/positions", s.handleAdjustPosition)
		v1.POST("/feeds", s.handlePublishFeed)
		v1.POST("/settle", s.handleForceSettle)
	}

	return router
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindAuthorization:
		return http.StatusForbidden
	case errors.KindInsufficient, errors.KindPrecondition, errors.KindSettled:
		return http.StatusConflict
	case errors.KindStaleFeed:
		return http.StatusServiceUnavailable
	case errors.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func abortErr(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{
		"error": err.Error(),
		"kind":  string(errors.KindOf(err)),
	})
}

// lookupAsset resolves a symbol inside an engine view and writes the 404
// itself, with a nearest-symbol suggestion when one is close enough.
func lookupAsset(c *gin.Context, e *engine.Engine, symbol string) (*model.Asset, bool) {
	a, err := e.AssetBySymbol(symbol)
	if err == nil {
		return a, true
	}

	body := gin.H{"error": err.Error(), "kind": string(errors.KindOf(err))}
	if suggestion, ok := nearestSymbol(symbol, e.Symbols()); ok {
		body["suggestion"] = suggestion
	}
	c.AbortWithStatusJSON(http.StatusNotFound, body)
	return nil, false
}

// nearestSymbol finds the closest registered symbol within an edit
// distance of 2.
func nearestSymbol(symbol string, known []string) (string, bool) {
	best, bestDist := "", 3
	for _, s := range known {
		if d := levenshtein.ComputeDistance(symbol, s); d < bestDist {
			best, bestDist = s, d
		}
	}
	return best, best != ""
}
