// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swiftride/internal/http/handlers"
	"swiftride/internal/http/middleware"
	"swiftride/internal/modules/dispatch"
	"swiftride/internal/modules/geomatch"
	"swiftride/internal/modules/ledger"
	"swiftride/internal/modules/pricing"
	"swiftride/internal/modules/ride"
	"swiftride/internal/modules/settlement"
)

type ServerDeps struct {
	Pricing    *pricing.Service
	Rides      *ride.Service
	Dispatch   *dispatch.Service
	Geo        *geomatch.Service
	Ledger     *ledger.Service
	Settlement *settlement.Service
	// Tokens is optional; without it push-token registration answers 501.
	Tokens handlers.TokenRegistry
	Log    *slog.Logger
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Server{deps: deps}
}

func (s *Server) Routes() *gin.Engine {
	log := s.deps.Log
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log), middleware.Metrics())

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	quotes := handlers.NewQuoteHandler(s.deps.Pricing, log)
	api.POST("/quotes", quotes.Create)

	rides := handlers.NewRideHandler(s.deps.Rides, s.deps.Dispatch, s.deps.Settlement, log)
	api.POST("/rides", rides.Create)
	api.GET("/rides/:id", rides.Get)
	api.GET("/rides/:id/events", rides.Events)
	api.GET("/rides/:id/offers", rides.Offers)
	api.POST("/rides/:id/transitions", rides.Transition)
	api.POST("/rides/:id/settlement", rides.Settle)

	offers := handlers.NewOfferHandler(s.deps.Dispatch, log)
	api.GET("/offers/:id", offers.Get)
	api.POST("/offers/:id/response", offers.Respond)

	drivers := handlers.NewDriverHandler(s.deps.Geo, s.deps.Tokens, log)
	api.GET("/drivers/:id", drivers.Get)
	api.PUT("/drivers/:id/location", drivers.UpdateLocation)
	api.PUT("/drivers/:id/status", drivers.UpdateStatus)
	api.PUT("/users/:id/push-token", drivers.RegisterPushToken)

	wallets := handlers.NewWalletHandler(s.deps.Ledger, log)
	api.GET("/wallets/:id", wallets.Get)
	api.GET("/wallets/:id/entries", wallets.Entries)
	api.POST("/wallets/:id/deposits", wallets.Deposit)

	return r
}
