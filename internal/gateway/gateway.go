// Package gateway is the HTTP surface of the marketplace. Handlers call the
// domain services directly and translate sentinel errors to status codes.
package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terminal-bench/auctionhouse/internal/auction"
	"github.com/terminal-bench/auctionhouse/internal/auth"
	"github.com/terminal-bench/auctionhouse/internal/bidding"
	"github.com/terminal-bench/auctionhouse/internal/delivery"
	"github.com/terminal-bench/auctionhouse/internal/dispute"
	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/escrow"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/internal/payments"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

// Config holds gateway configuration.
type Config struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Services bundles the domain collaborators the gateway fronts.
type Services struct {
	Auth       *auth.Service
	Auctions   *auction.Service
	Bids       *bidding.Engine
	Escrows    *escrow.Manager
	Deliveries *delivery.Tracker
	Disputes   *dispute.Resolver
	Wallet     *payments.Wallet
	Ledger     *ledger.Ledger
}

type Gateway struct {
	router      *gin.Engine
	svc         Services
	events      *messaging.Client
	hub         *wsHub
	rateLimiter *rateLimiter
	cfg         Config
}

func NewGateway(cfg Config, svc Services, events *messaging.Client) *Gateway {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router: gin.Default(),
		svc:    svc,
		events: events,
		hub:    newWSHub(),
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
		cfg: cfg,
	}
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/auth/register", g.register)
		v1.POST("/auth/login", g.login)

		v1.POST("/auctions", g.authMiddleware(), g.createAuction)
		v1.GET("/auctions", g.listAuctions)
		v1.GET("/auctions/:id", g.getAuction)
		v1.PATCH("/auctions/:id", g.authMiddleware(), g.updateAuction)
		v1.POST("/auctions/:id/close", g.authMiddleware(), g.adminMiddleware(), g.closeAuction)

		v1.POST("/auctions/:id/bids", g.authMiddleware(), g.placeBid)
		v1.DELETE("/bids/:id", g.authMiddleware(), g.retractBid)

		v1.GET("/auctions/:id/escrow", g.authMiddleware(), g.getEscrow)
		v1.GET("/auctions/:id/delivery", g.authMiddleware(), g.getDelivery)
		v1.POST("/auctions/:id/delivery/ship", g.authMiddleware(), g.markShipped)
		v1.POST("/auctions/:id/delivery/confirm", g.authMiddleware(), g.confirmDelivery)

		v1.POST("/auctions/:id/disputes", g.authMiddleware(), g.raiseDispute)
		v1.GET("/disputes/:id", g.authMiddleware(), g.getDispute)
		v1.POST("/disputes/:id/evidence", g.authMiddleware(), g.addEvidence)
		v1.GET("/disputes/:id/evidence", g.authMiddleware(), g.listEvidence)
		v1.POST("/disputes/:id/assign", g.authMiddleware(), g.adminMiddleware(), g.assignDispute)
		v1.POST("/disputes/:id/resolve", g.authMiddleware(), g.adminMiddleware(), g.resolveDispute)

		v1.GET("/wallet/balance", g.authMiddleware(), g.getBalance)
		v1.GET("/wallet/history", g.authMiddleware(), g.getHistory)
		v1.POST("/wallet/buy", g.authMiddleware(), g.buyTokens)
		v1.POST("/wallet/sell", g.authMiddleware(), g.sellTokens)
		v1.GET("/wallet/reconcile", g.authMiddleware(), g.reconcile)

		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Start runs the HTTP server and the websocket fan-out.
func (g *Gateway) Start(addr string) error {
	if g.events != nil {
		if err := g.hub.attach(g.events); err != nil {
			return err
		}
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      g.router,
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
	}
	return srv.ListenAndServe()
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		claims, err := g.svc.Auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func (g *Gateway) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("role") != auth.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin only"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// writeError maps domain sentinels to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrEscrowNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrAlreadySettled),
		errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrStalePrice):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrDisputeWindowClosed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrExternalService):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// rateLimiter is a sliding-window per-key counter.
type rateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

func (rl *rateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}
