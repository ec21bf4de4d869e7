package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/auctionhouse/internal/auction"
	"github.com/terminal-bench/auctionhouse/internal/domain"
)

func userID(c *gin.Context) uuid.UUID {
	return c.MustGet("user_id").(uuid.UUID)
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// Auth

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (g *Gateway) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	user, err := g.svc.Auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (g *Gateway) login(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	token, err := g.svc.Auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Auctions

type createAuctionRequest struct {
	Title            string    `json:"title" binding:"required"`
	StartingPrice    string    `json:"starting_price" binding:"required"`
	StartTime        time.Time `json:"start_time" binding:"required"`
	EndTime          time.Time `json:"end_time" binding:"required"`
	IsDigital        bool      `json:"is_digital"`
	DeliveryRequired bool      `json:"delivery_required"`
}

func (g *Gateway) createAuction(c *gin.Context) {
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	price, err := decimal.NewFromString(req.StartingPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid starting price"})
		return
	}

	a, err := g.svc.Auctions.Create(c.Request.Context(), auction.CreateParams{
		VendorID:         userID(c),
		Title:            req.Title,
		StartingPrice:    price,
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		IsDigital:        req.IsDigital,
		DeliveryRequired: req.DeliveryRequired,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (g *Gateway) listAuctions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	auctions, err := g.svc.Auctions.ListOpen(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auctions": auctions})
}

func (g *Gateway) getAuction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	a, err := g.svc.Auctions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type updateAuctionRequest struct {
	Title   *string    `json:"title"`
	EndTime *time.Time `json:"end_time"`
}

func (g *Gateway) updateAuction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	a, err := g.svc.Auctions.Update(c.Request.Context(), id, userID(c), auction.UpdateParams{
		Title:   req.Title,
		EndTime: req.EndTime,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (g *Gateway) closeAuction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	force := c.Query("force") == "true"
	a, err := g.svc.Auctions.Close(c.Request.Context(), id, force)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Bids

type placeBidRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (g *Gateway) placeBid(c *gin.Context) {
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	bid, err := g.svc.Bids.PlaceBid(c.Request.Context(), auctionID, userID(c), amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bid)
}

func (g *Gateway) retractBid(c *gin.Context) {
	bidID, ok := pathID(c)
	if !ok {
		return
	}
	bid, err := g.svc.Bids.RetractBid(c.Request.Context(), bidID, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bid)
}

// Escrow and delivery

func (g *Gateway) getEscrow(c *gin.Context) {
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	esc, err := g.svc.Escrows.GetByAuction(c.Request.Context(), auctionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (g *Gateway) getDelivery(c *gin.Context) {
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	dc, err := g.svc.Deliveries.GetByAuction(c.Request.Context(), auctionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dc)
}

type shipRequest struct {
	Carrier     string `json:"carrier" binding:"required"`
	TrackingRef string `json:"tracking_ref"`
}

func (g *Gateway) markShipped(c *gin.Context) {
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	var req shipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	dc, err := g.svc.Deliveries.MarkShipped(c.Request.Context(), auctionID, userID(c), req.Carrier, req.TrackingRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dc)
}

func (g *Gateway) confirmDelivery(c *gin.Context) {
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	dc, err := g.svc.Deliveries.ConfirmDelivery(c.Request.Context(), auctionID, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dc)
}

// Disputes

type raiseDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (g *Gateway) raiseDispute(c *gin.Context) {
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	var req raiseDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	d, err := g.svc.Disputes.Raise(c.Request.Context(), auctionID, userID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (g *Gateway) getDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d, err := g.svc.Disputes.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type evidenceRequest struct {
	Description string `json:"description" binding:"required"`
	AttachedRef string `json:"attached_ref"`
}

func (g *Gateway) addEvidence(c *gin.Context) {
	disputeID, ok := pathID(c)
	if !ok {
		return
	}
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ev, err := g.svc.Disputes.AddEvidence(c.Request.Context(), disputeID, userID(c), req.Description, req.AttachedRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (g *Gateway) listEvidence(c *gin.Context) {
	disputeID, ok := pathID(c)
	if !ok {
		return
	}
	evs, err := g.svc.Disputes.ListEvidence(c.Request.Context(), disputeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": evs})
}

func (g *Gateway) assignDispute(c *gin.Context) {
	disputeID, ok := pathID(c)
	if !ok {
		return
	}
	d, err := g.svc.Disputes.AssignAdmin(c.Request.Context(), disputeID, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type resolveRequest struct {
	Action string `json:"action" binding:"required"`
	Ratio  string `json:"ratio"`
	Notes  string `json:"notes"`
}

func (g *Gateway) resolveDispute(c *gin.Context) {
	disputeID, ok := pathID(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	res := domain.Resolution{Notes: req.Notes}
	switch req.Action {
	case "RELEASE_TO_VENDOR":
		res.Action = domain.ResolutionReleaseToVendor
	case "REFUND_BUYER":
		res.Action = domain.ResolutionRefundBuyer
	case "PARTIAL_REFUND":
		res.Action = domain.ResolutionPartialRefund
		ratio, err := decimal.NewFromString(req.Ratio)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ratio"})
			return
		}
		res.Ratio = ratio
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}

	d, err := g.svc.Disputes.Resolve(c.Request.Context(), disputeID, userID(c), res)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Wallet

func (g *Gateway) getBalance(c *gin.Context) {
	account, err := g.svc.Wallet.Balance(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (g *Gateway) getHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := g.svc.Wallet.Statement(c.Request.Context(), userID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}

type walletRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (g *Gateway) buyTokens(c *gin.Context) {
	g.walletOp(c, g.svc.Wallet.BuyTokens)
}

func (g *Gateway) sellTokens(c *gin.Context) {
	g.walletOp(c, g.svc.Wallet.SellTokens)
}

func (g *Gateway) walletOp(c *gin.Context, op func(context.Context, uuid.UUID, decimal.Decimal) (*domain.TokenTransaction, error)) {
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	entry, err := op(c.Request.Context(), userID(c), amount)
	if err != nil {
		if entry != nil {
			// The ledger entry settled FAILED; surface it with the error.
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "transaction": entry})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (g *Gateway) reconcile(c *gin.Context) {
	expected, ok, err := g.svc.Ledger.Reconcile(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expected": expected, "consistent": ok})
}
