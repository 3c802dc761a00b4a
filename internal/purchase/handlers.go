package purchase

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tesseralabs/tessera/internal/auth"
	"github.com/tesseralabs/tessera/internal/escrow"
	"github.com/tesseralabs/tessera/internal/settlement"
	"github.com/tesseralabs/tessera/internal/validation"
)

// Handler provides the purchase HTTP surface.
type Handler struct {
	service *Service
}

// NewHandler creates a new purchase handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up purchase routes. All routes require identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases/", h.Create)
	r.GET("/purchases/", h.List)
	r.GET("/purchases/:id/", h.Get)
	r.POST("/purchases/:id/paid/", h.MarkPaid)
}

// CreateRequest is the body for creating a purchase.
type CreateRequest struct {
	DatasetID string `json:"dataset_id" binding:"required"`
	SellerID  string `json:"seller_id" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// PaidRequest is the body for reporting an on-chain payment.
type PaidRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

func ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message, "data": nil})
}

func failErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrPurchaseNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrAlreadyPaid), errors.Is(err, escrow.ErrDuplicateEscrow):
		status = http.StatusConflict
	case errors.Is(err, ErrPaymentNotVerified), errors.Is(err, settlement.ErrUnknownRecipient):
		status = http.StatusBadRequest
	case errors.Is(err, settlement.ErrChainUnavailable):
		status = http.StatusBadGateway
	}
	fail(c, status, err.Error())
}

// Create handles POST /marketplace/purchases/
func (h *Handler) Create(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "dataset_id, seller_id, and amount are required")
		return
	}
	if verr := validation.Validate(
		validation.ValidID("dataset_id", req.DatasetID),
		validation.ValidID("seller_id", req.SellerID),
		validation.ValidAmount("amount", req.Amount),
	); verr != nil {
		fail(c, http.StatusBadRequest, verr.Error())
		return
	}

	pur, err := h.service.Create(c.Request.Context(), CreateParams{
		DatasetID: req.DatasetID,
		BuyerID:   ident.UserID,
		SellerID:  req.SellerID,
		Amount:    req.Amount,
	})
	if err != nil {
		failErr(c, err)
		return
	}

	ok(c, "purchase created, awaiting payment", gin.H{"purchase": pur})
}

// List handles GET /marketplace/purchases/
func (h *Handler) List(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	purchases, err := h.service.ListForUser(c.Request.Context(), ident.UserID, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	ok(c, "", gin.H{"purchases": purchases, "count": len(purchases)})
}

// Get handles GET /marketplace/purchases/:id/
func (h *Handler) Get(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	pur, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if ident.UserID != pur.BuyerID && ident.UserID != pur.SellerID && ident.Role != auth.RoleAdmin {
		fail(c, http.StatusForbidden, "not a party to this purchase")
		return
	}

	ok(c, "", gin.H{"purchase": pur})
}

// MarkPaid handles POST /marketplace/purchases/:id/paid/
func (h *Handler) MarkPaid(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	var req PaidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "tx_hash is required")
		return
	}
	if verr := validation.Validate(validation.ValidTxHash("tx_hash", req.TxHash)); verr != nil {
		fail(c, http.StatusBadRequest, verr.Error())
		return
	}

	pur, err := h.service.MarkPaid(c.Request.Context(), c.Param("id"), ident.UserID, req.TxHash)
	if err != nil {
		failErr(c, err)
		return
	}

	ok(c, "payment verified, escrow opened", gin.H{"purchase": pur})
}
