package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tesseralabs/tessera/internal/auth"
	"github.com/tesseralabs/tessera/internal/validation"
)

// Handler provides the HTTP surface the marketplace UI relies on.
// All responses use the {success, message, data} envelope.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. All routes require identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/", h.List)
	r.GET("/escrows/:id/", h.Get)
	r.POST("/escrows/:id/mark-delivered/", h.MarkDelivered)
	r.POST("/escrows/:id/confirm-receipt/", h.ConfirmReceipt)
	r.POST("/escrows/:id/dispute/", h.FileDispute)
	r.POST("/escrows/:id/auto-release/", h.AutoRelease)
	r.POST("/escrows/:id/cancel/", h.Cancel)
	r.POST("/escrows/:id/resolve/", h.Resolve)
}

// DisputeRequest is the body for filing a dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest is the body for a validator resolution.
type ResolveRequest struct {
	Outcome  string `json:"outcome" binding:"required"` // release_to_seller, refund_to_buyer, split
	Notes    string `json:"notes"`
	SplitNum int64  `json:"split_num"`
	SplitDen int64  `json:"split_den"`
}

func ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message, "data": nil})
}

// failErr maps the error taxonomy onto HTTP statuses: 400 guard violation,
// 403 wrong principal, 404 unknown escrow, 409 lost race / already resolved.
func failErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrDisputeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrDisputeWindowExpired),
		errors.Is(err, ErrReasonRequired):
		status = http.StatusBadRequest
	}
	fail(c, status, err.Error())
}

// List handles GET /marketplace/escrows/
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

	views, err := h.service.ListForUser(c.Request.Context(), ident.UserID, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	ok(c, "", gin.H{"escrows": views, "count": len(views)})
}

// Get handles GET /marketplace/escrows/:id/
func (h *Handler) Get(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	// Escrows are visible only to their parties (and validators/admins).
	if ident.UserID != e.BuyerID && ident.UserID != e.SellerID &&
		ident.Role != auth.RoleValidator && ident.Role != auth.RoleAdmin {
		fail(c, http.StatusForbidden, "not a party to this escrow")
		return
	}

	ok(c, "", gin.H{"escrow": e})
}

// MarkDelivered handles POST /marketplace/escrows/:id/mark-delivered/
func (h *Handler) MarkDelivered(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	e, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), ident.UserID)
	if err != nil {
		failErr(c, err)
		return
	}

	ok(c, "delivery recorded", gin.H{"escrow": e})
}

// ConfirmReceipt handles POST /marketplace/escrows/:id/confirm-receipt/
//
// The off-chain transition commits synchronously; the on-chain payout is
// asynchronous, so success here means "confirmed, settlement pending".
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	e, err := h.service.ConfirmReceipt(c.Request.Context(), c.Param("id"), ident.UserID)
	if err != nil {
		failErr(c, err)
		return
	}

	ok(c, "receipt confirmed, settlement pending", gin.H{"escrow": e})
}

// FileDispute handles POST /marketplace/escrows/:id/dispute/
func (h *Handler) FileDispute(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "reason is required")
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxRequestSize)

	e, err := h.service.FileDispute(c.Request.Context(), c.Param("id"), ident.UserID, reason)
	if err != nil {
		failErr(c, err)
		return
	}

	ok(c, "dispute filed", gin.H{"escrow": e})
}

// AutoRelease handles POST /marketplace/escrows/:id/auto-release/
//
// Also invoked internally by the sweeper. The CAS makes the endpoint safe
// to call at any time: a premature or duplicate call is rejected by the
// machine's guards.
func (h *Handler) AutoRelease(c *gin.Context) {
	e, err := h.service.AutoRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}

	ok(c, "escrow auto-released", gin.H{"escrow": e})
}

// Cancel handles POST /marketplace/escrows/:id/cancel/
func (h *Handler) Cancel(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	e, err := h.service.Cancel(c.Request.Context(), c.Param("id"), ident.UserID, ident.Role == auth.RoleAdmin)
	if err != nil {
		failErr(c, err)
		return
	}

	ok(c, "escrow cancelled, refund pending", gin.H{"escrow": e})
}

// Resolve handles POST /marketplace/escrows/:id/resolve/
func (h *Handler) Resolve(c *gin.Context) {
	ident, _ := auth.FromContext(c)
	if ident.Role != auth.RoleValidator && ident.Role != auth.RoleAdmin {
		fail(c, http.StatusForbidden, "validator role required")
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "outcome is required (release_to_seller, refund_to_buyer, or split)")
		return
	}

	outcome := Outcome(req.Outcome)
	switch outcome {
	case OutcomeReleaseToSeller, OutcomeRefundToBuyer, OutcomeSplit:
	default:
		fail(c, http.StatusBadRequest, "unknown outcome")
		return
	}

	e, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"),
		ident.UserID, ident.Role == auth.RoleAdmin, outcome,
		validation.SanitizeString(req.Notes, 4000), req.SplitNum, req.SplitDen)
	if err != nil {
		failErr(c, err)
		return
	}

	ok(c, "dispute resolved", gin.H{"escrow": e})
}
