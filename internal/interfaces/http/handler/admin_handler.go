package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	appledger "github.com/ledger/backend/internal/application/ledger"
	"github.com/ledger/backend/internal/interfaces/http/dto"
)

// AdminHandler serves operator endpoints. Routes are guarded by JWT with
// the admin permission.
type AdminHandler struct {
	BaseHandler
	ledger *appledger.Service
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(svc *appledger.Service) *AdminHandler {
	return &AdminHandler{ledger: svc}
}

// SetBalance godoc
//
//	@ID				setAccountBalance
//	@Summary		Force an account to an exact balance
//	@Description	Writes an adjustment for the difference. Idempotent on idempotency_key.
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id		path		string					true	"Account ID"
//	@Param			request	body		dto.SetBalanceRequest	true	"Target balance"
//	@Success		200		{object}	dto.Response
//	@Router			/admin/accounts/{id}/balance [put]
func (h *AdminHandler) SetBalance(c *gin.Context) {
	var req dto.SetBalanceRequest
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.ledger.SetBalance(c.Request.Context(), appledger.SetBalanceRequest{
		AccountID:      c.Param("id"),
		Target:         req.Balance,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, res)
}

// ExportStatement godoc
//
//	@ID			exportStatement
//	@Summary	Export an account statement as CSV to object storage
//	@Tags		admin
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		id		path		string					true	"Account ID"
//	@Param		request	body		dto.StatementRequest	false	"Time window"
//	@Success	201		{object}	dto.Response
//	@Router		/admin/accounts/{id}/statements [post]
func (h *AdminHandler) ExportStatement(c *gin.Context) {
	var req dto.StatementRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}
	var from, to time.Time
	if req.From != nil {
		from = *req.From
	}
	if req.To != nil {
		to = *req.To
	}
	res, err := h.ledger.ExportStatement(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, res)
}
