package handler

import (
	"github.com/gin-gonic/gin"
	appledger "github.com/ledger/backend/internal/application/ledger"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/interfaces/http/dto"
)

// LedgerHandler serves the balance, reservation and reconciliation endpoints
type LedgerHandler struct {
	BaseHandler
	ledger *appledger.Service
}

// NewLedgerHandler creates a new LedgerHandler
func NewLedgerHandler(svc *appledger.Service) *LedgerHandler {
	return &LedgerHandler{ledger: svc}
}

// Reserve godoc
//
//	@ID				reserveFunds
//	@Summary		Reserve funds for a metered call
//	@Description	Debits the account and records a pending usage. Replays with the same request_id return the original reservation.
//	@Tags			ledger
//	@Accept			json
//	@Produce		json
//	@Param			request	body		dto.ReserveRequest	true	"Reservation"
//	@Success		201		{object}	dto.Response
//	@Success		200		{object}	dto.Response	"Replayed reservation"
//	@Failure		400		{object}	dto.Response
//	@Failure		402		{object}	dto.Response	"Insufficient funds"
//	@Router			/ledger/reservations [post]
func (h *LedgerHandler) Reserve(c *gin.Context) {
	var req dto.ReserveRequest
	if !h.bindJSON(c, &req) {
		return
	}

	res, err := h.ledger.Reserve(c.Request.Context(), appledger.ReserveRequest{
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Meter:       req.Meter,
		Quantity:    req.Quantity,
		RequestID:   req.RequestID,
		Description: req.Description,
		Metadata:    ledger.Metadata(req.Metadata),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	switch res.Outcome {
	case ledger.OutcomeInsufficientFunds:
		h.ErrorWithCode(c, dto.ErrCodeInsufficientBalance, "Insufficient balance for "+res.Amount.String())
	case ledger.OutcomeAccountNotFound:
		h.ErrorWithCode(c, dto.ErrCodeAccountNotFound, "Account not found")
	default:
		if res.Replayed {
			h.Success(c, res)
			return
		}
		h.Created(c, res)
	}
}

// Finalize godoc
//
//	@ID			finalizeReservation
//	@Summary	Mark a pending reservation as completed
//	@Tags		ledger
//	@Produce	json
//	@Param		id	path		string	true	"Reservation transaction ID"
//	@Success	200	{object}	dto.Response
//	@Router		/ledger/reservations/{id}/finalize [post]
func (h *LedgerHandler) Finalize(c *gin.Context) {
	id, ok := h.transactionID(c)
	if !ok {
		return
	}
	finalized, err := h.ledger.Finalize(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.FinalizeResponse{TransactionID: id, Finalized: finalized})
}

// Release godoc
//
//	@ID			releaseReservation
//	@Summary	Refund a pending reservation
//	@Tags		ledger
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string				true	"Reservation transaction ID"
//	@Param		request	body		dto.ReleaseRequest	false	"Release reason"
//	@Success	200		{object}	dto.Response
//	@Router		/ledger/reservations/{id}/release [post]
func (h *LedgerHandler) Release(c *gin.Context) {
	id, ok := h.transactionID(c)
	if !ok {
		return
	}
	var req dto.ReleaseRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.ledger.Release(c.Request.Context(), id, req.Description)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, res)
}

// Deposit godoc
//
//	@ID			depositFunds
//	@Summary	Credit an account
//	@Tags		ledger
//	@Accept		json
//	@Produce	json
//	@Param		request	body		dto.DepositRequest	true	"Deposit"
//	@Success	201		{object}	dto.Response
//	@Success	200		{object}	dto.Response	"Duplicate idempotency key"
//	@Router		/ledger/deposits [post]
func (h *LedgerHandler) Deposit(c *gin.Context) {
	var req dto.DepositRequest
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.ledger.Deposit(c.Request.Context(), appledger.DepositRequest{
		AccountID:      req.AccountID,
		Currency:       req.Currency,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		ExternalRef:    req.ExternalRef,
		Description:    req.Description,
		Metadata:       ledger.Metadata(req.Metadata),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if res.Duplicate {
		h.Success(c, res)
		return
	}
	h.Created(c, res)
}

// GetBalance godoc
//
//	@ID			getBalance
//	@Summary	Current balance of an account
//	@Tags		ledger
//	@Produce	json
//	@Param		id	path		string	true	"Account ID"
//	@Success	200	{object}	dto.Response
//	@Router		/ledger/accounts/{id}/balance [get]
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	accountID := c.Param("id")
	balance, err := h.ledger.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.BalanceResponse{AccountID: accountID, Balance: balance})
}

// GetTransactions godoc
//
//	@ID			listTransactions
//	@Summary	Transaction history of an account, newest first
//	@Tags		ledger
//	@Produce	json
//	@Param		id		path		string	true	"Account ID"
//	@Param		limit	query		int		false	"Page size (max 500)"
//	@Param		offset	query		int		false	"Rows to skip"
//	@Success	200		{object}	dto.Response
//	@Router		/ledger/accounts/{id}/transactions [get]
func (h *LedgerHandler) GetTransactions(c *gin.Context) {
	var q dto.TransactionListQuery
	if !h.bindQuery(c, &q) {
		return
	}
	if q.Limit == 0 {
		q.Limit = dto.DefaultTransactionLimit
	}
	txs, err := h.ledger.GetTransactions(c.Request.Context(), c.Param("id"), q.Limit, q.Offset)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Page(c, dto.NewTransactionResponses(txs), q.Limit, q.Offset, len(txs))
}

// Summary godoc
//
//	@ID			sumByType
//	@Summary	Sum of one transaction type in a time window
//	@Tags		ledger
//	@Produce	json
//	@Param		id		path		string	true	"Account ID"
//	@Param		type	query		string	true	"deposit, usage, refund or adjustment"
//	@Param		from	query		string	false	"RFC 3339 start, inclusive"
//	@Param		to		query		string	false	"RFC 3339 end, inclusive"
//	@Success	200		{object}	dto.Response
//	@Router		/ledger/accounts/{id}/summary [get]
func (h *LedgerHandler) Summary(c *gin.Context) {
	var q dto.SummaryQuery
	if !h.bindQuery(c, &q) {
		return
	}
	accountID := c.Param("id")
	total, err := h.ledger.SumByType(c.Request.Context(), accountID, ledger.TransactionType(q.Type), q.From, q.To)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.SummaryResponse{
		AccountID: accountID,
		Type:      q.Type,
		From:      dto.OptionalTime(q.From),
		To:        dto.OptionalTime(q.To),
		Total:     total,
	})
}

// Reconcile godoc
//
//	@ID				reconcilePayment
//	@Summary		Apply a payment gateway event
//	@Description	Idempotent on external_ref. A repeated event returns noop=true.
//	@Tags			ledger
//	@Accept			json
//	@Produce		json
//	@Param			request	body		dto.ReconcileRequest	true	"Payment event"
//	@Success		200		{object}	dto.Response
//	@Router			/ledger/reconcile [post]
func (h *LedgerHandler) Reconcile(c *gin.Context) {
	var req dto.ReconcileRequest
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.ledger.Reconcile(c.Request.Context(), req.ToEvent())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, res)
}
