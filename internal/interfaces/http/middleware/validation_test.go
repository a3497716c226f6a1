package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ledger/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
)

func validationRouter() *gin.Engine {
	SetupValidator()
	router := gin.New()
	router.Use(RequestID())
	router.POST("/deposits", func(c *gin.Context) {
		var req dto.DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			HandleValidationError(c, err)
			return
		}
		c.String(http.StatusOK, req.Amount.String())
	})
	router.POST("/reservations", func(c *gin.Context) {
		var req dto.ReserveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			HandleValidationError(c, err)
			return
		}
		c.Status(http.StatusOK)
	})
	return router
}

func post(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestValidation_DecimalTags(t *testing.T) {
	router := validationRouter()

	t.Run("positive amount accepted as string or number", func(t *testing.T) {
		w := post(router, "/deposits", `{"account_id":"acc","amount":"10.50","idempotency_key":"k"}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "10.5", w.Body.String())

		w = post(router, "/deposits", `{"account_id":"acc","amount":3,"idempotency_key":"k"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("zero amount rejected", func(t *testing.T) {
		w := post(router, "/deposits", `{"account_id":"acc","amount":"0","idempotency_key":"k"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		errInfo := decodeError(t, w)
		assert.Equal(t, dto.ErrCodeValidation, errInfo.Code)
		assert.Equal(t, []dto.ValidationDetail{{Field: "amount", Message: "Must be a decimal greater than zero"}}, errInfo.Details)
	})

	t.Run("negative quantity rejected", func(t *testing.T) {
		w := post(router, "/reservations", `{"account_id":"acc","request_id":"r","quantity":"-1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "quantity", decodeError(t, w).Details[0].Field)
	})

	t.Run("omitted optional amount passes", func(t *testing.T) {
		w := post(router, "/reservations", `{"account_id":"acc","request_id":"r","meter":"tokens","quantity":"5"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing required fields", func(t *testing.T) {
		w := post(router, "/deposits", `{"amount":"1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		fields := []string{}
		for _, d := range decodeError(t, w).Details {
			fields = append(fields, d.Field)
		}
		assert.ElementsMatch(t, []string{"account_id", "idempotency_key"}, fields)
	})

	t.Run("malformed json", func(t *testing.T) {
		w := post(router, "/deposits", `{"amount":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		errInfo := decodeError(t, w)
		assert.Empty(t, errInfo.Details)
		assert.Contains(t, errInfo.Message, "Malformed request")
	})
}
