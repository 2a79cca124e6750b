package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/tollgate"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case tollgate.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, tollgate.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, tollgate.ErrInvalidInput),
		errors.Is(err, tollgate.ErrInvalidAmount),
		errors.Is(err, tollgate.ErrInvalidPricing):
		return http.StatusBadRequest
	case errors.Is(err, tollgate.ErrInvalidTransition),
		errors.Is(err, tollgate.ErrAlreadyReversed),
		errors.Is(err, tollgate.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, tollgate.ErrOperatorUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tollgate.ErrConcurrencyConflict),
		errors.Is(err, tollgate.ErrStoreClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, tollgate.ErrBridgeFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON body. Funds errors carry the figures needed to
// prompt a top-up; internal errors are logged and hidden.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)

	var funds *tollgate.FundsError
	if errors.As(err, &funds) {
		c.JSON(status, gin.H{
			"error":        err.Error(),
			"balance":      funds.Balance,
			"required":     funds.Required,
			"shortfall":    funds.Shortfall,
			"free_minutes": funds.FreeMinutes,
		})
		return
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("api: request failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
