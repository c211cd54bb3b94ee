package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/jobrouter/internal/api/dto"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/gin-gonic/gin"
)

var kindStatus = map[domain.Kind]int{
	domain.KindInvalidTransition:    http.StatusConflict,
	domain.KindConcurrencyLost:      http.StatusConflict,
	domain.KindExpired:              http.StatusGone,
	domain.KindNotEligible:          http.StatusUnprocessableEntity,
	domain.KindPaymentNotCapturable: http.StatusPaymentRequired,
	domain.KindNotFound:             http.StatusNotFound,
	domain.KindUnauthorized:         http.StatusUnauthorized,
	domain.KindPrecondition:         http.StatusPreconditionFailed,
	domain.KindInvalidInput:         http.StatusBadRequest,
}

// StatusFor maps an error to its HTTP status. Unclassified errors are 500.
func StatusFor(err error) int {
	if status, ok := kindStatus[domain.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Internal errors are not echoed to the client.
func (h *JobHandler) respondError(c *gin.Context, op string, err error) {
	kind := domain.KindOf(err)
	status := StatusFor(err)

	if kind == domain.KindInternal {
		h.logger.Error("Request failed",
			slog.String("op", op),
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(status, dto.ErrorResponse{Error: "internal error"})
		return
	}

	h.logger.Warn("Request rejected",
		slog.String("op", op),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	c.JSON(status, dto.ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msg, Kind: string(domain.KindInvalidInput)})
}
