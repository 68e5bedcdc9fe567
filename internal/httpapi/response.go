package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/logging"
	"github.com/safar/storefront/internal/store"
	"go.uber.org/zap"
)

type envelope struct {
	Success bool                `json:"success"`
	Data    any                 `json:"data,omitempty"`
	Message string              `json:"message,omitempty"`
	Errors  []apperr.FieldError `json:"errors,omitempty"`
}

// pageInfo renders the pagination block. totalKey names the total, such
// as totalOrders.
func pageInfo[T any](p *store.OffsetPage[T], totalKey string) gin.H {
	return gin.H{
		"currentPage": p.Page,
		"totalPages":  p.TotalPages,
		totalKey:      p.Total,
		"hasNextPage": p.HasNext(),
		"hasPrevPage": p.HasPrev(),
	}
}

func respond(c *gin.Context, status int, data any, message string) {
	c.JSON(status, envelope{Success: true, Data: data, Message: message})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindAccessDenied:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a failure envelope. Internal errors are logged
// and answered with a generic message.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	if kind == apperr.KindInternal {
		logging.FromContext(c.Request.Context()).Error("request failed",
			zap.String("route", c.FullPath()),
			zap.Error(err),
		)
	}
	_ = c.Error(err)

	c.AbortWithStatusJSON(status, envelope{
		Success: false,
		Message: apperr.MessageOf(err),
		Errors:  apperr.FieldsOf(err),
	})
}
