package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/teachermon/internal/api/middleware"
	"github.com/timmy/teachermon/internal/domain"
)

// errorBody is the envelope of every error response.
type errorBody struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ShortfallBytes int64  `json:"shortfallBytes,omitempty"`
}

var statusByKind = map[domain.ErrorKind]int{
	domain.KindValidation:           http.StatusBadRequest,
	domain.KindInvalidSourceURL:     http.StatusBadRequest,
	domain.KindUnsupportedMediaType: http.StatusUnsupportedMediaType,
	domain.KindFileTooLarge:         http.StatusRequestEntityTooLarge,
	domain.KindQuotaExceeded:        http.StatusRequestEntityTooLarge,
	domain.KindNotFound:             http.StatusNotFound,
	domain.KindAborted:              http.StatusNotFound,
	domain.KindInvalidState:         http.StatusConflict,
	domain.KindProviderDisabled:     http.StatusServiceUnavailable,
	domain.KindMalformedResponse:    http.StatusBadGateway,
	domain.KindProviderTimeout:      http.StatusGatewayTimeout,
}

// respondError writes err as a JSON error. Untyped errors are internal and
// their text is not exposed.
func respondError(c *gin.Context, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		middleware.GetLogger(c).WithError(err).Error("Request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": errorBody{Code: "INTERNAL", Message: "internal server error"},
		})
		return
	}
	status, ok := statusByKind[de.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": errorBody{Code: string(de.Kind), Message: de.Error(), ShortfallBytes: de.Shortfall},
	})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": errorBody{Code: string(domain.KindValidation), Message: message},
	})
}
