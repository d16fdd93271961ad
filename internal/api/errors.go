package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mooncorn/payrecon/internal/services/payerr"
	"go.uber.org/zap"
)

// respondError writes a domain error as JSON. Causes are logged, never returned.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var perr *payerr.Error
	if !errors.As(err, &perr) {
		logger.Error("unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	switch perr.Kind {
	case payerr.KindInternal, payerr.KindUpstream:
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", perr.Kind.String()),
			zap.Error(perr),
		)
	case payerr.KindNotConfigured:
		logger.Error("request failed",
			zap.Bool("critical", true),
			zap.String("path", c.FullPath()),
			zap.Error(perr),
		)
	}

	c.JSON(perr.Kind.StatusCode(), gin.H{"error": perr.Message, "code": perr.Kind.String()})
}
