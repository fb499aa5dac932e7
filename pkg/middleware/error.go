package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Error renders the last error attached by a handler with c.Error.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := Normalize(c.Errors.Last().Err)

		var be errutil.BaseError
		if !errors.As(err, &be) {
			be = errutil.Internal("internal error", err).(errutil.BaseError)
		}

		status := be.Code.HTTPStatus()
		if status >= http.StatusInternalServerError {
			zap.L().Error("request failed",
				zap.String("path", c.FullPath()),
				zap.String("code", string(be.Code)),
				zap.Error(be),
			)
		}

		c.AbortWithStatusJSON(status, be.JSON())
	}
}

// Normalize turns binding and validation errors into errutil errors.
func Normalize(err error) error {
	var be errutil.BaseError
	if errors.As(err, &be) {
		return err
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make([]errutil.Detail, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, errutil.Detail{
				Field:   toSnake(fe.Field()),
				Message: fe.Tag(),
			})
		}
		return errutil.ValidationFailed("invalid request", err, errutil.WithDetails(details...))
	}

	var gerr *gin.Error
	if errors.As(err, &gerr) && gerr.IsType(gin.ErrorTypeBind) {
		return errutil.BadRequest("malformed request body", err)
	}

	return errutil.Internal("internal error", err)
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
