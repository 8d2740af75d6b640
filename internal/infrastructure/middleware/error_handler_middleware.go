package middleware

import (
	"time"

	"deskrelay/pkg/errors"
	"deskrelay/pkg/logger"
	"deskrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// Core errors are mapped onto codes here so handlers can pass them through.
		appErr := errors.FromDomain(c.Errors.Last().Err)
		if appErr.Code == errors.ErrCodeInternal {
			logger.Errorw("unhandled error",
				"error", appErr.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			logger.Infow("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)
		}

		if c.Writer.Written() {
			return
		}
		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

func errorBody(e *errors.AppError) gin.H {
	body := gin.H{
		"error":   string(e.Code),
		"message": e.Message,
	}
	if len(e.Context) > 0 {
		body["details"] = e.Context
	}
	return body
}

func abortWithError(c *gin.Context, e *errors.AppError) {
	c.AbortWithStatusJSON(e.HTTPStatus, errorBody(e))
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				abortWithError(c, errors.NewInternalError("Internal server error"))
			}
		}()

		c.Next()
	}
}

// RequestLoggerMiddleware tags each request with an id and logs it on completion.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))

		start := time.Now()
		c.Next()

		cl.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
