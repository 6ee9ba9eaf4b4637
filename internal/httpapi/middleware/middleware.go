// Package middleware holds the request-id and panic-recovery middleware,
// reimplemented in the same closure style as the teacher's
// internal/httpapi/middleware package (referenced but not retrieved in
// the pack) since router.go names middleware.RequestID()/Recovery() as
// the shape to follow.
package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader is the header a request id is read from or stamped on.
const RequestIDHeader = "X-Request-Id"

// RequestIDKey is the gin context key RequestID stores the id under.
const RequestIDKey = "request_id"

// RequestID assigns (or propagates) a request id for every inbound
// request and echoes it back on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// Recovery converts a panic in a downstream handler into a 500 response
// instead of crashing the process, logging the recovered value with the
// request id for correlation.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				id, _ := c.Get(RequestIDKey)
				log.Printf("panic recovered request_id=%v: %v", id, r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    50000,
					"message": "internal error",
					"data":    nil,
				})
			}
		}()
		c.Next()
	}
}
