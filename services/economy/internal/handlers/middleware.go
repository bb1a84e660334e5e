package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/promptmarket/economy/libs/apikey"
	"github.com/promptmarket/economy/libs/httpmiddleware"
	"github.com/promptmarket/economy/services/economy/internal/events"
	"github.com/promptmarket/economy/services/economy/internal/fingerprint"
)

const (
	ctxRequestContext = "request_context"
	ctxAdminKey       = "admin_key"
)

// correlation carries the request id into the request context so events
// published while serving it can be tied back to the request.
func correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetString(httpmiddleware.RequestIDHeader); id != "" {
			c.Request = c.Request.WithContext(events.WithCorrelationID(c.Request.Context(), id))
		}
		c.Next()
	}
}

func deviceInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxRequestContext, fingerprint.RequestContext{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Location:  strings.TrimSpace(c.GetHeader(LocationHeader)),
		})
		c.Next()
	}
}

func requestContext(c *gin.Context) fingerprint.RequestContext {
	if v, ok := c.Get(ctxRequestContext); ok {
		if rc, ok := v.(fingerprint.RequestContext); ok {
			return rc
		}
	}
	return fingerprint.RequestContext{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

func (h *Handler) rateLimitLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.LoginLimiter == nil {
			c.Next()
			return
		}
		allowed, retryAfter, err := h.LoginLimiter.Allow(c.Request.Context(), c.ClientIP(), h.Clock.Now())
		if err != nil {
			h.Logger.Warn("login rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !allowed {
			if secs := int(retryAfter.Seconds()); secs > 0 {
				c.Header("Retry-After", strconv.Itoa(secs))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
			return
		}
		c.Next()
	}
}

func (h *Handler) requireAdmin(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(APIKeyHeader))
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing api key"})
			return
		}
		record, err := apikey.VerifyScoped(key, h.AdminKeys, c.ClientIP(), scope)
		if err != nil {
			switch {
			case errors.Is(err, apikey.ErrMissingScope), errors.Is(err, apikey.ErrIPNotAllowed):
				c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Message: err.Error()})
			default:
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid api key"})
			}
			return
		}
		c.Set(ctxAdminKey, record)
		c.Next()
	}
}

func adminRecord(c *gin.Context) apikey.Record {
	if v, ok := c.Get(ctxAdminKey); ok {
		if r, ok := v.(apikey.Record); ok {
			return r
		}
	}
	return apikey.Record{}
}
