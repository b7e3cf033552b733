package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/opsportal/internal/common"
	"github.com/dmitrijs2005/opsportal/internal/logging"
	"github.com/dmitrijs2005/opsportal/internal/server/auth"
	"github.com/dmitrijs2005/opsportal/internal/server/metrics"
	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// RequestLogger logs one line per request. The query string is left out
// because it may carry an access token.
func RequestLogger(l logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l.Info(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// Metrics records request latency by matched route.
func Metrics(o metrics.Observer) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		o.RecordRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// Authenticate validates the access token from the Authorization header
// or, for browser links and websocket upgrades, the access_token query
// parameter, and stores the caller identity on the context.
func Authenticate(key []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		var token string
		if header := c.GetHeader("Authorization"); header != "" {
			scheme, value, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || value == "" {
				respErrorStr(c, http.StatusUnauthorized, "Authorization header format must be Bearer {token}")
				return
			}
			token = value
		} else {
			token = c.Query(common.AccessTokenHeaderName)
		}

		if token == "" {
			respErrorStr(c, http.StatusUnauthorized, "access token is required")
			return
		}

		id, err := auth.ParseToken(token, key)
		if err != nil {
			respErrorStr(c, http.StatusUnauthorized, err.Error())
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireAdmin rejects non-admin callers. It must run after Authenticate.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identity(c).IsAdmin() {
			respErrorStr(c, http.StatusForbidden, "admin role required")
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}
	}
	id, _ := v.(auth.Identity)
	return id
}
