package middleware

import (
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	apperrors "github.com/off-context/off-context/internal/errors"
	log "github.com/sirupsen/logrus"
)

// OriginAllowed reports whether origin matches one of allowOrigins. "*"
// matches everything.
func OriginAllowed(allowOrigins []string, origin string) bool {
	if origin == "" || len(allowOrigins) == 0 {
		return false
	}
	for _, allowed := range allowOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// IsLoopbackOrigin reports whether origin names a localhost page.
func IsLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// TrustedOrigin reports whether a request carrying origin may act on the
// server. Requests without an Origin header come from non-browser clients.
func TrustedOrigin(allowOrigins []string, origin string) bool {
	origin = strings.TrimSpace(origin)
	return origin == "" || IsLoopbackOrigin(origin) || OriginAllowed(allowOrigins, origin)
}

// WriteGuard protects state-changing routes from browser pages. It rejects
// requests whose Origin is neither loopback nor allowed with 403, and request
// bodies that are not JSON with 415, so a cross-site "simple" POST never
// reaches a handler.
func WriteGuard(allowOrigins []string) gin.HandlerFunc {
	allowed := append([]string(nil), allowOrigins...)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if !TrustedOrigin(allowed, origin) {
			log.WithFields(log.Fields{"origin": origin, "path": c.Request.URL.Path}).Warn("rejected cross-origin write")
			abortAppError(c, apperrors.New(http.StatusForbidden, apperrors.CodeInvalidRequest, "origin not allowed", nil).
				WithDetail("origin", origin))
			return
		}
		if hasBody(c.Request) && !isJSONContentType(c.GetHeader("Content-Type")) {
			abortAppError(c, apperrors.New(http.StatusUnsupportedMediaType, apperrors.CodeInvalidRequest, "request body must be application/json", nil))
			return
		}
		c.Next()
	}
}

func hasBody(r *http.Request) bool {
	return r.ContentLength > 0 || (r.ContentLength < 0 && r.Body != nil && r.Body != http.NoBody)
}

func isJSONContentType(v string) bool {
	mediaType, _, err := mime.ParseMediaType(v)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
