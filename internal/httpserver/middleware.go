package httpserver

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
)

var defaultSecurityHeaders = [][2]string{
	{"Content-Security-Policy", "default-src 'none'; base-uri 'none'; sandbox; form-action 'none'; " +
		"frame-ancestors 'none'; upgrade-insecure-requests; require-trusted-types-for 'script'; trusted-types 'none'"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "accelerometer=(), ambient-light-sensor=(), autoplay=(), battery=(), camera=(), " +
		"display-capture=(), document-domain=(), encrypted-media=(), fullscreen=(), gamepad=(), geolocation=(), " +
		"gyroscope=(), hid=(), idle-detection=(), local-fonts=(), magnetometer=(), microphone=(), midi=(), " +
		"payment=(), picture-in-picture=(), publickey-credentials-get=(), screen-wake-lock=(), serial=(), " +
		"usb=(), web-share=(), xr-spatial-tracking=()"},
}

// securityHeaders sets the default headers; handlers may override them.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range defaultSecurityHeaders {
			if h.Get(kv[0]) == "" {
				h.Set(kv[0], kv[1])
			}
		}
		c.Next()
	}
}

// trustOneProxy applies the X-Forwarded-For and X-Forwarded-Host values
// added by the nearest reverse proxy. Only the last value of each header is
// used; earlier values come from the client and cannot be trusted.
func trustOneProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ip := lastValue(c.Request.Header.Values("X-Forwarded-For")); ip != "" {
			if net.ParseIP(ip) != nil {
				c.Request.RemoteAddr = net.JoinHostPort(ip, "0")
			}
		}
		if host := lastValue(c.Request.Header.Values("X-Forwarded-Host")); host != "" {
			c.Request.Host = host
		}
		c.Next()
	}
}

func lastValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	parts := strings.Split(values[len(values)-1], ",")
	return strings.TrimSpace(parts[len(parts)-1])
}

// enforceHost answers 404 to requests for another host name.
func (s *Server) enforceHost() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Hostname == "" || strings.EqualFold(c.Request.Host, s.cfg.Hostname) {
			c.Next()
			return
		}
		klog.Warningf("httpserver: request for host %q, expecting %q", c.Request.Host, s.cfg.Hostname)
		c.AbortWithStatus(http.StatusNotFound)
	}
}

func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(route, c.Request.Method, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
