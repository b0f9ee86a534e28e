package httpapi

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/cors"
)

func (a *api) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(a.CORS.AllowedOrigins)+1)
	for _, o := range a.CORS.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			allowed[o] = true
		}
	}
	if u, err := url.Parse(a.FrontendURL); err == nil && u.Host != "" {
		allowed[u.Scheme+"://"+u.Host] = true
	}
	originAllowed := func(origin string) bool {
		return allowed[origin]
	}

	c := cors.New(cors.Options{
		AllowOriginFunc:  originAllowed,
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: a.CORS.AllowCredentials,
		MaxAge:           600,
	})
	h := c.Handler(next)

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		if origin != "" && !originAllowed(origin) && !sameOrigin(req, origin) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "cors_denied"})
			return
		}
		h.ServeHTTP(w, req)
	})
}

func sameOrigin(req *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host != "" && strings.EqualFold(u.Host, req.Host)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https" {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, req)
	})
}

// clientIP returns the address of the hop in front of the trustedProxies
// closest proxies. X-Forwarded-For entries left of that hop are client
// supplied and ignored. With no trusted proxies the peer address is used.
func clientIP(req *http.Request, trustedProxies int) string {
	peer, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		peer = req.RemoteAddr
	}
	if trustedProxies <= 0 {
		return peer
	}

	var hops []string
	for _, h := range strings.Split(req.Header.Get("X-Forwarded-For"), ",") {
		if h = strings.TrimSpace(h); h != "" {
			hops = append(hops, h)
		}
	}
	hops = append(hops, peer)

	i := len(hops) - 1 - trustedProxies
	if i < 0 {
		i = 0
	}
	return hops[i]
}
