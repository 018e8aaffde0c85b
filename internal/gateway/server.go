package gateway

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Server upgrades HTTP requests on the gateway endpoint into sessions
type Server struct {
	gateway     *Gateway
	upgrader    websocket.Upgrader
	tokenCookie string
}

func NewServer(gw *Gateway, tokenCookie string, allowedOrigins []string) *Server {
	return &Server{
		gateway:     gw,
		tokenCookie: tokenCookie,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients), any listed origin, "*" and localhost variations
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}

		return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	}
}

// ServeHTTP reads the credential from the handshake and hands the upgraded
// connection to the gateway. The credential is only checked on IDENTIFY.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := s.tokenFromRequest(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.gateway.log.Error("Failed to upgrade WebSocket connection", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	if sess := s.gateway.Connect(conn, token, r.RemoteAddr); sess == nil {
		s.gateway.log.Warn("Rejected connection during shutdown", "remoteAddr", r.RemoteAddr)
	}
}

func (s *Server) tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(s.tokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
