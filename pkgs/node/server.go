package node

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/pkgs/peers"
)

// request limits
const (
	generalLimit = 5000
	routeLimit   = 500
	timePeriod   = time.Minute
)

const errTooManyRequests = `{"error": "too many requests"}`

// Server exposes the node's discovery surface: the /node-info document peers
// fetch to learn this node's address and public keys, plus a health endpoint.
type Server struct {
	Logger     *zap.Logger
	HTTPServer *http.Server
	Router     chi.Router
	info       peers.NodeInfo
}

// New builds the server for a node identified by its staking address, serving
// the given capability keys.
func New(logger *zap.Logger, address common.Address, endpoint, version string, keys map[peers.Capability][]byte) *Server {
	info := peers.NodeInfo{
		Address:  address.Hex(),
		Endpoint: endpoint,
		Version:  version,
		Keys:     make(map[string]string, len(keys)),
	}
	for name, key := range keys {
		info.Keys[string(name)] = "0x" + hex.EncodeToString(key)
	}
	s := &Server{
		Logger: logger,
		Router: chi.NewRouter(),
		info:   info,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.Router.Use(rateLimit(s.Logger, generalLimit))
	addRoute(s.Router, "GET", "/node-info", s.nodeInfoHandler, rateLimit(s.Logger, routeLimit))
	addRoute(s.Router, "GET", "/health", s.healthHandler, rateLimit(s.Logger, routeLimit))
}

func (s *Server) nodeInfoHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.info); err != nil {
		s.Logger.Error("failed to write node info", zap.Error(err))
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status": "ok"}`))
}

// Start listens for incoming requests on the given port, blocking until the
// server stops.
func (s *Server) Start(port uint16) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%v", port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.HTTPServer = srv
	s.Logger.Info("node server listening", zap.Uint16("port", port))
	return srv.ListenAndServe()
}

func addRoute(router chi.Router, method, path string, handler http.HandlerFunc, middleware ...func(http.Handler) http.Handler) {
	if len(middleware) > 0 {
		router.With(middleware...).MethodFunc(method, path, handler)
	} else {
		router.MethodFunc(method, path, handler)
	}
}

func rateLimit(logger *zap.Logger, limit int) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		timePeriod,
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("rate limit exceeded",
				zap.String("ip", r.RemoteAddr),
				zap.String("path", r.URL.Path))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(errTooManyRequests))
		}),
	)
}
