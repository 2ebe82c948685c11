// Package rpc carries the daemon-to-daemon control channel: JSON over HTTP
// with a shared bearer token. The same listener serves the http chunk
// server, the websocket stream hub and the metrics endpoint.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/logging/audit"
	"github.com/xferd/xferd/pkg/proto"
)

// Routes of the control channel.
const (
	PathBegin             = "/api/v1/transfer/begin"
	PathNegotiateReceiver = "/api/v1/negotiate/receiver"
	PathNegotiateSender   = "/api/v1/negotiate/sender"
	PathChoose            = "/api/v1/negotiate/choose"
	PathAck               = "/api/v1/ack"
	PathHealth            = "/health"
	PathMetrics           = "/metrics"
	PathTrace             = "/debug/trace"
)

// maxBodySize bounds request bodies; a manifest for a 10GB file at the
// default chunk size is well under this.
const maxBodySize = 32 << 20

// Handler serves the control operations. *negotiate.Negotiator
// implements it.
type Handler interface {
	BeginTransfer(ctx context.Context, req *proto.BeginTransferRequest) proto.Code
	NegotiateAsReceiver(ctx context.Context, req *proto.NegotiateReceiverRequest) (*proto.NegotiateReceiverResponse, error)
	NegotiateAsSender(ctx context.Context, req *proto.NegotiateSenderRequest) (*proto.NegotiateSenderResponse, error)
	ChooseProtocol(ctx context.Context, req *proto.ChooseProtocolRequest) (*proto.ChooseProtocolResponse, error)
	AckSender(ctx context.Context, req *proto.AckSenderRequest) error
}

// ServerConfig holds server settings.
type ServerConfig struct {
	Listen    string
	AuthToken string
	Version   string
	Handler   Handler

	// Optional handlers mounted next to the control routes. They do
	// their own authentication.
	Chunks     http.Handler
	ChunksPath string
	Stream     http.Handler
	StreamPath string
	Metrics    http.Handler
	// Trace serves runtime trace snapshots behind the auth token.
	Trace http.Handler

	// Audit records authentication and remote transfer requests.
	Audit *audit.Logger

	// Status reports live transfers and protocols for the health check.
	Status func() (active int, protocols []string)
}

// Server is the daemon's HTTP front end.
type Server struct {
	cfg  ServerConfig
	mux  *http.ServeMux
	http *http.Server
}

// NewServer creates a server and registers its routes.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc(PathHealth, s.handleHealth)
	s.mux.HandleFunc(PathBegin, s.withAuth(s.handleBegin))
	s.mux.HandleFunc(PathNegotiateReceiver, s.withAuth(handle(s.cfg.Handler.NegotiateAsReceiver)))
	s.mux.HandleFunc(PathNegotiateSender, s.withAuth(handle(s.cfg.Handler.NegotiateAsSender)))
	s.mux.HandleFunc(PathChoose, s.withAuth(handle(s.cfg.Handler.ChooseProtocol)))
	s.mux.HandleFunc(PathAck, s.withAuth(s.handleAck))

	if s.cfg.Chunks != nil && s.cfg.ChunksPath != "" {
		s.mux.Handle(s.cfg.ChunksPath, s.cfg.Chunks)
	}
	if s.cfg.Stream != nil && s.cfg.StreamPath != "" {
		s.mux.Handle(s.cfg.StreamPath, s.cfg.Stream)
	}
	if s.cfg.Metrics != nil {
		s.mux.Handle(PathMetrics, s.cfg.Metrics)
	}
	if s.cfg.Trace != nil {
		s.mux.HandleFunc(PathTrace, s.withAuth(s.cfg.Trace.ServeHTTP))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	log.Info().Str("listen", l.Addr().String()).Msg("starting rpc server")
	err := s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deny := func(reason string) {
			s.cfg.Audit.LogAuth(r.URL.Path, audit.Denied, reason, sourceIP(r))
			jsonError(w, reason, http.StatusUnauthorized, proto.NoConnect)
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			deny("missing authorization header")
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			deny("invalid authorization header")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.cfg.AuthToken)) != 1 {
			deny("invalid token")
			return
		}

		s.cfg.Audit.LogAuth(r.URL.Path, audit.Allowed, "", sourceIP(r))
		next(w, r)
	}
}

// sourceIP returns the remote host of r without the port.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := proto.HealthResponse{Status: "ok", Version: s.cfg.Version}
	if s.cfg.Status != nil {
		resp.ActiveTransfers, resp.Protocols = s.cfg.Status()
	}
	writeJSON(w, &resp)
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req proto.BeginTransferRequest
	if !decode(w, r, &req) {
		return
	}
	code := s.cfg.Handler.BeginTransfer(r.Context(), &req)
	if req.Job != nil {
		role := "receiver"
		if req.IsSender {
			role = "sender"
		}
		s.cfg.Audit.LogTransferRequest(role, req.Job.SrcName, req.Job.DestName, req.RemoteURL, code, sourceIP(r))
	}
	writeJSON(w, &proto.StatusResponse{Code: code})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req proto.AckSenderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Handler.AckSender(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &proto.StatusResponse{Code: proto.OK, State: req.State})
}

// handle adapts a request/response operation to a JSON POST handler.
func handle[Req, Resp any](fn func(context.Context, *Req) (*Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if !decode(w, r, &req) {
			return
		}
		resp, err := fn(r.Context(), &req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed, proto.Inval)
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest, proto.Inval)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := proto.CodeOf(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Str("code", code.String()).Msg("rpc request failed")
	}
	jsonError(w, err.Error(), status, code)
}

// httpStatus maps a status code to the HTTP status it travels with.
func httpStatus(code proto.Code) int {
	switch code {
	case proto.Inval, proto.BadMode, proto.BadState, proto.Overflow, proto.Underflow, proto.Corrupt:
		return http.StatusBadRequest
	case proto.NoValue, proto.FileNotFound:
		return http.StatusNotFound
	case proto.Duplicate, proto.AlreadyOpen:
		return http.StatusConflict
	case proto.TryAgain:
		return http.StatusServiceUnavailable
	case proto.Timeout:
		return http.StatusGatewayTimeout
	case proto.NotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func jsonError(w http.ResponseWriter, message string, code int, status proto.Code) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
		Status:  status,
	})
}
