/*
Package status serves a small HTTP surface over a running network: a JSON status report, a way to inject announcements, and Prometheus metrics.

Fetch and Multicast are client-side helpers for the same endpoints.
*/
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rflandau/Scan/pkg/physical"
	"github.com/rflandau/Scan/pkg/physical/lan"
	"github.com/rs/zerolog"
)

const (
	apiName    = "Scan"
	apiVersion = "1.0.0"

	EPStatus    = "/status"
	EPMulticast = "/multicast"
	EPMetrics   = "/metrics"

	ContentType = "application/json"
)

// A Source is what the server reports on.
type Source interface {
	Snapshot() lan.Snapshot
	SendMulticast(ctx context.Context, payload []byte) error
}

// Report is the body of GET /status.
type Report struct {
	Network lan.Snapshot `json:"network"`
	Uptime  string       `json:"uptime" example:"1m30s" doc:"time since the status server started"`
}

// StatusResp is the response to GET /status.
type StatusResp struct {
	Body Report
}

// MulticastReq is the request for POST /multicast.
type MulticastReq struct {
	Body struct {
		Payload []byte `json:"payload" required:"true" doc:"datagram to send to the discovery group, base64 encoded"`
	}
}

// A Server is the status API.
type Server struct {
	log      *zerolog.Logger
	src      Source
	gatherer prometheus.Gatherer
	started  time.Time

	mux  *http.ServeMux
	api  huma.API
	http *http.Server
	addr netip.AddrPort
}

// Option function to set various options on the server.
type Option func(*Server)

// WithLogger replaces the server's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithGatherer exposes g on /metrics.
// Without it, /metrics is not served.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New builds the API over src. Call Start to serve it.
func New(src Source, opts ...Option) *Server {
	s := &Server{src: src, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Str("sublogger", "status").
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		s.log = &l
	}
	s.api = humago.New(s.mux, huma.DefaultConfig(apiName, apiVersion))
	s.buildEndpoints()
	return s
}

func (s *Server) buildEndpoints() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        EPStatus,
		Summary:     "Report the state of the network",
	}, s.handleStatus)
	huma.Register(s.api, huma.Operation{
		OperationID:   "post-multicast",
		Method:        http.MethodPost,
		Path:          EPMulticast,
		Summary:       "Send a datagram to the discovery group",
		DefaultStatus: http.StatusNoContent,
	}, s.handleMulticast)
	if s.gatherer != nil {
		s.mux.Handle(EPMetrics, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleStatus(_ context.Context, _ *struct{}) (*StatusResp, error) {
	resp := &StatusResp{Body: Report{Network: s.src.Snapshot()}}
	if !s.started.IsZero() {
		resp.Body.Uptime = time.Since(s.started).Round(time.Second).String()
	}
	return resp, nil
}

func (s *Server) handleMulticast(ctx context.Context, req *MulticastReq) (*struct{}, error) {
	err := s.src.SendMulticast(ctx, req.Body.Payload)
	switch {
	case err == nil:
		return &struct{}{}, nil
	case errors.Is(err, physical.ErrEmptyDatagram):
		return nil, huma.Error400BadRequest("payload must not be empty", err)
	case errors.Is(err, physical.ErrClosed):
		return nil, huma.Error503ServiceUnavailable("network is closed", err)
	default:
		s.log.Warn().Err(err).Msg("failed to forward datagram")
		return nil, huma.Error500InternalServerError("failed to send datagram", err)
	}
}

// Handler returns the server's routes, for embedding elsewhere.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on addr (port 0 picks a free port) and serves in the background.
// The server is ready by the time Start returns.
func (s *Server) Start(addr netip.AddrPort) error {
	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		return err
	}
	s.addr = netip.MustParseAddrPort(ln.Addr().String())
	s.started = time.Now()
	s.http = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("status server failed")
		}
	}()
	s.log.Info().Str("address", s.addr.String()).Msg("listening...")
	return nil
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() netip.AddrPort {
	return s.addr
}

// Stop shuts the server down, waiting up to a few seconds for in-flight requests.
func (s *Server) Stop() error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.log.Info().Str("address", s.addr.String()).AnErr("close error", err).Msg("killed http server")
	return err
}
