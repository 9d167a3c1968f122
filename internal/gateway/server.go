// Package gateway is the process hub: a WebSocket server that carries
// the frame protocol, a registry of connected services, an RPC
// dispatcher and a topic event bus. Channels, the CLI and external
// providers all attach here.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// GatewayService is the target name for the server's own methods. An
// empty target means the same thing.
const GatewayService = "gateway"

const rateBurst = 5

// Config carries the listener settings; the zero value serves
// ws://127.0.0.1:9000 with rate limiting disabled.
type Config struct {
	Host           string
	Port           int
	RateLimitRPM   int
	AllowedOrigins []string
	OutboundQueue  int
}

func (c Config) addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 9000
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// HandlerFunc serves one gateway method. Returning a *protocol.Error
// echoes its code to the caller; any other error maps to INTERNAL.
type HandlerFunc func(ctx context.Context, from *Conn, params json.RawMessage) (interface{}, error)

// Server accepts WebSocket connections and routes their frames:
// requests to the gateway's own handlers or relayed to a registered
// service, responses to the dispatcher, events to the bus. Until a
// connection registers, the only method it may call is _register.
type Server struct {
	cfg      Config
	registry *Registry
	dispatch *Dispatcher
	bus      *EventBus

	handlers map[string]HandlerFunc
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	baseCtx context.Context

	log *slog.Logger
}

func NewServer(cfg Config, registry *Registry, dispatch *Dispatcher, bus *EventBus) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		dispatch: dispatch,
		bus:      bus,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*Conn]struct{}),
		baseCtx:  context.Background(),
		log:      logging.Scoped("gateway"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpSrv = &http.Server{Handler: mux}

	return s
}

// Handle registers a gateway method. Later registrations win, which
// the tests use to stub single methods.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Bus returns the event bus shared with in-process publishers.
func (s *Server) Bus() *EventBus { return s.bus }

// Dispatcher returns the RPC dispatcher for in-process callers.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatch }

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on an existing listener; tests bind to
// 127.0.0.1:0 and pass the listener in. Returns nil after a graceful
// shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.log.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown announces the stop on the bus, stops accepting connections
// and closes the live ones. Run cancellation is the caller's job; it
// owns the queue.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bus.Publish(protocol.SourceGateway, protocol.EventShutdown, nil)

	err := s.httpSrv.Shutdown(ctx)

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients: CLI, channels, providers
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.log.Warn("origin rejected", "origin", origin)
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%q}`, protocol.Version)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := newConn(ws, s.cfg.OutboundQueue)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("connection opened", "conn", conn.ID())

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		if name, ok := s.registry.DeregisterConn(conn); ok {
			s.log.Info("service deregistered", "service", name)
		}
		s.log.Debug("connection closed", "conn", conn.ID())
	}()

	s.readPump(conn)
}

// readPump drives one connection: reads frames in order and routes
// them. Any protocol violation closes the connection.
func (s *Server) readPump(conn *Conn) {
	var limiter *rate.Limiter
	if s.cfg.RateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(s.cfg.RateLimitRPM)/60.0), rateBurst)
	}

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.Parse(data)
		if err != nil {
			s.log.Warn("protocol error", "conn", conn.ID(), "error", err)
			conn.closeWith(websocket.CloseProtocolError, protocol.CodeProtocolError)
			return
		}

		service := conn.Service()
		if service == "" {
			if frame.Type != protocol.FrameRequest || frame.Method != protocol.MethodRegister {
				s.log.Warn("frame before registration", "conn", conn.ID(), "type", frame.Type, "method", frame.Method)
				if frame.Type == protocol.FrameRequest {
					conn.Enqueue(protocol.NewErrorResponse(frame.ID,
						protocol.NewError(protocol.CodeProtocolError, "connection is not registered")))
				}
				conn.closeWith(websocket.ClosePolicyViolation, protocol.CodeProtocolError)
				return
			}
			s.handleRegister(conn, frame)
			continue
		}

		switch frame.Type {
		case protocol.FrameRequest:
			if frame.Method == protocol.MethodRegister {
				conn.Enqueue(protocol.NewErrorResponse(frame.ID,
					protocol.Errorf(protocol.CodeAlreadyRegistered, "connection already registered as %q", service)))
				continue
			}
			if limiter != nil && !limiter.Allow() {
				conn.Enqueue(protocol.NewErrorResponse(frame.ID,
					protocol.NewError(protocol.CodeBackpressure, "rate limit exceeded")))
				continue
			}
			s.handleRequest(conn, frame)

		case protocol.FrameResponse:
			if !s.dispatch.Settle(frame) {
				s.log.Debug("stale response", "id", frame.ID, "from", service)
			}

		case protocol.FrameEvent:
			s.handleEvent(service, frame)
		}
	}
}

func (s *Server) handleRegister(conn *Conn, frame *protocol.Frame) {
	var reg protocol.ServiceRegistration
	if err := json.Unmarshal(frame.Params, &reg); err != nil {
		conn.Enqueue(protocol.NewErrorResponse(frame.ID,
			protocol.Errorf(protocol.CodeValidation, "malformed registration: %v", err)))
		return
	}
	if err := reg.Validate(); err != nil {
		conn.Enqueue(protocol.NewErrorResponse(frame.ID, err))
		return
	}
	if err := s.registry.Register(&reg, conn); err != nil {
		// Duplicate names are fatal to the connection; a retry with the
		// same name would fail the same way.
		conn.Enqueue(protocol.NewErrorResponse(frame.ID, err))
		conn.closeWith(websocket.ClosePolicyViolation, protocol.CodeAlreadyRegistered)
		return
	}
	conn.setService(reg.Service)

	res, err := protocol.NewResponse(frame.ID, map[string]string{
		"service":  reg.Service,
		"protocol": protocol.Version,
	})
	if err == nil {
		conn.Enqueue(res)
	}
	s.log.Info("service registered",
		"service", reg.Service, "version", reg.Version, "methods", len(reg.Methods))
}

func (s *Server) handleRequest(conn *Conn, frame *protocol.Frame) {
	if frame.Target == "" || frame.Target == GatewayService {
		s.serveLocal(conn, frame)
		return
	}
	s.dispatch.Relay(conn, frame)
}

func (s *Server) serveLocal(conn *Conn, frame *protocol.Frame) {
	h, ok := s.handlers[frame.Method]
	if !ok {
		conn.Enqueue(protocol.NewErrorResponse(frame.ID,
			protocol.Errorf(protocol.CodeValidation, "unknown method %q", frame.Method)))
		return
	}

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	payload, err := h(ctx, conn, frame.Params)
	if err != nil {
		conn.Enqueue(protocol.NewErrorResponse(frame.ID, err))
		return
	}
	res, err := protocol.NewResponse(frame.ID, payload)
	if err != nil {
		conn.Enqueue(protocol.NewErrorResponse(frame.ID,
			protocol.NewError(protocol.CodeInternal, "response not serializable")))
		return
	}
	conn.Enqueue(res)
}

// handleEvent publishes a service's event. The source must be the
// registered name and the event must have been declared; anything else
// is dropped with a log line rather than killing the connection.
func (s *Server) handleEvent(service string, frame *protocol.Frame) {
	if frame.Source != service {
		s.log.Warn("event source mismatch", "service", service, "claimed", frame.Source)
		return
	}
	if !s.registry.Publishes(service, frame.Event) {
		s.log.Warn("undeclared event dropped", "service", service, "event", frame.Event)
		return
	}
	s.bus.Publish(service, frame.Event, frame.Payload)
}
