package http_srv

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/webitel/wlog"

	"github.com/webitel/ffmpeg_batch/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	chi.Router

	Addr     string
	host     string
	port     int
	log      *wlog.Logger
	srv      *http.Server
	listener net.Listener
}

// New provides a new HTTP server listening on addr. Handlers mount their
// routes on the embedded router before Listen.
func New(addr string, log *wlog.Logger) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	h, p, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return nil, err
	}

	port, _ := strconv.Atoi(p)

	if h == "::" || h == "0.0.0.0" {
		h = publicAddr()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer, requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	return &Server{
		Router:   r,
		Addr:     addr,
		host:     h,
		port:     port,
		log:      log,
		listener: l,
		srv: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Listen() error {
	if err := s.srv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) Shutdown() error {
	s.log.Debug("receive shutdown http")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.srv.Shutdown(ctx)
	if cerr := s.listener.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}

	return err
}

func (s *Server) Host() string {
	if e, ok := os.LookupEnv("PROXY_HTTP_HOST"); ok {
		return e
	}

	return s.host
}

func (s *Server) Port() int {
	return s.port
}

func publicAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, i := range ifaces {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			default:
				continue
			}

			if isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	return ""
}

func isPublicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() {
		return false
	}

	return true
}

func requestLogger(log *wlog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			l := log.With(wlog.String("method", r.Method), wlog.String("path", r.URL.Path), wlog.Int("status", ww.Status()))
			duration := wlog.Float64("duration_ms", float64(time.Since(start).Microseconds())/float64(1000))

			if ww.Status() >= http.StatusInternalServerError {
				l.Error(fmt.Sprintf("[%d] %s %s", ww.Status(), r.Method, r.URL.Path), duration)
			} else {
				l.Debug(fmt.Sprintf("[%d] %s %s", ww.Status(), r.Method, r.URL.Path), duration)
			}
		})
	}
}
