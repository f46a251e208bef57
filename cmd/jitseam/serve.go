package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/dispatch"
	"github.com/tinyrange/jitseam/internal/metadata"
	"github.com/tinyrange/jitseam/internal/metrics"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := addCommonFlags(fs)
	addr := fs.String("addr", "", "listen address (default: metrics.addr from the configuration)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `jitseam serve - expose metrics and method invocation over HTTP

USAGE:
  jitseam serve [flags] <assembly.yaml>

FLAGS:
  -addr ADDR   Listen address (default :9464)
  -config F    Configuration file
  -jit-only    Never consult AOT images
  -aot-only    Never compile just in time

ENDPOINTS:
  GET /metrics                               Prometheus metrics
  GET /invoke?method=Calc::Add&arg=3&arg=4   {"result":"7","strategy":"jit"}
`)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	if *addr == "" {
		*addr = cfg.Metrics.Addr
	}

	reg := prom.NewRegistry()
	mt := metrics.New()
	if err := mt.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	s, err := newStack(cfg, logger, mt)
	if err != nil {
		return err
	}
	defer s.Close()
	a, err := s.load(fs.Arg(0))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newServeMux(s, a, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving", "addr", *addr, "assembly", a.Name, "strategies", s.table.Strategies())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

type invokeResponse struct {
	Method   string `json:"method"`
	Result   string `json:"result,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newServeMux(s *stack, a *metadata.Assembly, reg *prom.Registry, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/invoke", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		resp := invokeResponse{Method: q.Get("method")}
		status := http.StatusOK

		m, err := a.FindMethod(resp.Method)
		if err != nil {
			resp.Error, status = err.Error(), http.StatusNotFound
			writeJSON(w, status, resp)
			return
		}
		values, err := parseArgs(m.Signature, q["arg"])
		if err != nil {
			resp.Error, status = err.Error(), http.StatusBadRequest
			writeJSON(w, status, resp)
			return
		}
		var flags compiler.Flags
		if q.Get("debug") != "" {
			flags |= compiler.FlagDebug
		}

		v, strategy, err := s.invoke(r.Context(), m, flags, values)
		switch {
		case errors.Is(err, dispatch.ErrNotPrepared):
			resp.Error, status = err.Error(), http.StatusUnprocessableEntity
		case err != nil:
			resp.Error, status = err.Error(), http.StatusInternalServerError
			logger.Warn("invoke failed", "method", resp.Method, "err", err)
		default:
			resp.Result = formatResult(m.Signature.Return, v)
			resp.Strategy = strategy
		}
		writeJSON(w, status, resp)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
