package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/cost"
	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/monitoring"
	"github.com/sells-group/docflow/internal/pipeline"
	"github.com/sells-group/docflow/internal/resilience"
	"github.com/sells-group/docflow/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept documents over HTTP and process them continuously",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Pipeline.Recover(ctx); err != nil {
			_ = env.Pipeline.Close()
			return err
		}

		runErr := make(chan error, 1)
		go func() { runErr <- env.Pipeline.Run(ctx) }()

		if checker := newChecker(env); checker != nil {
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: buildMux(apiDeps{
				Pipeline: env.Pipeline,
				Store:    env.Store,
				Tracker:  env.Tracker,
				Breakers: env.Breakers,
				Costs:    env.Costs,
			}, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-runErr
			return eris.Wrap(err, "server listen")
		}

		return <-runErr
	},
}

// newChecker returns the health alert loop, or nil when no webhook is
// configured.
func newChecker(env *appEnv) *monitoring.Checker {
	if cfg.Monitoring.WebhookURL == "" {
		return nil
	}
	collector := monitoring.NewCollector(env.Pipeline, env.Store, env.Breakers).WithSpend(env.Costs)
	return monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

// submitter is the part of the pipeline the HTTP API drives.
type submitter interface {
	Submit(ctx context.Context, doc model.DocumentRef, override model.Priority) (string, error)
	Stats() model.Counters
	Running() int64
	Depths() map[model.Priority]int
}

var (
	_ submitter         = (*pipeline.Pipeline)(nil)
	_ monitoring.Source = (*pipeline.Pipeline)(nil)
)

type submitRequest struct {
	Document model.DocumentRef `json:"document"`
	Priority string            `json:"priority,omitempty"`
}

type statsResponse struct {
	Counters model.Counters             `json:"counters"`
	Running  int64                      `json:"running"`
	Queued   map[model.Priority]int     `json:"queued"`
	Circuits []resilience.CircuitStatus `json:"circuits,omitempty"`
	Spend    map[string]cost.Spend      `json:"spend,omitempty"`
}

// apiDeps is what the HTTP API reads from. Any field may be nil; the
// endpoints that need it then answer 503, and /stats omits what it lacks.
type apiDeps struct {
	Pipeline submitter
	Store    store.Store
	Tracker  *extract.Tracker
	Breakers *resilience.Breakers
	Costs    *cost.Calculator
}

// buildMux wires the HTTP API.
func buildMux(deps apiDeps, origins []string) http.Handler {
	p, st, tracker, breakers := deps.Pipeline, deps.Store, deps.Tracker, deps.Breakers
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/documents", func(w http.ResponseWriter, req *http.Request) {
		if p == nil {
			writeError(w, http.StatusServiceUnavailable, "pipeline not available")
			return
		}
		var body submitRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Document.ID == "" {
			writeError(w, http.StatusBadRequest, "document.id is required")
			return
		}
		prio, err := model.ParsePriority(body.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		id, err := p.Submit(req.Context(), body.Document, prio)
		if errors.Is(err, pipeline.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, "pipeline is shutting down")
			return
		}
		if err != nil {
			zap.L().Error("submit document failed", zap.String("document_id", body.Document.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "submit failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":      "accepted",
			"item_id":     id,
			"document_id": body.Document.ID,
		})
	})

	r.Get("/items/{id}", func(w http.ResponseWriter, req *http.Request) {
		if tracker == nil {
			writeError(w, http.StatusServiceUnavailable, "tracking not available")
			return
		}
		ev, ok := tracker.Get(chi.URLParam(req, "id"))
		if !ok {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		writeJSON(w, http.StatusOK, ev)
	})

	r.Get("/records/{docID}", func(w http.ResponseWriter, req *http.Request) {
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "store not available")
			return
		}
		docID := chi.URLParam(req, "docID")
		var (
			rec *model.ConsolidatedRecord
			err error
		)
		if v := req.URL.Query().Get("version"); v != "" {
			version, convErr := strconv.Atoi(v)
			if convErr != nil || version <= 0 {
				writeError(w, http.StatusBadRequest, "version must be a positive integer")
				return
			}
			rec, err = st.GetRecordVersion(req.Context(), docID, version)
		} else {
			rec, err = st.GetRecord(req.Context(), docID)
		}
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		if err != nil {
			zap.L().Error("get record failed", zap.String("document_id", docID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	r.Get("/records/{docID}/versions", func(w http.ResponseWriter, req *http.Request) {
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "store not available")
			return
		}
		versions, err := st.ListVersions(req.Context(), chi.URLParam(req, "docID"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if len(versions) == 0 {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string][]int{"versions": versions})
	})

	r.Get("/archive", func(w http.ResponseWriter, req *http.Request) {
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "store not available")
			return
		}
		q := req.URL.Query()
		filter := store.ArchiveFilter{
			State:      model.ItemState(q.Get("state")),
			DocumentID: q.Get("document_id"),
		}
		filter.Limit, _ = strconv.Atoi(q.Get("limit"))
		filter.Offset, _ = strconv.Atoi(q.Get("offset"))
		items, err := st.ListArchived(req.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if items == nil {
			items = []model.WorkItem{}
		}
		writeJSON(w, http.StatusOK, items)
	})

	r.Post("/circuits/{stream}/reset", func(w http.ResponseWriter, req *http.Request) {
		if breakers == nil {
			writeError(w, http.StatusServiceUnavailable, "circuit breakers not available")
			return
		}
		stream := chi.URLParam(req, "stream")
		if !breakers.Reset(stream) {
			writeError(w, http.StatusNotFound, "no circuit for stream "+stream)
			return
		}
		zap.L().Info("serve: circuit reset", zap.String("stream", stream))
		writeJSON(w, http.StatusOK, map[string]string{"stream": stream, "state": resilience.CircuitClosed.String()})
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		if p == nil {
			writeError(w, http.StatusServiceUnavailable, "pipeline not available")
			return
		}
		resp := statsResponse{Counters: p.Stats(), Running: p.Running(), Queued: p.Depths()}
		if breakers != nil {
			resp.Circuits = breakers.Statuses()
		}
		if deps.Costs != nil {
			resp.Spend = deps.Costs.Totals()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&freshStart, "fresh", false, "discard unfinished work in the checkpoint instead of resuming it")
	rootCmd.AddCommand(serveCmd)
}
