package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"billcal/internal/config"
	appLog "billcal/internal/log"
	"billcal/internal/model"
	"billcal/internal/pipeline"
	"billcal/internal/report"
)

const (
	// maxUploadBytes bounds ICS payloads posted to the API.
	maxUploadBytes = 32 << 20

	// reportCacheTTL applies to on-demand builds when no scheduler report
	// is available.
	reportCacheTTL = 30 * time.Second

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// LatestReporter supplies the most recent scheduled report.
type LatestReporter interface {
	Latest() (*report.Report, error)
}

// Server exposes billing reports and spreadsheet exports over HTTP.
type Server struct {
	cfg     *config.Config
	builder *pipeline.Builder
	latest  LatestReporter
	mux     *http.ServeMux

	// In-memory cache for on-demand builds to avoid redundant
	// fetch/parse/classify work on every HTTP request.
	reportMu    sync.RWMutex
	reportCache *reportCache
}

type reportCache struct {
	report    *report.Report
	updatedAt time.Time
}

// NewServer constructs a new Server. latest may be nil, in which case
// reports are built on demand.
func NewServer(cfg *config.Config, builder *pipeline.Builder, latest LatestReporter) *Server {
	s := &Server{
		cfg:     cfg,
		builder: builder,
		latest:  latest,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return requestLogMiddleware(h)
}

const requestIDHeader = "X-Request-ID"

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogMiddleware tags every response with a request id (kept from the
// client when present) and logs the request at debug level.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)

		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		appLog.Debug("http request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"took", time.Since(started).Round(time.Millisecond).String(),
		)
	})
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="billcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/report", s.handleReport)
	s.mux.HandleFunc("POST /api/classify", s.handleClassify)
	s.mux.HandleFunc("GET /api/export/projects.xlsx", s.handleExport(exportProjects))
	s.mux.HandleFunc("POST /api/export/projects.xlsx", s.handleExport(exportProjects))
	s.mux.HandleFunc("GET /api/export/events.xlsx", s.handleExport(exportEvents))
	s.mux.HandleFunc("POST /api/export/events.xlsx", s.handleExport(exportEvents))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReport returns the current report for the configured sources.
//
// GET /api/report?billable=ALPHA,-Z
//   - billable: per-request billability overrides on top of the config
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.currentReport(r.Context())
	if err != nil {
		s.writeBuildError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportResponse(rep, s.billability(r)))
}

// handleClassify classifies an uploaded ICS payload (request body).
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.reportFromBody(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newReportResponse(rep, s.billability(r)))
}

type exportKind int

const (
	exportProjects exportKind = iota
	exportEvents
)

// handleExport streams an .xlsx workbook. GET exports the current report;
// POST exports the ICS payload in the request body.
func (s *Server) handleExport(kind exportKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rep *report.Report
		if r.Method == http.MethodPost {
			var ok bool
			if rep, ok = s.reportFromBody(w, r); !ok {
				return
			}
		} else {
			var err error
			if rep, err = s.currentReport(r.Context()); err != nil {
				s.writeBuildError(w, err)
				return
			}
		}

		opts := report.ExportOptions{
			Location:    s.cfg.Location(),
			Billability: s.billability(r),
		}

		var (
			buf  bytes.Buffer
			err  error
			name string
		)
		switch kind {
		case exportEvents:
			name = "events"
			err = report.WriteEventsWorkbook(&buf, rep, opts)
		default:
			name = "projects"
			err = report.WriteProjectsWorkbook(&buf, rep, opts)
		}
		if err != nil {
			appLog.Error("api export failed", err, "kind", name)
			writeError(w, http.StatusInternalServerError, "failed to build workbook")
			return
		}

		filename := fmt.Sprintf("billcal-%s-%s.xlsx", name, rep.GeneratedAt.In(opts.Location).Format("20060102-1504"))
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}
}

func (s *Server) billability(r *http.Request) report.Billability {
	b := s.cfg.Billability()
	if v := r.URL.Query().Get("billable"); v != "" {
		b = b.With(report.ParseOverrides(v))
	}
	return b
}

// currentReport prefers the scheduler's report and otherwise builds on
// demand with a short-lived cache.
func (s *Server) currentReport(ctx context.Context) (*report.Report, error) {
	if s.latest != nil {
		if rep, _ := s.latest.Latest(); rep != nil {
			return rep, nil
		}
	}

	s.reportMu.RLock()
	rc := s.reportCache
	s.reportMu.RUnlock()
	if rc != nil && time.Since(rc.updatedAt) < reportCacheTTL {
		return rc.report, nil
	}

	rep, err := s.builder.Build(ctx)
	if err != nil {
		return nil, err
	}

	s.reportMu.Lock()
	s.reportCache = &reportCache{report: rep, updatedAt: time.Now()}
	s.reportMu.Unlock()
	return rep, nil
}

func (s *Server) reportFromBody(w http.ResponseWriter, r *http.Request) (*report.Report, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	rep, err := s.builder.FromICS(body)
	if err != nil {
		appLog.Warn("api classify rejected payload", "reason", err.Error(), "bytes", len(body))
		writeError(w, http.StatusBadRequest, "invalid ICS payload: "+err.Error())
		return nil, false
	}
	return rep, true
}

func (s *Server) writeBuildError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrNoSources) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	appLog.Error("api report build failed", err)
	writeError(w, http.StatusBadGateway, "failed to build report")
}

// reportResponse is the JSON response shape for /api/report and
// /api/classify.
type reportResponse struct {
	GeneratedAt   time.Time          `json:"generated_at"`
	SpanStart     time.Time          `json:"span_start"`
	SpanEnd       time.Time          `json:"span_end"`
	Stats         model.DatasetStats `json:"stats"`
	Projects      []projectDTO       `json:"projects"`
	Occurrences   []occurrenceDTO    `json:"occurrences"`
	TruncatedUIDs []string           `json:"truncated_uids,omitempty"`
}

type projectDTO struct {
	model.ProjectSummary
	Billable bool `json:"billable"`
}

// occurrenceDTO is a JSON-friendly view of a classified occurrence.
type occurrenceDTO struct {
	ID             string     `json:"id"`
	UID            string     `json:"uid"`
	RecurrenceID   string     `json:"recurrence_id,omitempty"`
	SourceType     string     `json:"source_type"`
	Summary        string     `json:"summary"`
	Project        string     `json:"project"`
	Organizer      string     `json:"organizer,omitempty"`
	Start          time.Time  `json:"start"`
	End            time.Time  `json:"end"`
	Status         string     `json:"status,omitempty"`
	BusyStatus     string     `json:"busy_status,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	Classification string     `json:"classification"`
	Duration       int        `json:"duration_minutes"`
	Billable       int        `json:"billable_minutes"`
	Reported       int        `json:"reported_billable_minutes"`
}

func newReportResponse(rep *report.Report, b report.Billability) reportResponse {
	resp := reportResponse{
		GeneratedAt:   rep.GeneratedAt,
		SpanStart:     rep.SpanStart,
		SpanEnd:       rep.SpanEnd,
		Stats:         rep.Stats,
		Projects:      make([]projectDTO, 0, len(rep.Summaries)),
		Occurrences:   make([]occurrenceDTO, 0, len(rep.Occurrences)),
		TruncatedUIDs: rep.TruncatedUIDs,
	}
	for _, s := range rep.Summaries {
		resp.Projects = append(resp.Projects, projectDTO{ProjectSummary: s, Billable: b.IsBillable(s.ProjectCode)})
	}
	for _, o := range rep.Occurrences {
		resp.Occurrences = append(resp.Occurrences, occurrenceDTO{
			ID:             o.ID,
			UID:            o.UID,
			RecurrenceID:   o.RecurrenceID,
			SourceType:     string(o.SourceType),
			Summary:        o.Summary,
			Project:        o.ProjectLabel(),
			Organizer:      report.NormalizeOrganizerEmail(o.Organizer),
			Start:          o.Start,
			End:            o.End,
			Status:         o.Status,
			BusyStatus:     o.BusyStatus,
			CancelledAt:    report.CancelledAt(o),
			Classification: string(o.Classification),
			Duration:       o.DurationMinutes,
			Billable:       o.BillableMinutes,
			Reported:       b.BillableMinutes(o),
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
