// Package ingesthttp exposes the gateway's ingestion endpoints.
package ingesthttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kraken-gateway/internal/auth"
	"kraken-gateway/internal/ingest/decode"
	ingest "kraken-gateway/internal/ingest/domain"
	"kraken-gateway/internal/ingest/resolve"
	"kraken-gateway/internal/observability/metrics"
	"kraken-gateway/internal/registry"
	"kraken-gateway/internal/sink"
)

// Reserved query/body keys that carry transport or identity concerns and are
// never persisted as fields.
var reservedKeys = map[string]struct{}{
	"apikey":    {},
	"time":      {},
	"timestamp": {},
	"site_id":   {},
	"data":      {},
}

// NodeIndexer builds the per-site node index consumed by bulk resolution.
type NodeIndexer interface {
	BuildNodeIndex(ctx context.Context, siteID int64) (registry.NodeIndexMap, error)
}

// Handler serves the ingestion surface.
type Handler struct {
	resolver *resolve.Resolver
	nodes    NodeIndexer
	writer   *sink.DualWriter
	store    auth.AccountStore
	logger   *log.Logger
}

// NewHandler constructs the gateway handler.
func NewHandler(resolver *resolve.Resolver, nodes NodeIndexer, writer *sink.DualWriter, store auth.AccountStore, logger *log.Logger) (*Handler, error) {
	if resolver == nil {
		return nil, errors.New("ingesthttp: nil resolver")
	}
	if nodes == nil {
		return nil, errors.New("ingesthttp: nil node indexer")
	}
	if writer == nil {
		return nil, errors.New("ingesthttp: nil writer")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{resolver: resolver, nodes: nodes, writer: writer, store: store, logger: logger}, nil
}

// Register attaches the ingestion routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ping", h.Ping)
	mux.HandleFunc("/input/insert", h.Insert)
	mux.HandleFunc("/input/post.json", h.PostJSON)
	mux.HandleFunc("/input/bulk.json", h.Bulk)
	mux.HandleFunc("/status", h.Status)
}

// Ping answers liveness probes for authenticated callers.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

// Insert ingests a single reading from query parameters.
func (h *Handler) Insert(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	site, err := h.siteFor(r, identity)
	if err != nil {
		http.Error(w, "unknown site", http.StatusForbidden)
		return
	}

	fields := make(map[string]any)
	for key, values := range r.URL.Query() {
		if _, reserved := reservedKeys[strings.ToLower(key)]; reserved || len(values) == 0 {
			continue
		}
		fields[key] = coerceScalar(values[0])
	}

	record := ingest.Record{
		Time:   queryTime(r),
		Site:   site,
		Fields: h.resolver.RemapFields(fields),
	}
	h.writeSingle(w, r, record, "insert", start)
}

// PostJSON ingests a single reading carried as a JSON object in the data
// query parameter.
func (h *Handler) PostJSON(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	site, err := h.siteFor(r, identity)
	if err != nil {
		http.Error(w, "unknown site", http.StatusForbidden)
		return
	}

	var payload map[string]any
	if raw := r.URL.Query().Get("data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			h.logger.Printf("post.json: undecodable data param: %v", err)
			metrics.IncDecodeFailure()
			metrics.ObserveIngest("post.json", metrics.ResultSuccess, time.Since(start))
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "written": 0})
			return
		}
	}

	record := ingest.Record{
		Time:   queryTime(r),
		Site:   site,
		Fields: h.resolver.RemapFields(stripReserved(payload)),
	}
	h.writeSingle(w, r, record, "post.json", start)
}

// Bulk ingests a multi-node batch: decode, per-site node index build, row
// resolution, then one dual-sink write per resolved record. The response is a
// partial-success report; rejected rows never suppress the rest of the batch.
func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	site, err := h.siteFor(r, identity)
	if err != nil {
		http.Error(w, "unknown site", http.StatusForbidden)
		return
	}

	raw, contentEncoding, contentType, err := requestPayload(r)
	if err != nil {
		h.logger.Printf("bulk: read body: %v", err)
		metrics.ObserveIngest("bulk", metrics.ResultError, time.Since(start))
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}

	rows, err := decode.Rows(raw, contentEncoding, contentType)
	if err != nil {
		// A corrupt body downgrades the request to a no-op rather than an
		// error: nothing was written, nothing will be retried differently.
		h.logger.Printf("bulk: decode: %v", err)
		metrics.IncDecodeFailure()
		metrics.ObserveIngest("bulk", metrics.ResultSuccess, time.Since(start))
		writeJSON(w, http.StatusOK, bulkReport{})
		return
	}

	index, err := h.nodes.BuildNodeIndex(r.Context(), site.ID)
	if err != nil {
		h.logger.Printf("bulk: node index for site %d: %v", site.ID, err)
		metrics.ObserveIngest("bulk", metrics.ResultError, time.Since(start))
		http.Error(w, "registry error", http.StatusInternalServerError)
		return
	}

	report := bulkReport{Received: len(rows)}
	for _, result := range h.resolver.Resolve(rows, index, site) {
		if result.Rejection != nil {
			h.logger.Printf("bulk: %s", result.Rejection)
			metrics.IncRow(string(result.Rejection.Reason))
			report.Rejected = append(report.Rejected, *result.Rejection)
			continue
		}
		outcome := h.writer.Write(r.Context(), *result.Record)
		metrics.IncSinkWrite("relational", outcome.Relational)
		metrics.IncSinkWrite("timeseries", outcome.TimeSeries)
		metrics.AddPointsDropped(outcome.PointsDropped)
		if outcome.Failed() {
			report.SinkErrors++
			continue
		}
		metrics.IncRow("written")
		report.Written++
	}

	metrics.ObserveIngest("bulk", metrics.ResultSuccess, time.Since(start))
	writeJSON(w, http.StatusOK, report)
}

// Status records a device heartbeat: the body's fields plus a synthetic
// status=1 presence marker, written to the time-series sink.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	site, err := h.siteFor(r, identity)
	if err != nil {
		http.Error(w, "unknown site", http.StatusForbidden)
		return
	}

	raw, contentEncoding, contentType, err := requestPayload(r)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	payload, err := decode.Object(raw, contentEncoding, contentType)
	if err != nil {
		h.logger.Printf("status: decode: %v", err)
		metrics.IncDecodeFailure()
		metrics.ObserveIngest("status", metrics.ResultSuccess, time.Since(start))
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "written": 0})
		return
	}

	record := ingest.Record{
		Time:   queryTime(r),
		Site:   site,
		Fields: h.resolver.RemapFields(stripReserved(payload)),
	}
	outcome := h.writer.WriteHeartbeat(r.Context(), record)
	metrics.IncSinkWrite("timeseries", outcome.TimeSeries)
	metrics.AddPointsDropped(outcome.PointsDropped)
	if outcome.Failed() {
		metrics.ObserveIngest("status", metrics.ResultError, time.Since(start))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error"})
		return
	}
	metrics.ObserveIngest("status", metrics.ResultSuccess, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "written": outcome.PointsWritten})
}

func (h *Handler) writeSingle(w http.ResponseWriter, r *http.Request, record ingest.Record, endpoint string, start time.Time) {
	outcome := h.writer.Write(r.Context(), record)
	metrics.IncSinkWrite("relational", outcome.Relational)
	metrics.IncSinkWrite("timeseries", outcome.TimeSeries)
	metrics.AddPointsDropped(outcome.PointsDropped)
	if outcome.Failed() {
		metrics.ObserveIngest(endpoint, metrics.ResultError, time.Since(start))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error"})
		return
	}
	metrics.ObserveIngest(endpoint, metrics.ResultSuccess, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "written": outcome.PointsWritten})
}

// siteFor resolves the site a request writes into. Authenticated keys carry
// their own binding; the legacy shared key names the site explicitly and the
// id is verified against the account registry.
func (h *Handler) siteFor(r *http.Request, identity auth.Identity) (ingest.Site, error) {
	if !identity.Shared {
		return identity.Site, nil
	}
	raw := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if raw == "" {
		return ingest.Site{}, auth.ErrUnknownSite
	}
	siteID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ingest.Site{}, auth.ErrUnknownSite
	}
	if h.store == nil {
		return ingest.Site{ID: siteID}, nil
	}
	return h.store.LookupSite(r.Context(), siteID)
}

type bulkReport struct {
	Received   int                `json:"received"`
	Written    int                `json:"written"`
	SinkErrors int                `json:"sink_errors,omitempty"`
	Rejected   []ingest.Rejection `json:"rejected,omitempty"`
}

// requestPayload returns the bulk/status payload bytes with their framing
// headers. A GET with a data query parameter carries plain JSON; otherwise the
// body is used as-is.
func requestPayload(r *http.Request) ([]byte, string, string, error) {
	if raw := r.URL.Query().Get("data"); raw != "" {
		return []byte(raw), "", decode.ContentTypeJSON, nil
	}
	if r.Body == nil {
		return nil, "", "", nil
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", "", err
	}
	return raw, r.Header.Get("Content-Encoding"), r.Header.Get("Content-Type"), nil
}

func queryTime(r *http.Request) time.Time {
	raw := r.URL.Query().Get("time")
	if raw == "" {
		raw = r.URL.Query().Get("timestamp")
	}
	if raw != "" {
		if ts, ok := ingest.Timestamp(raw); ok {
			return ts
		}
	}
	return time.Now().UTC()
}

// stripReserved builds a fresh field map without transport/identity keys. The
// incoming payload is never mutated.
func stripReserved(payload map[string]any) map[string]any {
	fields := make(map[string]any, len(payload))
	for key, value := range payload {
		if _, reserved := reservedKeys[strings.ToLower(key)]; reserved {
			continue
		}
		fields[key] = value
	}
	return fields
}

func coerceScalar(value string) any {
	if parsed, err := strconv.ParseFloat(value, 64); err == nil {
		return parsed
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
