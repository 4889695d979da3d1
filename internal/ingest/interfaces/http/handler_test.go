package ingesthttp

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"kraken-gateway/internal/auth"
	ingest "kraken-gateway/internal/ingest/domain"
	"kraken-gateway/internal/ingest/resolve"
	"kraken-gateway/internal/registry"
	"kraken-gateway/internal/sink"
)

type fakeIndexer struct {
	index registry.NodeIndexMap
	err   error
}

func (f *fakeIndexer) BuildNodeIndex(ctx context.Context, siteID int64) (registry.NodeIndexMap, error) {
	return f.index, f.err
}

type insertedRow struct {
	table  string
	site   ingest.Site
	fields map[string]any
}

type fakeRelational struct {
	rows []insertedRow
	err  error
}

func (f *fakeRelational) InsertRecord(ctx context.Context, record ingest.Record, table string) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, insertedRow{table: table, site: record.Site, fields: record.Fields})
	return nil
}

type fakeTimeSeries struct {
	records []ingest.Record
	err     error
}

func (f *fakeTimeSeries) WritePoints(ctx context.Context, record ingest.Record) (int, int, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.records = append(f.records, record)
	return len(record.Fields), 0, nil
}

type fakeStore struct {
	sites map[int64]ingest.Site
}

func (s *fakeStore) ResolveKey(ctx context.Context, key string) (ingest.Site, error) {
	return ingest.Site{}, auth.ErrUnknownKey
}

func (s *fakeStore) LookupSite(ctx context.Context, siteID int64) (ingest.Site, error) {
	if site, ok := s.sites[siteID]; ok {
		return site, nil
	}
	return ingest.Site{}, auth.ErrUnknownSite
}

type fixture struct {
	handler    *Handler
	relational *fakeRelational
	timeSeries *fakeTimeSeries
	indexer    *fakeIndexer
}

func newFixture(t *testing.T, index registry.NodeIndexMap, aliases map[string]string) *fixture {
	t.Helper()
	relational := &fakeRelational{}
	timeSeries := &fakeTimeSeries{}
	writer, err := sink.NewDualWriter(relational, timeSeries, log.Default(), sink.WithDefaultTable("data_points"))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	indexer := &fakeIndexer{index: index}
	store := &fakeStore{sites: map[int64]ingest.Site{7: {ID: 7, Name: "Kigali Ridge"}}}
	handler, err := NewHandler(resolve.NewResolver(aliases), indexer, writer, store, log.Default())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &fixture{handler: handler, relational: relational, timeSeries: timeSeries, indexer: indexer}
}

func authed(req *http.Request, identity auth.Identity) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

var siteIdentity = auth.Identity{Site: ingest.Site{ID: 7, Name: "Kigali Ridge"}}

func bulkIndex() registry.NodeIndexMap {
	return registry.NodeIndexMap{
		9: {Table: "t1", Columns: []registry.LayoutColumn{
			{Index: 2, Name: "power"},
			{Index: 3, Name: "battery_voltage"},
		}},
		11: {Table: "t2", Columns: []registry.LayoutColumn{
			{Index: 2, Name: "power"},
			{Index: 3, Name: "battery_voltage"},
		}},
	}
}

func decodeReport(t *testing.T, resp *httptest.ResponseRecorder) bulkReport {
	t.Helper()
	var report bulkReport
	if err := json.Unmarshal(resp.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return report
}

func TestBulk_RoutesRowsToPerNodeTables(t *testing.T) {
	f := newFixture(t, bulkIndex(), nil)

	body := `[[121234123,9,16,1137],[2341234,11,17,1437]]`
	req := authed(httptest.NewRequest(http.MethodPost, "/input/bulk.json", bytes.NewBufferString(body)), siteIdentity)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	f.handler.Bulk(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	report := decodeReport(t, resp)
	if report.Received != 2 || report.Written != 2 || len(report.Rejected) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	if len(f.relational.rows) != 2 {
		t.Fatalf("expected 2 relational rows, got %d", len(f.relational.rows))
	}
	first, second := f.relational.rows[0], f.relational.rows[1]
	if first.table != "t1" || first.fields["power"] != float64(16) || first.fields["battery_voltage"] != float64(1137) {
		t.Fatalf("unexpected t1 row %+v", first)
	}
	if second.table != "t2" || second.fields["power"] != float64(17) || second.fields["battery_voltage"] != float64(1437) {
		t.Fatalf("unexpected t2 row %+v", second)
	}
	if first.site.ID != 7 {
		t.Fatalf("site identity must come from auth, got %+v", first.site)
	}
	if len(f.timeSeries.records) != 2 {
		t.Fatalf("expected 2 time-series writes, got %d", len(f.timeSeries.records))
	}
}

func TestBulk_UnmappedNodeNeverWrites(t *testing.T) {
	f := newFixture(t, bulkIndex(), nil)

	body := `[[121234123,42,16,1137]]`
	req := authed(httptest.NewRequest(http.MethodPost, "/input/bulk.json", bytes.NewBufferString(body)), siteIdentity)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	f.handler.Bulk(resp, req)

	report := decodeReport(t, resp)
	if report.Written != 0 || len(report.Rejected) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Rejected[0].Reason != ingest.ReasonUnmappedNode {
		t.Fatalf("unexpected reason %q", report.Rejected[0].Reason)
	}
	if len(f.relational.rows) != 0 || len(f.timeSeries.records) != 0 {
		t.Fatal("rejected row must not reach any sink")
	}
}

func TestBulk_UnmappedNodeDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t, bulkIndex(), nil)

	body := `[[121234123,42,1],[121234124,9,16,1137]]`
	req := authed(httptest.NewRequest(http.MethodPost, "/input/bulk.json", bytes.NewBufferString(body)), siteIdentity)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	f.handler.Bulk(resp, req)

	report := decodeReport(t, resp)
	if report.Written != 1 || len(report.Rejected) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(f.relational.rows) != 1 || f.relational.rows[0].table != "t1" {
		t.Fatalf("expected the mapped row written, got %+v", f.relational.rows)
	}
}

func TestBulk_CorruptBodyIsNoOp(t *testing.T) {
	f := newFixture(t, bulkIndex(), nil)

	req := authed(httptest.NewRequest(http.MethodPost, "/input/bulk.json", bytes.NewBufferString("not gzip")), siteIdentity)
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	f.handler.Bulk(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 no-op, got %d", resp.Code)
	}
	report := decodeReport(t, resp)
	if report.Received != 0 || report.Written != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
	if len(f.relational.rows) != 0 || len(f.timeSeries.records) != 0 {
		t.Fatal("corrupt body must not produce sink writes")
	}
}

func TestBulk_GzipBodyMatchesPlain(t *testing.T) {
	body := `[[121234123,9,16,1137]]`

	plain := newFixture(t, bulkIndex(), nil)
	req := authed(httptest.NewRequest(http.MethodPost, "/input/bulk.json", bytes.NewBufferString(body)), siteIdentity)
	req.Header.Set("Content-Type", "application/json")
	plain.handler.Bulk(httptest.NewRecorder(), req)

	compressed := newFixture(t, bulkIndex(), nil)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(body)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	req = authed(httptest.NewRequest(http.MethodPost, "/input/bulk.json", &buf), siteIdentity)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	compressed.handler.Bulk(httptest.NewRecorder(), req)

	if len(plain.relational.rows) != 1 || len(compressed.relational.rows) != 1 {
		t.Fatalf("expected one row each, got %d/%d", len(plain.relational.rows), len(compressed.relational.rows))
	}
	if plain.relational.rows[0].table != compressed.relational.rows[0].table {
		t.Fatal("gzip framing changed the resolved destination")
	}
	if plain.relational.rows[0].fields["power"] != compressed.relational.rows[0].fields["power"] {
		t.Fatal("gzip framing changed the resolved fields")
	}
}

func TestBulk_DataQueryParam(t *testing.T) {
	f := newFixture(t, bulkIndex(), nil)

	data := url.QueryEscape(`[[121234123,9,16,1137]]`)
	req := authed(httptest.NewRequest(http.MethodGet, "/input/bulk.json?data="+data, nil), siteIdentity)
	resp := httptest.NewRecorder()
	f.handler.Bulk(resp, req)

	report := decodeReport(t, resp)
	if report.Written != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestBulk_SharedKeyTakesSiteFromRequest(t *testing.T) {
	f := newFixture(t, bulkIndex(), nil)

	data := url.QueryEscape(`[[121234123,9,16,1137]]`)
	req := authed(
		httptest.NewRequest(http.MethodGet, "/input/bulk.json?site_id=7&data="+data, nil),
		auth.Identity{Shared: true},
	)
	resp := httptest.NewRecorder()
	f.handler.Bulk(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if len(f.relational.rows) != 1 || f.relational.rows[0].site.Name != "Kigali Ridge" {
		t.Fatalf("expected site resolved from registry, got %+v", f.relational.rows)
	}
}

func TestBulk_SharedKeyUnknownSiteForbidden(t *testing.T) {
	f := newFixture(t, bulkIndex(), nil)

	req := authed(
		httptest.NewRequest(http.MethodGet, "/input/bulk.json?site_id=999", nil),
		auth.Identity{Shared: true},
	)
	resp := httptest.NewRecorder()
	f.handler.Bulk(resp, req)

	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestBulk_RegistryErrorFailsRequest(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.indexer.err = errors.New("registry down")

	body := `[[121234123,9,16]]`
	req := authed(httptest.NewRequest(http.MethodPost, "/input/bulk.json", bytes.NewBufferString(body)), siteIdentity)
	resp := httptest.NewRecorder()
	f.handler.Bulk(resp, req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func TestInsert_StripsReservedKeysAndRemaps(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"pwr": "power"})

	req := authed(
		httptest.NewRequest(http.MethodGet, "/input/insert?apikey=secret&time=1500000000&pwr=42&soc=55.5", nil),
		siteIdentity,
	)
	resp := httptest.NewRecorder()
	f.handler.Insert(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(f.relational.rows) != 1 {
		t.Fatalf("expected one insert, got %d", len(f.relational.rows))
	}
	row := f.relational.rows[0]
	if row.table != "data_points" {
		t.Fatalf("expected default table, got %q", row.table)
	}
	if row.fields["power"] != 42.0 || row.fields["soc"] != 55.5 {
		t.Fatalf("unexpected fields %v", row.fields)
	}
	if _, ok := row.fields["apikey"]; ok {
		t.Fatal("reserved key persisted")
	}
	if _, ok := row.fields["time"]; ok {
		t.Fatal("time param persisted as field")
	}
}

func TestInsert_SinkFailureReturns500(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.relational.err = errors.New("insert failed")

	req := authed(httptest.NewRequest(http.MethodGet, "/input/insert?soc=55", nil), siteIdentity)
	resp := httptest.NewRecorder()
	f.handler.Insert(resp, req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func TestPostJSON(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"pwr": "power"})

	data := url.QueryEscape(`{"pwr": 42, "inverter_state": "on"}`)
	req := authed(
		httptest.NewRequest(http.MethodGet, "/input/post.json?time=1500000000&data="+data, nil),
		siteIdentity,
	)
	resp := httptest.NewRecorder()
	f.handler.PostJSON(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	row := f.relational.rows[0]
	if row.fields["power"] != 42.0 || row.fields["inverter_state"] != "on" {
		t.Fatalf("unexpected fields %v", row.fields)
	}
}

func TestStatus_AppendsStatusFieldAndSkipsRelational(t *testing.T) {
	f := newFixture(t, nil, nil)

	req := authed(
		httptest.NewRequest(http.MethodPost, "/status", bytes.NewBufferString(`{"battery_voltage": 12.8}`)),
		siteIdentity,
	)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	f.handler.Status(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if len(f.relational.rows) != 0 {
		t.Fatal("heartbeat must not write the relational sink")
	}
	if len(f.timeSeries.records) != 1 {
		t.Fatalf("expected one heartbeat write, got %d", len(f.timeSeries.records))
	}
	if f.timeSeries.records[0].Fields["status"] != 1 {
		t.Fatalf("expected synthetic status field, got %v", f.timeSeries.records[0].Fields)
	}
}

func TestStatus_RejectsNonPost(t *testing.T) {
	f := newFixture(t, nil, nil)

	req := authed(httptest.NewRequest(http.MethodGet, "/status", nil), siteIdentity)
	resp := httptest.NewRecorder()
	f.handler.Status(resp, req)

	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t, nil, nil)

	req := authed(httptest.NewRequest(http.MethodGet, "/ping", nil), siteIdentity)
	resp := httptest.NewRecorder()
	f.handler.Ping(resp, req)

	if resp.Body.String() != "pong" {
		t.Fatalf("expected pong, got %q", resp.Body.String())
	}
}
