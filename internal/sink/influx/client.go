// Package influx implements the time-series sink over the InfluxDB v1 HTTP
// line-protocol API. Each scalar field of a record becomes one point:
// measurement = field name, tags = site identity, value = the numeric field.
package influx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	ingest "kraken-gateway/internal/ingest/domain"
)

// Client writes points to an InfluxDB-compatible endpoint.
type Client struct {
	http     *resty.Client
	database string
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithCredentials sets basic credentials for the write API.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) {
		if username != "" {
			c.http.SetBasicAuth(username, password)
		}
	}
}

// WithTimeout overrides the default request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.http.SetTimeout(timeout)
		}
	}
}

// NewClient constructs a time-series sink.
func NewClient(baseURL, database string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("influx: empty base url")
	}
	if database == "" {
		return nil, errors.New("influx: empty database")
	}
	client := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(10 * time.Second),
		database: database,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// EnsureDatabase creates the target database when it does not exist yet.
func (c *Client) EnsureDatabase(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("q", fmt.Sprintf("CREATE DATABASE %q", c.database)).
		Post("/query")
	if err != nil {
		return fmt.Errorf("influx: ensure database: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("influx: ensure database: http %d", resp.StatusCode())
	}
	return nil
}

// WritePoints writes one point per scalar field. A field whose value cannot
// coerce to a number drops only that point; the rest of the record persists.
func (c *Client) WritePoints(ctx context.Context, record ingest.Record) (int, int, error) {
	if record.Time.IsZero() {
		return 0, 0, errors.New("influx: record without timestamp")
	}

	tags := fmt.Sprintf(",site_id=%s", escapeTag(strconv.FormatInt(record.Site.ID, 10)))
	if record.Site.Name != "" {
		tags += ",site_name=" + escapeTag(record.Site.Name)
	}
	timestamp := strconv.FormatInt(record.Time.UnixNano(), 10)

	names := make([]string, 0, len(record.Fields))
	for name := range record.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var dropped int
	lines := make([]string, 0, len(names))
	for _, name := range names {
		value, ok := ingest.Float(record.Fields[name])
		if !ok {
			dropped++
			continue
		}
		lines = append(lines, fmt.Sprintf(
			"%s%s value=%s %s",
			escapeMeasurement(name),
			tags,
			strconv.FormatFloat(value, 'f', -1, 64),
			timestamp,
		))
	}
	if len(lines) == 0 {
		return 0, dropped, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"db": c.database, "precision": "ns"}).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetBody(strings.Join(lines, "\n")).
		Post("/write")
	if err != nil {
		return 0, dropped, fmt.Errorf("influx: write: %w", err)
	}
	if resp.IsError() {
		return 0, dropped, fmt.Errorf("influx: write: http %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return len(lines), dropped, nil
}

func escapeMeasurement(value string) string {
	value = strings.ReplaceAll(value, ",", `\,`)
	return strings.ReplaceAll(value, " ", `\ `)
}

func escapeTag(value string) string {
	value = strings.ReplaceAll(value, ",", `\,`)
	value = strings.ReplaceAll(value, "=", `\=`)
	return strings.ReplaceAll(value, " ", `\ `)
}
