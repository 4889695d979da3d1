package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const defaultNodesTable = "sensor_nodes"

// Registrations are declared in one table; each sensor type then has its own
// table holding one row per node with numbered index columns (index1, index2,
// ...) naming that node's fields in raw-row order, plus an optional data_table
// column naming the relational destination.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Client reads sensor registrations from Postgres and builds node indexes.
type Client struct {
	db         *sql.DB
	nodesTable string
	timeout    time.Duration
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithNodesTable overrides the registrations table name.
func WithNodesTable(table string) ClientOption {
	return func(c *Client) {
		if table != "" {
			c.nodesTable = table
		}
	}
}

// WithTimeout bounds each index build. Zero disables the bound.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// NewClient constructs a registry client.
func NewClient(db *sql.DB, opts ...ClientOption) (*Client, error) {
	if db == nil {
		return nil, errors.New("registry: nil db")
	}
	client := &Client{db: db, nodesTable: defaultNodesTable, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// BuildNodeIndex fetches every registration for the site and resolves each
// node's field layout from its sensor-type table. The result is request-local;
// callers must not retain it across requests.
func (c *Client) BuildNodeIndex(ctx context.Context, siteID int64) (NodeIndexMap, error) {
	if c == nil || c.db == nil {
		return nil, errors.New("registry: nil db")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	query := fmt.Sprintf(`
SELECT node_id, sensor_type
FROM %s
WHERE site_id = $1
ORDER BY node_id ASC`, c.nodesTable)

	rows, err := c.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, fmt.Errorf("registry: list nodes: %w", err)
	}
	defer rows.Close()

	type registration struct {
		nodeID     int
		sensorType string
	}
	var registrations []registration
	for rows.Next() {
		var reg registration
		if err := rows.Scan(&reg.nodeID, &reg.sensorType); err != nil {
			return nil, fmt.Errorf("registry: scan node: %w", err)
		}
		registrations = append(registrations, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list nodes: %w", err)
	}

	index := make(NodeIndexMap, len(registrations))
	for _, reg := range registrations {
		layout, err := c.nodeLayout(ctx, reg.sensorType, reg.nodeID)
		if err != nil {
			return nil, err
		}
		if layout != nil {
			index[reg.nodeID] = *layout
		}
	}
	return index, nil
}

// nodeLayout loads the node's row from its sensor-type table and scans the
// numbered index columns into a layout. Index i (1-based) maps to raw-row
// field i+1, skipping the timestamp and node id slots. A missing or empty
// indexN terminates the scan; a registration whose table has no row for the
// node yields no layout.
func (c *Client) nodeLayout(ctx context.Context, sensorType string, nodeID int) (*FieldLayout, error) {
	table := strings.ToLower(strings.TrimSpace(sensorType))
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("registry: invalid sensor type %q", sensorType)
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE node_id = $1 LIMIT 1`, table)
	rows, err := c.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("registry: load %s layout: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("registry: %s columns: %w", table, err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("registry: load %s layout: %w", table, err)
		}
		return nil, nil
	}

	values := make([]any, len(columns))
	targets := make([]any, len(columns))
	for i := range values {
		targets[i] = &values[i]
	}
	if err := rows.Scan(targets...); err != nil {
		return nil, fmt.Errorf("registry: scan %s layout: %w", table, err)
	}

	byName := make(map[string]any, len(columns))
	for i, name := range columns {
		byName[strings.ToLower(name)] = values[i]
	}

	layout := FieldLayout{Table: asString(byName["data_table"])}
	for i := 1; ; i++ {
		value, ok := byName["index"+strconv.Itoa(i)]
		if !ok {
			break
		}
		name := asString(value)
		if name == "" {
			break
		}
		layout.Columns = append(layout.Columns, LayoutColumn{Index: i + 1, Name: name})
	}
	if len(layout.Columns) == 0 {
		return nil, nil
	}
	return &layout, nil
}

func asString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	default:
		return ""
	}
}
