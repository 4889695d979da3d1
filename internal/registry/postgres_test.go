package registry

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestBuildNodeIndex(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT node_id, sensor_type`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"node_id", "sensor_type"}).
			AddRow(9, "victron_bmv").
			AddRow(11, "victron_bmv"))

	mock.ExpectQuery(`SELECT \* FROM victron_bmv WHERE node_id`).
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"node_id", "data_table", "index1", "index2", "index3"}).
			AddRow(9, "t1", "power", "battery_voltage", nil))

	mock.ExpectQuery(`SELECT \* FROM victron_bmv WHERE node_id`).
		WithArgs(11).
		WillReturnRows(sqlmock.NewRows([]string{"node_id", "data_table", "index1", "index2", "index3"}).
			AddRow(11, "t2", "power", "battery_voltage", "soc"))

	client, err := NewClient(db)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	index, err := client.BuildNodeIndex(context.Background(), 7)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}

	if len(index) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(index))
	}

	nine := index[9]
	if nine.Table != "t1" {
		t.Fatalf("expected table t1, got %q", nine.Table)
	}
	// index1 maps to raw field 2 (after timestamp and node id); the NULL
	// index3 terminates the scan.
	want := []LayoutColumn{{Index: 2, Name: "power"}, {Index: 3, Name: "battery_voltage"}}
	if len(nine.Columns) != len(want) {
		t.Fatalf("expected %d columns, got %v", len(want), nine.Columns)
	}
	for i, column := range want {
		if nine.Columns[i] != column {
			t.Fatalf("column %d: expected %+v, got %+v", i, column, nine.Columns[i])
		}
	}

	eleven := index[11]
	if eleven.Table != "t2" || len(eleven.Columns) != 3 {
		t.Fatalf("node 11 resolved wrong: %+v", eleven)
	}
	if eleven.Columns[2] != (LayoutColumn{Index: 4, Name: "soc"}) {
		t.Fatalf("unexpected third column: %+v", eleven.Columns[2])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestBuildNodeIndex_NoRegistrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT node_id, sensor_type`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"node_id", "sensor_type"}))

	client, err := NewClient(db)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	index, err := client.BuildNodeIndex(context.Background(), 3)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("expected empty index, got %v", index)
	}
}

func TestBuildNodeIndex_NodeWithoutLayoutRowIsAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT node_id, sensor_type`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"node_id", "sensor_type"}).
			AddRow(5, "victron_bmv"))

	mock.ExpectQuery(`SELECT \* FROM victron_bmv WHERE node_id`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"node_id", "data_table", "index1"}))

	client, err := NewClient(db)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	index, err := client.BuildNodeIndex(context.Background(), 7)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	if _, ok := index[5]; ok {
		t.Fatalf("expected node 5 absent, got %v", index)
	}
}

func TestBuildNodeIndex_RejectsUnsafeSensorType(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT node_id, sensor_type`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"node_id", "sensor_type"}).
			AddRow(5, "bad;drop table"))

	client, err := NewClient(db)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.BuildNodeIndex(context.Background(), 7); err == nil {
		t.Fatal("expected error for unsafe sensor type")
	}
}
