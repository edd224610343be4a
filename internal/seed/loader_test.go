package seed

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type copyCall struct {
	table   string
	columns []string
	rows    [][]string
}

type fakeSession struct {
	present   map[string]bool
	failTable string
	// failBatch is the zero-based COPY of failTable that fails.
	failBatch int
	copies    []copyCall
	committed bool
	rolled    bool
	closed    int
	closeErr  error
}

func newFakeSession(missing ...string) *fakeSession {
	s := &fakeSession{present: map[string]bool{}}
	for _, name := range TableNames() {
		s.present[name] = true
	}
	for _, name := range missing {
		delete(s.present, name)
	}
	return s
}

func (s *fakeSession) TableExists(_ context.Context, table string) (bool, error) {
	return s.present[table], nil
}

func (s *fakeSession) CopyCSV(_ context.Context, table string, columns []string, r io.Reader) (int64, error) {
	if table == s.failTable {
		done := 0
		for _, c := range s.copies {
			if c.table == table {
				done++
			}
		}
		if done == s.failBatch {
			return 0, errors.New("disk full")
		}
	}
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return 0, err
	}
	s.copies = append(s.copies, copyCall{table: table, columns: columns, rows: records})
	return int64(len(records)), nil
}

func (s *fakeSession) Commit(context.Context) error {
	s.committed = true
	return nil
}

func (s *fakeSession) Rollback(context.Context) error {
	s.rolled = true
	return nil
}

func (s *fakeSession) Close(context.Context) error {
	s.closed++
	return s.closeErr
}

type fakeConnector struct {
	session *fakeSession
	err     error
}

func (c *fakeConnector) Connect(context.Context) (Session, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

func newTestLoader(session *fakeSession) *Loader {
	l := NewLoader(&fakeConnector{session: session}, discardLogger())
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return l
}

func TestLoadMissingTablesAbortsBeforeLoad(t *testing.T) {
	session := newFakeSession("bronze.products_raw", "bronze.payments_raw")
	_, err := newTestLoader(session).Load(context.Background(), Options{RowsPerTable: 10, BatchSize: 5})

	var missing *MissingTablesError
	if !errors.As(err, &missing) || !errors.Is(err, ErrMissingTables) {
		t.Fatalf("expected MissingTablesError, got %v", err)
	}
	if want := []string{"bronze.products_raw", "bronze.payments_raw"}; !reflect.DeepEqual(missing.Tables, want) {
		t.Fatalf("missing = %v, want %v", missing.Tables, want)
	}
	if !strings.Contains(err.Error(), "bronze.products_raw, bronze.payments_raw") {
		t.Fatalf("message does not enumerate tables: %q", err.Error())
	}
	if len(session.copies) != 0 || session.committed {
		t.Fatalf("load attempted despite missing tables")
	}
	if session.closed != 1 {
		t.Fatalf("session closed %d times", session.closed)
	}
}

func TestLoadRollsBackWhenAnyTableFails(t *testing.T) {
	session := newFakeSession()
	session.failTable = "bronze.orders_raw"
	session.failBatch = 1
	_, err := newTestLoader(session).Load(context.Background(), Options{RowsPerTable: 10, BatchSize: 5})

	if err == nil || !strings.Contains(err.Error(), "disk full") || !strings.Contains(err.Error(), "orders_raw") {
		t.Fatalf("expected original failure with table, got %v", err)
	}
	if session.committed {
		t.Fatalf("transaction committed after failure")
	}
	if !session.rolled {
		t.Fatalf("transaction not rolled back")
	}
	if session.closed != 1 {
		t.Fatalf("session closed %d times", session.closed)
	}
	var loaded []string
	for _, c := range session.copies {
		if len(loaded) == 0 || loaded[len(loaded)-1] != c.table {
			loaded = append(loaded, c.table)
		}
	}
	want := []string{"bronze.customers_raw", "bronze.products_raw", "bronze.product_variants_raw", "bronze.orders_raw"}
	if !reflect.DeepEqual(loaded, want) {
		t.Fatalf("copied tables = %v, want %v", loaded, want)
	}
	last := session.copies[len(session.copies)-1]
	if last.table != "bronze.orders_raw" || len(last.rows) != 5 {
		t.Fatalf("expected the first orders_raw batch copied before failure, got %s with %d rows", last.table, len(last.rows))
	}
	if len(session.copies) != 3*2+1 {
		t.Fatalf("expected 7 copies before failure, got %d", len(session.copies))
	}
}

func TestLoadCommitsAllTables(t *testing.T) {
	session := newFakeSession()
	loader := newTestLoader(session)
	var ids []uuid.UUID
	loader.newBatchID = func() uuid.UUID {
		id := uuid.New()
		ids = append(ids, id)
		return id
	}

	summary, err := loader.Load(context.Background(), Options{RowsPerTable: 12, BatchSize: 5, Seed: 7})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !session.committed || session.rolled || session.closed != 1 {
		t.Fatalf("unexpected session state: %+v", session)
	}
	if len(summary.Tables) != 7 || summary.Rows() != 7*12 {
		t.Fatalf("summary = %+v", summary)
	}
	for _, ts := range summary.Tables {
		if ts.Batches != 3 || ts.Rows != 12 {
			t.Fatalf("table summary = %+v", ts)
		}
	}
	if len(ids) != 21 {
		t.Fatalf("expected one batch id per batch, got %d", len(ids))
	}

	first := session.copies[0]
	if first.table != "bronze.customers_raw" {
		t.Fatalf("first table = %s", first.table)
	}
	if len(first.columns) != 12 || first.columns[6] != "_ingested_at" {
		t.Fatalf("columns = %v", first.columns)
	}
	for _, row := range first.rows {
		if len(row) != len(first.columns) {
			t.Fatalf("row width %d != %d", len(row), len(first.columns))
		}
		if row[7] != SourceTag || row[8] != ids[0].String() || row[9] != "I" || row[11] != "false" {
			t.Fatalf("audit columns = %v", row[6:])
		}
		if row[6] == "" || row[10] == "" {
			t.Fatalf("audit timestamps missing: %v", row[6:])
		}
	}
}

func TestLoadRejectsBadOptions(t *testing.T) {
	session := newFakeSession()
	if _, err := newTestLoader(session).Load(context.Background(), Options{RowsPerTable: 10, BatchSize: -1}); err == nil {
		t.Fatalf("expected batch size error")
	}
	if _, err := newTestLoader(session).Load(context.Background(), Options{RowsPerTable: -5}); err == nil {
		t.Fatalf("expected row count error")
	}
	if session.closed != 0 {
		t.Fatalf("connected despite invalid options")
	}
}

func TestLoadConnectFailure(t *testing.T) {
	boom := errors.New("connection refused")
	loader := NewLoader(&fakeConnector{err: boom}, discardLogger())
	if _, err := loader.Load(context.Background(), Options{}); !errors.Is(err, boom) {
		t.Fatalf("expected connect error, got %v", err)
	}
}

func TestLoadReportsCloseError(t *testing.T) {
	session := newFakeSession()
	session.closeErr = errors.New("broken pipe")
	_, err := newTestLoader(session).Load(context.Background(), Options{RowsPerTable: 1, BatchSize: 1})
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("expected close error, got %v", err)
	}
}

func TestCheckTables(t *testing.T) {
	session := newFakeSession("bronze.shipments_raw")
	err := newTestLoader(session).CheckTables(context.Background())
	var missing *MissingTablesError
	if !errors.As(err, &missing) || !reflect.DeepEqual(missing.Tables, []string{"bronze.shipments_raw"}) {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.closed != 1 || len(session.copies) != 0 {
		t.Fatalf("unexpected session state: %+v", session)
	}
	if err := newTestLoader(newFakeSession()).CheckTables(context.Background()); err != nil {
		t.Fatalf("all present: %v", err)
	}
}

type fakeDDL struct {
	executed []string
	present  map[string]bool
	closed   bool
}

func (f *fakeDDL) Exec(_ context.Context, sql string) error {
	f.executed = append(f.executed, sql)
	for _, name := range TableNames() {
		if strings.Contains(sql, name+" (") {
			f.present[name] = true
		}
	}
	return nil
}

func (f *fakeDDL) TableExists(_ context.Context, table string) (bool, error) {
	return f.present[table], nil
}

func (f *fakeDDL) Close(context.Context) error {
	f.closed = true
	return nil
}

func TestCreateTables(t *testing.T) {
	ddl := &fakeDDL{present: map[string]bool{}}
	if err := CreateTables(context.Background(), ddl, discardLogger()); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	if len(ddl.executed) != 1 || !strings.Contains(ddl.executed[0], "CREATE SCHEMA IF NOT EXISTS bronze") {
		t.Fatalf("ddl = %v", ddl.executed)
	}
	if !ddl.closed {
		t.Fatalf("ddl session not closed")
	}
}

func TestCopyStatement(t *testing.T) {
	got := copyStatement("bronze.orders_raw", []string{"order_id", "_op"})
	want := `COPY "bronze"."orders_raw" ("order_id", "_op") FROM STDIN WITH (FORMAT csv, NULL '')`
	if got != want {
		t.Fatalf("copy statement\n got %s\nwant %s", got, want)
	}
}

func TestEncodeCSV(t *testing.T) {
	id := uuid.MustParse("6f1c2f5e-8d0a-4b7e-9c55-0a4f3f3b2a10")
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	err := EncodeCSV(&buf, [][]any{
		{1, "a,b", nil, true, ts, id, int64(9)},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `1,"a,b",,true,2024-01-02T03:04:05Z,6f1c2f5e-8d0a-4b7e-9c55-0a4f3f3b2a10,9` + "\n"
	if buf.String() != want {
		t.Fatalf("csv = %q, want %q", buf.String(), want)
	}
	if err := EncodeCSV(&buf, [][]any{{3.5}}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}
