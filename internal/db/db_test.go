package db

import (
	"database/sql"
	"encoding/json"
	"testing"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := InitSchema(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitSchema(t *testing.T) {
	db := testDB(t)

	tables := map[string]bool{}
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('events','offsets','supervisor_state')`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		tables[name] = true
	}

	for _, want := range []string{"events", "offsets", "supervisor_state"} {
		if !tables[want] {
			t.Errorf("table %q not created", want)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := InitSchema(db); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestOpenDB_CreatesParentDir(t *testing.T) {
	path := t.TempDir() + "/nested/dir/state.db"
	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	db.Close()
}

func TestLogEvent_Basic(t *testing.T) {
	db := testDB(t)

	id1, err := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "supervisor", "pid": 123})
	if err != nil {
		t.Fatal(err)
	}
	if id1 <= 0 {
		t.Errorf("expected positive id, got %d", id1)
	}

	id2, err := LogEvent(db, nil, EventBatchFetched, map[string]any{"size": 2})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("expected id2 > id1, got %d <= %d", id2, id1)
	}

	var ts int64
	if err := db.QueryRow(`SELECT timestamp FROM events WHERE id = ?`, id1).Scan(&ts); err != nil {
		t.Fatal(err)
	}
	if ts == 0 {
		t.Error("expected non-zero timestamp")
	}

	var payloadStr string
	if err := db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id1).Scan(&payloadStr); err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		t.Fatalf("invalid payload JSON: %v", err)
	}
	if payload["role"] != "supervisor" {
		t.Errorf("expected role=supervisor, got %v", payload["role"])
	}
}

func TestLogEvent_WithParent(t *testing.T) {
	db := testDB(t)

	parentID, err := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "worker"})
	if err != nil {
		t.Fatal(err)
	}
	childID, err := LogEvent(db, &parentID, EventBatchFetched, map[string]any{"size": 1})
	if err != nil {
		t.Fatal(err)
	}

	var storedParent int64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, childID).Scan(&storedParent); err != nil {
		t.Fatal(err)
	}
	if storedParent != parentID {
		t.Errorf("expected parent_id=%d, got %d", parentID, storedParent)
	}

	var nullParent sql.NullInt64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, parentID).Scan(&nullParent); err != nil {
		t.Fatal(err)
	}
	if nullParent.Valid {
		t.Errorf("expected NULL parent_id for root event, got %d", nullParent.Int64)
	}
}

func TestLogEvent_NilPayload(t *testing.T) {
	db := testDB(t)

	id, err := LogEvent(db, nil, EventProcessStopped, nil)
	if err != nil {
		t.Fatal(err)
	}

	var payload sql.NullString
	if err := db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Valid {
		t.Errorf("expected NULL payload, got %q", payload.String)
	}
}

func TestState_GetSet(t *testing.T) {
	db := testDB(t)

	v, err := GetState(db, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("expected empty value, got %q", v)
	}

	if err := SetState(db, "k", "one"); err != nil {
		t.Fatal(err)
	}
	if err := SetState(db, "k", "two"); err != nil {
		t.Fatal(err)
	}
	v, err = GetState(db, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v != "two" {
		t.Errorf("expected two, got %q", v)
	}
}

func TestNextWorkerInstanceID(t *testing.T) {
	db := testDB(t)

	for _, want := range []string{"W000001", "W000002", "W000003"} {
		got, err := NextWorkerInstanceID(db)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

func TestNextWorkerInstanceID_CorruptSeq(t *testing.T) {
	db := testDB(t)
	if err := SetState(db, "worker_instance_seq", "abc"); err != nil {
		t.Fatal(err)
	}
	if _, err := NextWorkerInstanceID(db); err == nil {
		t.Fatal("expected error for corrupt sequence")
	}
}
