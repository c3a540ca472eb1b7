package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stupiduntilnot/pollbot/internal/db"
)

// Event represents a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var (
		dbPath    string
		eventID   int64
		maxDepth  int
		jsonOut   bool
		noPayload bool
	)

	fs := flag.NewFlagSet("event-tree", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&dbPath, "db", envOrDefault("POLLBOT_DB_PATH", "./state/pollbot.db"), "SQLite database path")
	fs.Int64Var(&eventID, "id", 0, "show subtree of a specific event ID")
	fs.IntVar(&maxDepth, "L", 0, "limit display depth, 0 for unlimited; cut nodes show a hidden count")
	fs.BoolVar(&jsonOut, "json", false, "output JSON format")
	fs.BoolVar(&noPayload, "no-payload", false, "hide payload details")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	conn, err := sql.Open("sqlite3", dbPath+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		fmt.Fprintf(stderr, "open db: %v\n", err)
		return 1
	}
	defer conn.Close()

	if err := conn.Ping(); err != nil {
		fmt.Fprintf(stderr, "ping db: %v\n", err)
		return 1
	}

	rootID := eventID
	if rootID == 0 {
		rootID, err = latestRoot(conn)
		if err != nil {
			fmt.Fprintf(stderr, "find root: %v\n", err)
			return 1
		}
	}

	events, err := querySubtree(conn, rootID)
	if err != nil {
		fmt.Fprintf(stderr, "query subtree: %v\n", err)
		return 1
	}

	root := buildTree(events, rootID)
	if root == nil {
		fmt.Fprintf(stderr, "event %d not found\n", rootID)
		return 1
	}

	if jsonOut {
		if err := printJSON(stdout, root, maxDepth, noPayload); err != nil {
			fmt.Fprintf(stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}
	printTree(stdout, root, maxDepth, noPayload)
	return 0
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// latestRoot finds the most recent supervisor process.started event, or the
// most recent worker one when the worker ran without a supervisor.
func latestRoot(conn *sql.DB) (int64, error) {
	for _, role := range []string{"supervisor", "worker"} {
		var id int64
		err := conn.QueryRow(
			`SELECT id FROM events WHERE event_type = 'process.started'
			 AND json_extract(payload, '$.role') = ?
			 ORDER BY id DESC LIMIT 1`, role,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		return id, err
	}
	return 0, fmt.Errorf("no process.started event found")
}

// querySubtree returns all events in the subtree rooted at rootID using a recursive CTE.
func querySubtree(conn *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := conn.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// buildTree organizes a flat list of events into a tree rooted at rootID.
func buildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}

	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}

	return byID[rootID]
}

// treePrinter renders events as an indented tree. Nodes at maxDepth
// report how many descendants were cut instead of printing them.
type treePrinter struct {
	w         io.Writer
	maxDepth  int
	noPayload bool
}

func printTree(w io.Writer, root *Event, maxDepth int, noPayload bool) {
	p := treePrinter{w: w, maxDepth: maxDepth, noPayload: noPayload}
	p.node(root, "", "", 1)
}

func (p treePrinter) node(ev *Event, indent, branch string, depth int) {
	line := indent + branch + formatEvent(ev, p.noPayload)
	if p.maxDepth > 0 && depth >= p.maxDepth {
		if n := countDescendants(ev); n > 0 {
			line += fmt.Sprintf("  (+%d hidden)", n)
		}
		fmt.Fprintln(p.w, line)
		return
	}
	fmt.Fprintln(p.w, line)

	childIndent := indent
	switch branch {
	case "├── ":
		childIndent += "│   "
	case "└── ":
		childIndent += "    "
	}
	for i, child := range ev.Children {
		b := "├── "
		if i == len(ev.Children)-1 {
			b = "└── "
		}
		p.node(child, childIndent, b, depth+1)
	}
}

func countDescendants(ev *Event) int {
	n := len(ev.Children)
	for _, c := range ev.Children {
		n += countDescendants(c)
	}
	return n
}

// formatEvent renders "[id] time  type  details". Poller events get a
// compact batch summary; other payloads print as sorted key=value pairs.
func formatEvent(ev *Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)
	if noPayload {
		return line
	}
	payload := decodePayload(ev.Payload)
	if len(payload) == 0 {
		return line
	}
	return line + "  " + describe(ev.EventType, payload)
}

func describe(eventType string, m map[string]any) string {
	get := func(k string) string { return payloadString(m[k]) }
	switch eventType {
	case db.EventBatchFetched:
		return fmt.Sprintf("batch=%s updates=%s ids=%s..%s",
			get("batch_id"), get("size"), get("first_update_id"), get("last_update_id"))
	case db.EventOffsetStored:
		return fmt.Sprintf("batch=%s offset=%s", get("batch_id"), get("offset"))
	case db.EventStopRequested:
		return fmt.Sprintf("batch=%s update=%s", get("batch_id"), get("update_id"))
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+payloadString(m[k]))
	}
	return strings.Join(parts, " ")
}

func decodePayload(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(raw.String))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}

const maxValueLen = 60

// payloadString prints numbers as stored and quotes strings that contain
// spaces or were shortened.
func payloadString(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case json.Number:
		return val.String()
	case string:
		if r := []rune(val); len(r) > maxValueLen {
			return strconv.Quote(string(r[:maxValueLen]) + "…")
		}
		if strings.ContainsAny(val, " \t\n") {
			return strconv.Quote(val)
		}
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

type jsonEvent struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Hidden    int            `json:"hidden,omitempty"`
	Children  []jsonEvent    `json:"children,omitempty"`
}

func toJSONEvent(ev *Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if !noPayload {
		je.Payload = decodePayload(ev.Payload)
	}
	if maxDepth > 0 && depth >= maxDepth {
		je.Hidden = countDescendants(ev)
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

func printJSON(w io.Writer, root *Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload))
}
