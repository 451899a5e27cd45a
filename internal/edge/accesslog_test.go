package edge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAccessLogEntry(t *testing.T) {
	var buf bytes.Buffer
	al := newAccessLogger(&buf, newClassifier("harmony"))
	h := al.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("hello"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/messages?cursor=5", nil)
	req.Header.Set("Origin", "https://localhost:2289")
	req.Header.Set("Sec-WebSocket-Protocol", "harmony-v1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry accessEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	if _, err := uuid.Parse(entry.ID); err != nil {
		t.Fatalf("id %q is not a uuid: %v", entry.ID, err)
	}
	if _, err := time.Parse(time.RFC3339Nano, entry.Time); err != nil {
		t.Fatalf("ts %q: %v", entry.Time, err)
	}
	if entry.Method != http.MethodPost || entry.Path != "/api/messages" {
		t.Fatalf("logged %s %s", entry.Method, entry.Path)
	}
	if entry.Class != "forward" || !entry.WebSocket {
		t.Fatalf("class = %q ws = %v, want a tagged forward", entry.Class, entry.WebSocket)
	}
	if entry.Origin != "https://localhost:2289" {
		t.Fatalf("origin = %q", entry.Origin)
	}
	if entry.Status != http.StatusAccepted || entry.Bytes != 5 {
		t.Fatalf("status = %d bytes = %d, want 202 and 5", entry.Status, entry.Bytes)
	}
}

func TestAccessLogPreflight(t *testing.T) {
	var buf bytes.Buffer
	al := newAccessLogger(&buf, newClassifier("harmony"))
	h := al.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodOptions, "/api/x", nil))

	var entry accessEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry.Class != "preflight" {
		t.Fatalf("class = %q, want preflight", entry.Class)
	}
	if entry.Status != http.StatusOK || entry.Bytes != 0 {
		t.Fatalf("status = %d bytes = %d, want an empty 200", entry.Status, entry.Bytes)
	}
	if entry.WebSocket {
		t.Fatal("untagged preflight logged as websocket")
	}
}

func TestStatusWriterDefaults(t *testing.T) {
	var buf bytes.Buffer
	al := newAccessLogger(&buf, newClassifier(""))
	h := al.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("implicit"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	var entry accessEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Status != http.StatusOK {
		t.Fatalf("implicit write logged status %d, want 200", entry.Status)
	}
}
