package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/patjackson52/hilt/internal/review"
	"github.com/patjackson52/hilt/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.PutSource(store.SourceRecord{
		SourceID:       "src1",
		Name:           "agent",
		DeliveryMode:   store.DeliveryBoth,
		WebhookEnabled: true,
		WebhookURL:     "http://example.com/hook",
		CreatedAt:      "2026-01-01T00:00:00Z",
		UpdatedAt:      "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("put source: %v", err)
	}

	log := zap.NewNop()
	h := &Handler{Service: review.NewService(st, log), Store: st, Log: log}
	return NewRouter(h, NewGuard(st, log)), st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const createBody = `{
  "source_id": "src1",
  "blocks": [{"id": "b1", "kind": "text", "text": "Hello World", "editable": true}]
}`

func createTask(t *testing.T, handler http.Handler) taskResponse {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/v1/tasks", createBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: status %d body %s", rec.Code, rec.Body.String())
	}
	var task taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return task
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	handler, st := newTestServer(t)
	task := createTask(t, handler)

	if task.Status != store.StatusPending {
		t.Fatalf("expected pending task, got %s", task.Status)
	}

	rec := doJSON(t, handler, http.MethodPut, "/v1/tasks/"+task.TaskID+"/blocks",
		`{"blocks": [{"id": "b1", "kind": "text", "text": "Hello Universe", "editable": true}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update blocks: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/tasks/"+task.TaskID+"/decision",
		`{"decision": "approve", "actor": "alice"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("decision: status %d body %s", rec.Code, rec.Body.String())
	}
	var decided taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &decided); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decided.Status != store.StatusApproved || decided.Diff == nil {
		t.Fatalf("unexpected decided task: %+v", decided)
	}

	// Double decision surfaces as a conflict, never silently succeeds.
	rec = doJSON(t, handler, http.MethodPost, "/v1/tasks/"+task.TaskID+"/decision",
		`{"decision": "deny"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double decision, got %d", rec.Code)
	}

	events, err := st.ListUndeliveredBySource("src1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one outbox event, got %d", len(events))
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/tasks/"+task.TaskID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get task: status %d", rec.Code)
	}
}

func TestCreateTask_BadRequests(t *testing.T) {
	handler, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"broken json", `{"source_id"`, http.StatusBadRequest},
		{"unknown source", `{"source_id": "nope", "blocks": [{"id": "b1", "kind": "text"}]}`, http.StatusNotFound},
		{"no blocks", `{"source_id": "src1", "blocks": []}`, http.StatusBadRequest},
	}

	for _, tc := range cases {
		rec := doJSON(t, handler, http.MethodPost, "/v1/tasks", tc.body, nil)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestGetTask_NotFound(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodGet, "/v1/tasks/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPullAndAck(t *testing.T) {
	handler, st := newTestServer(t)
	task := createTask(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/v1/tasks/"+task.TaskID+"/decision", `{"decision": "approve"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("decision: %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/sources/src1/events", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list events: %d body %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Events []eventResponse `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(listed.Events))
	}
	eventID := listed.Events[0].EventID

	rec = doJSON(t, handler, http.MethodPost, "/v1/events/"+eventID+"/ack", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack: %d body %s", rec.Code, rec.Body.String())
	}
	ev, _ := st.GetEvent(eventID)
	if !ev.Delivered {
		t.Fatal("ack did not mark event delivered")
	}
	attempts := ev.AttemptCount

	// Second ack is a no-op: delivered stays true, attempts untouched.
	rec = doJSON(t, handler, http.MethodPost, "/v1/events/"+eventID+"/ack", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second ack: %d", rec.Code)
	}
	ev, _ = st.GetEvent(eventID)
	if !ev.Delivered || ev.AttemptCount != attempts {
		t.Fatalf("double ack mutated event: %+v", ev)
	}

	// An acked event no longer shows up on the pull feed.
	rec = doJSON(t, handler, http.MethodGet, "/v1/sources/src1/events", "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Events) != 0 {
		t.Fatalf("expected drained feed, got %d events", len(listed.Events))
	}

	// Pull ack must not advance the task; dispatch is the dispatcher's job.
	got, _ := st.GetTask(task.TaskID)
	if got.Status != store.StatusApproved {
		t.Fatalf("ack advanced task status to %s", got.Status)
	}
}

func TestPull_LimitIsCapped(t *testing.T) {
	handler, st := newTestServer(t)
	for i := 0; i < 120; i++ {
		if err := st.PutEvent(store.EventRecord{
			EventID:     fmt.Sprintf("ev-%03d", i),
			TaskID:      "t1",
			SourceID:    "src1",
			Kind:        "approve",
			PayloadJSON: []byte(`{}`),
			CreatedAt:   fmt.Sprintf("2026-01-01T00:00:%02dZ", i%60),
		}); err != nil {
			t.Fatalf("put event: %v", err)
		}
	}

	rec := doJSON(t, handler, http.MethodGet, "/v1/sources/src1/events?limit=5000", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list events: %d body %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Events []eventResponse `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Events) != 100 {
		t.Fatalf("expected the page capped at 100 events, got %d", len(listed.Events))
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/sources/src1/events?limit=-1", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rec.Code)
	}
}

func TestPull_PushOnlySourceRejected(t *testing.T) {
	handler, st := newTestServer(t)
	if err := st.PutSource(store.SourceRecord{
		SourceID:     "push-only",
		DeliveryMode: store.DeliveryPush,
		CreatedAt:    "2026-01-01T00:00:00Z",
		UpdatedAt:    "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("put source: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/v1/sources/push-only/events", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/sources/missing/events", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAck_UnknownEvent(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodPost, "/v1/events/ghost/ack", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
