package smoke

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/patjackson52/hilt/internal/api"
	"github.com/patjackson52/hilt/internal/review"
	"github.com/patjackson52/hilt/internal/store"
)

// TestSmoke wires the router against the in-memory store and walks the pull
// delivery path: create, approve, pull the event, ack it.
func TestSmoke(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.PutSource(store.SourceRecord{
		SourceID:     "src1",
		Name:         "smoke-agent",
		DeliveryMode: store.DeliveryPull,
		CreatedAt:    "2026-01-01T00:00:00Z",
		UpdatedAt:    "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("put source: %v", err)
	}

	log := zap.NewNop()
	router := api.NewRouter(&api.Handler{
		Service: review.NewService(st, log),
		Store:   st,
		Log:     log,
	}, api.NewGuard(st, log))

	srv := httptest.NewServer(router)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", res.StatusCode)
	}

	taskID := createTask(t, srv.URL)
	decide(t, srv.URL, taskID)
	eventID := pullEvent(t, srv.URL)
	ack(t, srv.URL, eventID)

	// The feed drains after the ack.
	if id := pullEventOptional(t, srv.URL); id != "" {
		t.Fatalf("expected drained feed, got event %s", id)
	}
}

func createTask(t *testing.T, baseURL string) string {
	t.Helper()

	body := bytes.NewBufferString(`{
  "source_id": "src1",
  "blocks": [{"id": "b1", "kind": "text", "text": "hello", "editable": true}]
}`)
	res, err := http.Post(baseURL+"/v1/tasks", "application/json", body)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d", res.StatusCode)
	}

	var payload struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.TaskID == "" || payload.Status != store.StatusPending {
		t.Fatalf("unexpected task: %+v", payload)
	}
	return payload.TaskID
}

func decide(t *testing.T, baseURL, taskID string) {
	t.Helper()

	body := bytes.NewBufferString(`{"decision": "approve"}`)
	res, err := http.Post(baseURL+"/v1/tasks/"+taskID+"/decision", "application/json", body)
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision status: %d", res.StatusCode)
	}
}

func pullEvent(t *testing.T, baseURL string) string {
	t.Helper()

	id := pullEventOptional(t, baseURL)
	if id == "" {
		t.Fatal("expected one pending event")
	}
	return id
}

func pullEventOptional(t *testing.T, baseURL string) string {
	t.Helper()

	res, err := http.Get(baseURL + "/v1/sources/src1/events")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("pull status: %d", res.StatusCode)
	}

	var payload struct {
		Events []struct {
			EventID string `json:"event_id"`
		} `json:"events"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Events) == 0 {
		return ""
	}
	return payload.Events[0].EventID
}

func ack(t *testing.T, baseURL, eventID string) {
	t.Helper()

	res, err := http.Post(baseURL+"/v1/events/"+eventID+"/ack", "application/json", nil)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("ack status: %d", res.StatusCode)
	}
}
