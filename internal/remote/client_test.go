package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tilldesk/tilldesk/internal/record"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(&Config{
		BaseURL: srv.URL,
		Token: func(context.Context) (string, error) {
			return "test-token", nil
		},
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	return client, srv
}

func TestList(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/v1/products" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("tenant_id"); got != "shop-1" {
			t.Errorf("tenant_id = %q", got)
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"collection": []map[string]interface{}{
				{
					"id":              "p-1",
					"tenant_id":       "shop-1",
					"created_at":      time.Now().UTC(),
					"updated_at":      time.Now().UTC(),
					"locally_created": true, // backend must not be able to dirty the replica
				},
			},
		})
	}))

	recs, err := client.List(context.Background(), "shop-1", record.CollectionProducts)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Collection != record.CollectionProducts {
		t.Errorf("collection not stamped: %q", recs[0].Collection)
	}
	if recs[0].Dirty() {
		t.Error("remote record arrived with local flags set")
	}
}

func TestCreateReturnsAuthoritativeRecord(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}

		var rec record.Record
		_ = json.NewDecoder(r.Body).Decode(&rec)

		// Backend assigns the canonical timestamps.
		rec.UpdatedAt = time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"record": rec})
	}))

	now := time.Now().UTC()
	rec := &record.Record{
		ID:             "s-1",
		TenantID:       "shop-1",
		Collection:     record.CollectionSales,
		CreatedAt:      now,
		UpdatedAt:      now,
		LocallyCreated: true,
	}

	got, err := client.Create(context.Background(), rec)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got.ID != "s-1" {
		t.Errorf("id = %q", got.ID)
	}
	if got.Dirty() {
		t.Error("authoritative result must have flags cleared")
	}
	if !got.UpdatedAt.Equal(time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("updated_at not taken from backend: %v", got.UpdatedAt)
	}
}

func TestBackendRejection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "price must be positive"})
	}))

	now := time.Now().UTC()
	_, err := client.Create(context.Background(), &record.Record{
		ID: "p-1", TenantID: "shop-1", Collection: record.CollectionProducts,
		CreatedAt: now, UpdatedAt: now,
	})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", apiErr.Status)
	}
	if apiErr.Message != "price must be positive" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestDelete(t *testing.T) {
	var called int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/api/v1/products/p-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.Delete(context.Background(), "shop-1", record.CollectionProducts, "p-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if atomic.LoadInt32(&called) != 1 {
		t.Error("backend not called")
	}
}

func TestOnlineCachesVerdict(t *testing.T) {
	var pings int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			atomic.AddInt32(&pings, 1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(&Config{BaseURL: srv.URL, OnlineTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !client.Online(ctx) {
			t.Fatal("expected online verdict")
		}
	}
	if got := atomic.LoadInt32(&pings); got != 1 {
		t.Errorf("pinged %d times within TTL, want 1", got)
	}

	// A request failure forgets the cached verdict; the next check
	// re-probes right away and finds the live server again.
	client.MarkOffline()
	if !client.Online(ctx) {
		t.Error("expected online verdict after re-probe")
	}
	if got := atomic.LoadInt32(&pings); got != 2 {
		t.Errorf("pinged %d times after MarkOffline, want 2", got)
	}
}

func TestOnlineUnreachableBackend(t *testing.T) {
	client, err := NewClient(&Config{BaseURL: "http://127.0.0.1:1", OnlineTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if client.Online(context.Background()) {
		t.Error("expected offline verdict for unreachable backend")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	events := make(chan Event, 4)

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/subscribe" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("collection"); got != "products" {
			t.Errorf("collection = %q", got)
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}

		frame, _ := json.Marshal(Event{
			Type: EventUpdate,
			NewValue: &record.Record{
				ID: "p-1", TenantID: "shop-1", Collection: "products",
				CreatedAt: now, UpdatedAt: now,
			},
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, frame)

		// Hold the connection open until the client closes it.
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	client, err := NewClient(&Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	closed := make(chan error, 1)
	ch, err := client.Subscribe(context.Background(), "shop-1", "products",
		func(e Event) { events <- e },
		func(err error) { closed <- err },
	)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != EventUpdate || e.Record() == nil || e.Record().ID != "p-1" {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	ch.Close()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("deliberate close reported error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("close callback never fired")
	}
}

func TestEventRecordSelection(t *testing.T) {
	oldRec := &record.Record{ID: "p-1"}
	newRec := &record.Record{ID: "p-1"}

	if got := (&Event{Type: EventDelete, OldValue: oldRec}).Record(); got != oldRec {
		t.Error("delete event should yield old value")
	}
	if got := (&Event{Type: EventInsert, NewValue: newRec}).Record(); got != newRec {
		t.Error("insert event should yield new value")
	}
}
