package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperstack/kbsync/internal/types"
)

func TestIndexingClient_CreateKnowledgeBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/knowledge_bases" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-123" {
			t.Errorf("got auth header %q", got)
		}
		var spec KnowledgeBaseSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			t.Errorf("decode spec: %v", err)
		}
		if spec.Name != "my-kb" || len(spec.ResourceIDs) != 2 {
			t.Errorf("got spec %+v", spec)
		}
		json.NewEncoder(w).Encode(types.KnowledgeBase{ID: "kb-1", Name: spec.Name})
	}))
	defer srv.Close()

	c := NewIndexingClient(srv.URL, "key-123", time.Second)
	kb, err := c.CreateKnowledgeBase(context.Background(), KnowledgeBaseSpec{
		Name:        "my-kb",
		ResourceIDs: []string{"f1", "d1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if kb.ID != "kb-1" {
		t.Errorf("got id %q, want kb-1", kb.ID)
	}
}

func TestIndexingClient_ListKBResourcesRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]types.FileRecord{
			{ID: "f1", Name: "a.md", Type: types.ResourceFile, Status: types.StatusIndexed},
		})
	}))
	defer srv.Close()

	c := NewIndexingClient(srv.URL, "key", time.Second)
	records, err := c.ListKBResources(context.Background(), "kb-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].ID != "f1" {
		t.Errorf("got %+v", records)
	}
	if calls.Load() != 3 {
		t.Errorf("got %d calls, want 3", calls.Load())
	}
}

func TestIndexingClient_ListKBResourcesGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewIndexingClient(srv.URL, "key", time.Second)
	if _, err := c.ListKBResources(context.Background(), "kb-1"); err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	// Initial attempt plus three retries.
	if calls.Load() != 4 {
		t.Errorf("got %d calls, want 4", calls.Load())
	}
}

func TestIndexingClient_ListKBResourcesSafeSwallowsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewIndexingClient(srv.URL, "key", time.Second)
	if records := c.ListKBResourcesSafe(context.Background(), "kb-1", "/docs"); records != nil {
		t.Errorf("got %+v, want nil", records)
	}
}

func TestIndexingClient_DeleteKBResourceEncodesPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewIndexingClient(srv.URL, "key", time.Second)
	if err := c.DeleteKBResource(context.Background(), "kb-1", "/docs/my file.md"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if gotPath != "resource_path=%2Fdocs%2Fmy+file.md" {
		t.Errorf("got query %q", gotPath)
	}
}

func TestFileSourceClient_ListResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("resource_id") {
		case "":
			json.NewEncoder(w).Encode([]types.FileRecord{{ID: "root-file"}})
		case "d1":
			json.NewEncoder(w).Encode([]types.FileRecord{{ID: "child"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewFileSourceClient(srv.URL, "key", time.Second)

	root, err := c.ListResources(context.Background(), "")
	if err != nil || len(root) != 1 || root[0].ID != "root-file" {
		t.Errorf("root listing: %+v err=%v", root, err)
	}

	children, err := c.ListResources(context.Background(), "d1")
	if err != nil || len(children) != 1 || children[0].ID != "child" {
		t.Errorf("folder listing: %+v err=%v", children, err)
	}
}

func TestDoJSON_ErrorIncludesBodyExcerpt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewIndexingClient(srv.URL, "key", time.Second)
	err := c.SyncKnowledgeBase(context.Background(), "kb-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "403") || !strings.Contains(got, "quota exceeded") {
		t.Errorf("error %q missing status or body excerpt", got)
	}
}
