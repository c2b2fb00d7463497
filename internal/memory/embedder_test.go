package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEmbedderClient(t *testing.T) {
	var gotAuth, gotPath string
	var gotReq embeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(srv.URL, "sk-test", "text-embedding-3-small", time.Second)
	v, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(v) != 3 || v[0] != 0.1 {
		t.Errorf("vector = %v", v)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotPath != "/v1/embeddings" {
		t.Errorf("path = %q", gotPath)
	}
	if gotReq.Model != "text-embedding-3-small" || gotReq.Input != "hello world" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestEmbedderClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewEmbedder(srv.URL, "", "m", time.Second)
	if _, err := e.Embed(context.Background(), "hi"); err == nil {
		t.Error("expected error on http 429")
	}
	if _, err := e.Embed(context.Background(), "   "); err == nil {
		t.Error("expected error on empty text")
	}
	if _, err := NewEmbedder("", "", "m", 0).Embed(context.Background(), "hi"); err == nil {
		t.Error("expected error on missing base url")
	}
}

func TestStoreSearchUsesEmbedder(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		// "likes tea" and the query "tea" map to the same direction, the
		// other text to an orthogonal one.
		vec := []float32{0, 1, 0}
		if req.Input == "likes tea" || req.Input == "tea" {
			vec = []float32{1, 0, 0}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vec}},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(srv.URL, "k", "m", time.Second)
	s := NewStore("s", 50, 10, 10, WithEmbedder(e, 3))
	ctx := context.Background()
	if err := s.Add(ctx, AddParams{Text: "likes tea"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, AddParams{Text: "owns a bike"}); err != nil {
		t.Fatal(err)
	}

	got := s.Search(ctx, "tea", SearchOptions{Method: MethodSimilarity, TopK: 1})
	if len(got) != 1 || got[0].Text != "likes tea" {
		t.Fatalf("similarity search = %+v, want likes tea", got)
	}
	if calls < 3 {
		t.Errorf("embed calls = %d, expected units plus query", calls)
	}

	// Non-vector methods never call the embedder.
	before := calls
	s.Search(ctx, "tea", SearchOptions{Method: MethodWeight})
	if calls != before {
		t.Errorf("weight search triggered %d extra embed calls", calls-before)
	}
}

func TestStoreMemoizesQueryVectors(t *testing.T) {
	queryEmbeds := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Input == "tea" {
			queryEmbeds++
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1, 0, 0}}},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(srv.URL, "k", "m", time.Second)
	s := NewStore("s", 50, 10, 10, WithEmbedder(e, 3))
	ctx := context.Background()
	if err := s.Add(ctx, AddParams{Text: "likes tea"}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if got := s.Search(ctx, "tea", SearchOptions{Method: MethodSimilarity, TopK: 1}); len(got) != 1 {
			t.Fatalf("search %d returned %+v", i, got)
		}
	}
	if queryEmbeds != 1 {
		t.Errorf("query embed calls = %d, repeated searches must reuse the vector", queryEmbeds)
	}
}
