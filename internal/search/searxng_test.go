package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSearXNG_Search(t *testing.T) {
	var gotQuery, gotLang, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query().Get("q")
		gotLang = r.URL.Query().Get("language")
		gotFormat = r.URL.Query().Get("format")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"title":"Go","url":"https://go.dev","content":"The Go language"},
			{"title":"Tour","url":"https://go.dev/tour","content":"A tour of Go"},
			{"title":"Blog","url":"https://go.dev/blog","content":"The Go blog"}
		]}`))
	}))
	defer srv.Close()

	s := NewSearXNG(srv.URL+"/", "en", nil)
	hits, err := s.Search(context.Background(), "golang", 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if gotQuery != "golang" || gotLang != "en" || gotFormat != "json" {
		t.Errorf("query params = q:%q language:%q format:%q", gotQuery, gotLang, gotFormat)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Title != "Go" || hits[0].URL != "https://go.dev" || hits[0].Snippet != "The Go language" {
		t.Errorf("hits[0] = %+v", hits[0])
	}
}

func TestSearXNG_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewSearXNG(srv.URL, "", nil).Search(context.Background(), "x", 3)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "HTTP 429") || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %v, want status and body", err)
	}
}

func TestSearXNG_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	hits, err := NewSearXNG(srv.URL, "", nil).Search(context.Background(), "nothing", 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %v, want none", hits)
	}
}
