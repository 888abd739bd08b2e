package linkpreview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFirstURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"https url", "check out https://example.com/page", "https://example.com/page"},
		{"http url", "visit http://example.com", "http://example.com"},
		{"no url", "just a plain message", ""},
		{"multiple urls picks first", "see https://a.com and https://b.com", "https://a.com"},
		{"url with query", "link: https://example.com/path?q=1&b=2", "https://example.com/path?q=1&b=2"},
		{"no scheme", "check example.com", ""},
		{"ftp not matched", "ftp://files.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FirstURL(tt.input); got != tt.want {
				t.Errorf("FirstURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseOpenGraph(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head>
	<title>Fallback Title</title>
	<meta property="og:title" content="OG Title">
	<meta name="description" content="Plain description">
	<meta property="og:image" content="https://example.com/img.jpg">
	<meta property="og:site_name" content="Example Site">
</head>
<body><meta property="og:description" content="ignored after body"></body>
</html>`
	p := Parse("https://example.com", strings.NewReader(page))
	if p.Title != "OG Title" {
		t.Errorf("title = %q", p.Title)
	}
	if p.Description != "Plain description" {
		t.Errorf("description = %q", p.Description)
	}
	if p.Image != "https://example.com/img.jpg" || p.SiteName != "Example Site" {
		t.Errorf("unexpected preview %+v", p)
	}
}

func TestParseFallsBackToTitle(t *testing.T) {
	p := Parse("https://example.com", strings.NewReader(`<html><head><title> Just a title </title></head></html>`))
	if p.Title != "Just a title" {
		t.Fatalf("title = %q", p.Title)
	}
	if p.Empty() {
		t.Fatal("preview with a title is not empty")
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><head><meta property="og:title" content="Served"></head></html>`))
		case "/binary":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte{0, 1, 2})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(2 * time.Second)
	ctx := context.Background()

	p, err := f.Fetch(ctx, srv.URL+"/page")
	if err != nil || p.Title != "Served" {
		t.Fatalf("fetch page: %+v err=%v", p, err)
	}
	p, err = f.Fetch(ctx, srv.URL+"/binary")
	if err != nil || !p.Empty() || p.URL == "" {
		t.Fatalf("fetch binary: %+v err=%v", p, err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
}
