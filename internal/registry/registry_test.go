package registry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/registry"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return srv
}

const jsonIndexBody = `{
  "meta": {"api-version": "1.0"},
  "name": "flask",
  "files": [
    {
      "filename": "flask-3.0.0-py3-none-any.whl",
      "url": "https://files.example/flask-3.0.0-py3-none-any.whl",
      "hashes": {"sha256": "abc123"},
      "requires-python": ">=3.8",
      "yanked": false,
      "core-metadata": true
    },
    {
      "filename": "flask-2.0.0.tar.gz",
      "url": "https://files.example/flask-2.0.0.tar.gz",
      "hashes": {"sha256": "def456"},
      "yanked": "broken build"
    }
  ]
}`

func TestFetchPageJSON(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		_, _ = w.Write([]byte(jsonIndexBody))
	})

	c := registry.New(registry.WithHTTPClient(srv.Client()))

	page, err := c.FetchPage(context.Background(), registry.Index{URL: srv.URL}, pep.NewPackageName("Flask"))
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if len(page.Files) != 2 {
		t.Fatalf("want 2 files, got %d", len(page.Files))
	}

	if page.Files[0].CoreMetadataURL == "" {
		t.Errorf("expected core-metadata URL on wheel entry")
	}

	if !page.Files[1].Yanked || page.Files[1].YankedReason != "broken build" {
		t.Errorf("expected sdist entry yanked with reason, got %+v", page.Files[1])
	}
}

const htmlIndexBody = `<!DOCTYPE html>
<html><body>
<a href="../../packages/flask-3.0.0-py3-none-any.whl#sha256=abc123" data-requires-python="&gt;=3.8">flask-3.0.0-py3-none-any.whl</a>
<a href="../../packages/flask-1.0.0.tar.gz#sha256=old000" data-yanked="too old">flask-1.0.0.tar.gz</a>
</body></html>`

func TestFetchPageHTMLFallback(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlIndexBody))
	})

	c := registry.New(registry.WithHTTPClient(srv.Client()))

	page, err := c.FetchPage(context.Background(), registry.Index{URL: srv.URL}, pep.NewPackageName("flask"))
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if len(page.Files) != 2 {
		t.Fatalf("want 2 files, got %d", len(page.Files))
	}

	if page.Files[0].RequiresPython != ">=3.8" {
		t.Errorf("requires-python: got %q", page.Files[0].RequiresPython)
	}

	if !page.Files[1].Yanked || page.Files[1].YankedReason != "too old" {
		t.Errorf("expected yanked with reason, got %+v", page.Files[1])
	}
}

func TestFetchPageAuthFailure(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := registry.New(registry.WithHTTPClient(srv.Client()))

	_, err := c.FetchPage(context.Background(), registry.Index{URL: srv.URL}, pep.NewPackageName("flask"))
	if err == nil {
		t.Fatalf("expected auth error")
	}
}

func TestFetchPageNotFoundIsEmpty(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := registry.New(registry.WithHTTPClient(srv.Client()))

	page, err := c.FetchPage(context.Background(), registry.Index{URL: srv.URL}, pep.NewPackageName("flask"))
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if len(page.Files) != 0 {
		t.Errorf("expected empty page, got %d files", len(page.Files))
	}
}

func TestResolveVersionsFirstIndexStopsAtFirstHit(t *testing.T) {
	hitCount := 0

	primary := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		hitCount++

		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		_, _ = w.Write([]byte(jsonIndexBody))
	})

	secondaryHit := false

	secondary := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		secondaryHit = true

		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		_, _ = w.Write([]byte(`{"files": []}`))
	})

	c := registry.New(registry.WithHTTPClient(primary.Client()))

	cands, err := c.ResolveVersions(context.Background(), pep.NewPackageName("flask"), []registry.Index{
		{URL: primary.URL},
		{URL: secondary.URL},
	})
	if err != nil {
		t.Fatalf("ResolveVersions: %v", err)
	}

	// The page lists two files, but the sdist is yanked and so is not a
	// candidate.
	if len(cands) != 1 {
		t.Fatalf("want 1 candidate, got %d", len(cands))
	}

	if secondaryHit {
		t.Errorf("first-index strategy must not query the second index once the first answered")
	}

	if hitCount != 1 {
		t.Errorf("want exactly 1 hit on primary, got %d", hitCount)
	}
}
