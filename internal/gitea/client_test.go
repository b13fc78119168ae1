package gitea

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEnsureRepoCreatesWhenMissing(t *testing.T) {
	var createdRepo bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/repos/agncf/site-a":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/orgs/agncf":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/orgs/agncf/repos":
			createdRepo = true
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "agncf")
	full, err := c.EnsureRepo(context.Background(), "site-a", "site-a")
	if err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	if full != "agncf/site-a" {
		t.Fatalf("got %q", full)
	}
	if !createdRepo {
		t.Fatalf("expected repo creation call")
	}
}

func TestCommitConfigIdempotentOnIdenticalContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"sha": "abc123"})
		case r.Method == http.MethodPut:
			// Gitea returns an empty commit.sha when content is unchanged.
			json.NewEncoder(w).Encode(map[string]any{"commit": map[string]string{"sha": ""}})
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "agncf")
	sha, err := c.CommitConfig(context.Background(), "agncf/site-a", "r1", "hostname r1\n", "backup: r1")
	if err != nil {
		t.Fatalf("CommitConfig: %v", err)
	}
	if sha != "abc123" {
		t.Fatalf("expected reuse of prior commit sha, got %q", sha)
	}
}

func TestGetDiffInsufficientHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{{"sha": "only-one"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "agncf")
	diff, err := c.GetDiff(context.Background(), "agncf/site-a", "r1")
	if err != nil {
		t.Fatalf("GetDiff: %v", err)
	}
	if diff != "insufficient history to compute a diff" {
		t.Fatalf("got %q", diff)
	}
}

func TestGetDiffReturnsPatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/repos/agncf/site-a/commits":
			json.NewEncoder(w).Encode([]map[string]string{{"sha": "new"}, {"sha": "old"}})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"files": []map[string]string{{"filename": "r1.txt", "patch": "@@ -1 +1 @@\n-old\n+new\n"}},
			})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "agncf")
	diff, err := c.GetDiff(context.Background(), "agncf/site-a", "r1")
	if err != nil {
		t.Fatalf("GetDiff: %v", err)
	}
	if diff == "" || diff == "no textual change" {
		t.Fatalf("expected a patch, got %q", diff)
	}
}
