package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"zswflasher/internal/config"
)

const runsJSON = `{"workflow_runs": [
  {"id": 1, "head_branch": "main", "head_sha": "aaa", "conclusion": "success",
   "created_at": "2024-05-01T10:00:00Z", "actor": {"login": "jakkra"},
   "head_commit": {"message": "Fix battery"}},
  {"id": 2, "head_branch": "gh-pages", "conclusion": "success", "actor": {"login": "bot"}},
  {"id": 3, "head_branch": "feature", "conclusion": "failure", "actor": {"login": "dev"}},
  {"id": 4, "head_branch": "empty", "conclusion": "success", "actor": {"login": "dev"}},
  {"id": 5, "head_branch": "next", "conclusion": "success", "actor": {"login": "dev"}},
  {"id": 6, "head_branch": "later", "conclusion": "success", "actor": {"login": "dev"}}
]}`

func newServer(t *testing.T, token string) (*httptest.Server, *[]string) {
	t.Helper()
	var paths []string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/ZSWatch/ZSWatch/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		fmt.Fprint(w, runsJSON)
	})
	mux.HandleFunc("/repos/ZSWatch/ZSWatch/actions/runs/", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch {
		case strings.Contains(r.URL.Path, "/runs/4/"):
			fmt.Fprint(w, `{"artifacts": []}`)
		default:
			fmt.Fprint(w, `{"artifacts": [
			  {"id": 10, "name": "zswatch_nrf5340_cpuapp@4_debug", "size_in_bytes": 100},
			  {"id": 11, "name": "zswatch_nrf5340_cpuapp@5_release", "size_in_bytes": 100},
			  {"id": 12, "name": "zswatch_nrf5340_cpuapp@3", "size_in_bytes": 100},
			  {"id": 13, "name": "native_sim", "size_in_bytes": 100}
			]}`)
		}
	})
	mux.HandleFunc("/repos/ZSWatch/ZSWatch/actions/artifacts/10/zip", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, `{"message":"Requires authentication"}`, http.StatusUnauthorized)
			return
		}
		w.Write([]byte("PK-artifact"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &paths
}

func testConfig(runs int, token string) config.ArtifactsConfig {
	return config.ArtifactsConfig{Owner: "ZSWatch", Repo: "ZSWatch", Token: token, Runs: runs, RevisionTags: []string{"@4", "@5"}}
}

func TestList(t *testing.T) {
	srv, paths := newServer(t, "")
	c := New(testConfig(3, ""), WithAPIURL(srv.URL+"/"), WithLogger(zerolog.Nop()))

	fws, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(fws) != 2 {
		t.Fatalf("List() returned %d runs, want 2", len(fws))
	}
	if fws[0].RunID != 1 || fws[1].RunID != 5 {
		t.Errorf("run ids = %d, %d; want 1, 5", fws[0].RunID, fws[1].RunID)
	}

	first := fws[0]
	if first.Branch != "main" || first.User != "jakkra" || first.SHA != "aaa" || first.CommitMessage != "Fix battery" {
		t.Errorf("first run = %+v", first)
	}
	if first.CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
	if len(first.Artifacts) != 2 || first.Artifacts[0].ID != 10 || first.Artifacts[1].ID != 11 {
		t.Errorf("artifacts = %+v", first.Artifacts)
	}

	for _, p := range *paths {
		if strings.Contains(p, "/runs/2/") || strings.Contains(p, "/runs/3/") || strings.Contains(p, "/runs/6/") {
			t.Errorf("unexpected request %s", p)
		}
	}
}

func TestListCountsRunsBeforeDroppingEmpty(t *testing.T) {
	srv, paths := newServer(t, "")
	c := New(testConfig(2, ""), WithAPIURL(srv.URL), WithLogger(zerolog.Nop()))

	fws, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	// Runs 1 and 4 are taken; 4 has no artifacts, so only 1 remains.
	if len(fws) != 1 || fws[0].RunID != 1 {
		t.Fatalf("List() = %+v, want only run 1", fws)
	}
	for _, p := range *paths {
		if strings.Contains(p, "/runs/5/") {
			t.Errorf("run 5 lies beyond the limit but was requested: %s", p)
		}
	}
}

func TestListError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := New(testConfig(5, ""), WithAPIURL(srv.URL), WithLogger(zerolog.Nop())).List(context.Background())
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("List() error = %v, want status 403", err)
	}
}

func TestDownloadURL(t *testing.T) {
	c := New(testConfig(5, ""))
	want := "https://github.com/ZSWatch/ZSWatch/actions/runs/123/artifacts/456"
	if got := c.DownloadURL(123, 456); got != want {
		t.Errorf("DownloadURL() = %s, want %s", got, want)
	}
}

func TestDownload(t *testing.T) {
	srv, _ := newServer(t, "secret")

	_, err := New(testConfig(5, ""), WithAPIURL(srv.URL)).Download(context.Background(), 10)
	if !errors.Is(err, ErrTokenRequired) {
		t.Errorf("Download() without token = %v, want ErrTokenRequired", err)
	}

	c := New(testConfig(5, "secret"), WithAPIURL(srv.URL), WithLogger(zerolog.Nop()))
	data, err := c.Download(context.Background(), 10)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if string(data) != "PK-artifact" {
		t.Errorf("Download() = %q", data)
	}

	bad := New(testConfig(5, "wrong"), WithAPIURL(srv.URL), WithLogger(zerolog.Nop()))
	if _, err := bad.Download(context.Background(), 10); err == nil {
		t.Error("Download() with a wrong token expected error")
	}
}

func zipOf(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractUpdate(t *testing.T) {
	inner := zipOf(t, map[string][]byte{"app.internal.bin": {1, 2, 3}})

	tests := []struct {
		name    string
		in      []byte
		want    []byte
		wantErr bool
	}{
		{"nested", zipOf(t, map[string][]byte{"build/" + UpdateArchive: inner, "readme.txt": []byte("x")}), inner, false},
		{"already update archive", inner, inner, false},
		{"no images", zipOf(t, map[string][]byte{"readme.txt": []byte("x")}), nil, true},
		{"not a zip", []byte("nope"), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractUpdate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractUpdate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Error("ExtractUpdate() returned the wrong archive")
			}
		})
	}
}
