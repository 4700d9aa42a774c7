package intercept

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/webdocs/emulator/internal/convert"
	"github.com/webdocs/emulator/internal/editor"
	"github.com/webdocs/emulator/internal/registry"
	"github.com/webdocs/emulator/internal/resource"
	"github.com/webdocs/emulator/internal/savesess"
)

type fixture struct {
	mux    *http.ServeMux
	server *Server
	editor *editor.Orchestrator
	sess   *editor.Session
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	store := resource.NewStore(resource.StoreOptions{Capacity: 1 << 20})
	t.Cleanup(store.Dispose)
	chunks := savesess.New(time.Minute)
	t.Cleanup(chunks.Dispose)
	reg := registry.New(time.Minute)
	t.Cleanup(reg.Dispose)

	orch := editor.New(editor.Options{
		Engine:    &convert.StubEngine{},
		Resources: store,
	})
	t.Cleanup(orch.Dispose)

	opts.Editor = orch
	opts.Chunks = chunks
	opts.Registry = reg
	opts.Resources = store
	if opts.Engine == nil {
		opts.Engine = &convert.StubEngine{}
	}

	sess, err := orch.Open(context.Background(), editor.OpenInput{
		Data:   []byte("doc-bytes"),
		Format: "docx",
		Title:  "report.docx",
	})
	if err != nil {
		t.Fatalf("Open = %v", err)
	}

	mux := http.NewServeMux()
	s := NewServer(opts)
	s.setupRoutes(mux)
	return &fixture{mux: mux, server: s, editor: orch, sess: sess}
}

func (f *fixture) command(t *testing.T, endpoint string, cmd any, body string) reply {
	t.Helper()
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	target := fmt.Sprintf("%s?cmd=%s", endpoint, url.QueryEscape(string(raw)))
	req := httptest.NewRequest("POST", target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("%s returned %d: %s", endpoint, rr.Code, rr.Body.String())
	}
	var rep reply
	if err := json.Unmarshal(rr.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode reply %q: %v", rr.Body.String(), err)
	}
	return rep
}

func (f *fixture) get(t *testing.T, u string) (int, []byte) {
	t.Helper()
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, httptest.NewRequest("GET", u, nil))
	return rr.Code, rr.Body.Bytes()
}

func TestSaveSingleChunk(t *testing.T) {
	f := newFixture(t, Options{})

	rep := f.command(t, "/savefile/", map[string]any{
		"c":            "save",
		"id":           f.sess.ID,
		"savetype":     3,
		"outputformat": "pdf",
		"title":        "report.pdf",
	}, "payload")

	if rep.Type != "save" || rep.Status != "ok" {
		t.Fatalf("reply = %+v", rep)
	}
	if rep.FileType != "pdf" {
		t.Fatalf("filetype = %q, want pdf", rep.FileType)
	}
	if rep.Data == "" {
		t.Fatal("reply carries no download URL")
	}

	code, body := f.get(t, rep.Data)
	if code != http.StatusOK {
		t.Fatalf("download GET = %d", code)
	}
	if string(body) != "pdf:payload" {
		t.Fatalf("download bytes = %q, want converted payload", body)
	}
}

func TestSaveChunkedSequence(t *testing.T) {
	f := newFixture(t, Options{})

	cmd := func(savetype int) map[string]any {
		return map[string]any{
			"c":        "save",
			"key":      f.sess.ID,
			"savetype": savetype,
			"filetype": "PDF",
			"savekey":  "chunked-1",
		}
	}

	if rep := f.command(t, "/savefile/", cmd(0), "ab"); rep.Status != "ok" || rep.Data != "" {
		t.Fatalf("first chunk reply = %+v", rep)
	}
	if rep := f.command(t, "/savefile/", cmd(1), "cd"); rep.Status != "ok" || rep.Data != "" {
		t.Fatalf("middle chunk reply = %+v", rep)
	}
	rep := f.command(t, "/savefile/", cmd(2), "ef")
	if rep.Status != "ok" || rep.Data == "" {
		t.Fatalf("last chunk reply = %+v", rep)
	}
	if rep.FileType != "pdf" {
		t.Fatalf("filetype = %q, want lowercased pdf", rep.FileType)
	}

	code, body := f.get(t, rep.Data)
	if code != http.StatusOK || string(body) != "pdf:abcdef" {
		t.Fatalf("download = %d %q, want reassembled conversion", code, body)
	}

	// The chunk session is consumed: another last chunk on the same key
	// is an error reply, not a second document.
	if rep := f.command(t, "/savefile/", cmd(2), "zz"); rep.Status != "err" {
		t.Fatalf("reused chunk key reply = %+v", rep)
	}
}

func TestSaveUnknownDocument(t *testing.T) {
	f := newFixture(t, Options{})
	rep := f.command(t, "/savefile/", map[string]any{
		"c":        "save",
		"id":       "no-such-document",
		"savetype": 3,
	}, "payload")
	if rep.Status != "err" {
		t.Fatalf("reply = %+v, want err status", rep)
	}
}

func TestSaveConversionFailure(t *testing.T) {
	f := newFixture(t, Options{Engine: &convert.StubEngine{FailFromInternal: true}})
	rep := f.command(t, "/savefile/", map[string]any{
		"c":            "save",
		"id":           f.sess.ID,
		"savetype":     3,
		"outputformat": "pdf",
	}, "payload")
	if rep.Status != "err" {
		t.Fatalf("reply = %+v, want err status", rep)
	}
}

func TestPathURLResolvesStoredDownload(t *testing.T) {
	f := newFixture(t, Options{})

	saved := f.command(t, "/savefile/", map[string]any{
		"c":        "save",
		"id":       f.sess.ID,
		"savetype": 3,
		"title":    "out.pdf",
	}, "payload")
	if saved.Status != "ok" {
		t.Fatalf("save reply = %+v", saved)
	}

	rep := f.command(t, "/downloadas/", map[string]any{
		"c":     "pathurl",
		"id":    f.sess.ID,
		"title": "out.pdf",
	}, "")
	if rep.Type != "pathurl" || rep.Status != "ok" {
		t.Fatalf("pathurl reply = %+v", rep)
	}
	if rep.Data != saved.Data {
		t.Fatalf("pathurl URL %q != save URL %q", rep.Data, saved.Data)
	}
	if rep.FileType != "pdf" {
		t.Fatalf("filetype = %q", rep.FileType)
	}
}

func TestPathURLUnknownName(t *testing.T) {
	f := newFixture(t, Options{})
	rep := f.command(t, "/downloadas/", map[string]any{
		"c":     "pathurl",
		"id":    f.sess.ID,
		"title": "never-saved.pdf",
	}, "")
	if rep.Status != "err" {
		t.Fatalf("reply = %+v, want err", rep)
	}
}

func TestMalformedCommandIgnored(t *testing.T) {
	f := newFixture(t, Options{})

	req := httptest.NewRequest("POST", "/savefile/?cmd=%7Bnot-json", nil)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("malformed cmd status = %d, want 200", rr.Code)
	}
	var rep reply
	if err := json.Unmarshal(rr.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != "ok" || rep.Data != "" {
		t.Fatalf("reply = %+v, want empty ok", rep)
	}

	// Unrecognized command names are acknowledged, not rejected.
	if rep := f.command(t, "/savefile/", map[string]any{"c": "telemetry"}, ""); rep.Status != "ok" {
		t.Fatalf("unknown command reply = %+v", rep)
	}
}

func TestDefaultSaveTypeIsSingle(t *testing.T) {
	f := newFixture(t, Options{})
	rep := f.command(t, "/savefile/", map[string]any{
		"c":  "save",
		"id": f.sess.ID,
		// no savetype: treated as a complete single-chunk save
	}, "payload")
	if rep.Status != "ok" || rep.Data == "" {
		t.Fatalf("reply = %+v, want completed save", rep)
	}
	// No explicit format anywhere: the session's native format wins.
	if rep.FileType != "docx" {
		t.Fatalf("filetype = %q, want native docx", rep.FileType)
	}
}

func TestAuthToken(t *testing.T) {
	f := newFixture(t, Options{AuthToken: "s3cret"})

	req := httptest.NewRequest("POST", "/savefile/?cmd=%7B%7D", nil)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("tokenless request = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest("POST", "/savefile/?cmd=%7B%7D", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("bearer request = %d, want 200", rr.Code)
	}

	req = httptest.NewRequest("POST", "/savefile/?cmd=%7B%7D&token=s3cret", nil)
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("query token request = %d, want 200", rr.Code)
	}
}

func TestInstallIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	mux := http.NewServeMux()
	// A duplicate route registration would panic; Install must guard it.
	Install(mux, f.server)
	Install(mux, f.server)

	req := httptest.NewRequest(http.MethodGet, "/savefile/?cmd=notjson", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("routes not live after double Install: status %d", rec.Code)
	}

	// The guard is per server, not process-wide: a second server must
	// still be able to claim its own mux.
	g := newFixture(t, Options{})
	Install(http.NewServeMux(), g.server)
}

func TestCheckOrigin(t *testing.T) {
	open := newFixture(t, Options{}).server
	restricted := newFixture(t, Options{AllowedOrigins: []string{"http://app.example.com"}}).server

	tests := []struct {
		name   string
		server *Server
		origin string
		host   string
		want   bool
	}{
		{"no origin", open, "", "e.local", true},
		{"same host", open, "http://e.local", "e.local", true},
		{"localhost", open, "http://localhost:3000", "e.local", true},
		{"loopback", open, "http://127.0.0.1:3000", "e.local", true},
		{"foreign host", open, "http://evil.example.com", "e.local", false},
		{"allowed exact", restricted, "http://app.example.com", "e.local", true},
		{"allowed host only", restricted, "http://app.example.com/x", "e.local", true},
		{"not in allowlist", restricted, "http://localhost:3000", "e.local", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/doc/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := tt.server.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(origin=%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
