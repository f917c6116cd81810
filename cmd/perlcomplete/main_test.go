package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePerlServer answers the PerlParser protocol with canned bodies.
type fakePerlServer struct {
	mu       sync.Mutex
	methods  []string
	indexed  []string
	server   *httptest.Server
	usageHit [2]int
}

func newFakePerlServer(t *testing.T) *fakePerlServer {
	t.Helper()
	f := &fakePerlServer{usageHit: [2]int{2, 4}}
	f.server = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakePerlServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		fmt.Fprint(w, "pong")
		return
	}
	var req struct {
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"success":false,"error":"BAD_JSON","errorMessage":"bad json"}`)
		return
	}
	f.mu.Lock()
	f.methods = append(f.methods, req.Method)
	f.mu.Unlock()

	var body any
	switch req.Method {
	case "autocomplete-sub":
		body = [][]string{{"foo", "sub foo"}, {"fob", ""}}
	case "autocomplete-var":
		body = [][]string{{"$x", "scalar"}}
	case "find-usages":
		ctxPath, _ := req.Params["context"].(string)
		body = map[string][][2]int{ctxPath: {f.usageHit}}
	case "find-declaration":
		body = map[string]any{"exists": true, "file": "/x/Foo.pm", "line": 3, "col": 5}
	case "index-project":
		files, _ := req.Params["projectFiles"].([]any)
		f.mu.Lock()
		for _, p := range files {
			f.indexed = append(f.indexed, p.(string))
		}
		f.mu.Unlock()
	default:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"success":false,"error":"UNKNOWN_METHOD","errorMessage":"unknown method %s"}`, req.Method)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "body": body})
}

type cliEnv struct {
	configPath string
	root       string
	source     string
}

func newCLIEnv(t *testing.T, serverURL string) cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))

	configPath := filepath.Join(dir, "config.toml")
	config := fmt.Sprintf("server_url = %q\nauto_restart = false\nlog_level = \"error\"\n", serverURL)
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	root := filepath.Join(dir, "proj")
	if err := os.MkdirAll(filepath.Join(root, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "lib", "Foo.pm"), []byte("package Foo;\n1;\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	source := filepath.Join(root, "script.pl")
	code := "use strict;\nmy $x = fo;\nprint $x;\n"
	if err := os.WriteFile(source, []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}
	return cliEnv{configPath: configPath, root: root, source: source}
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath, "--root", e.root, "--timeout", "5s"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCLIComplete(t *testing.T) {
	srv := newFakePerlServer(t)
	env := newCLIEnv(t, srv.server.URL)

	// "my $x = fo" ends at column 11; the cursor sits after "fo".
	out, err := env.run(t, "complete", env.source, "2", "11")
	if err != nil {
		t.Fatalf("complete error = %v", err)
	}
	if want := "foo\tsub foo\nfob\t\n"; out != want {
		t.Errorf("complete output = %q, want %q", out, want)
	}
}

func TestCLIUsages(t *testing.T) {
	srv := newFakePerlServer(t)
	env := newCLIEnv(t, srv.server.URL)

	out, err := env.run(t, "usages", env.source, "2", "5")
	if err != nil {
		t.Fatalf("usages error = %v", err)
	}
	want := env.source + ":\n" +
		"1  use strict;\n" +
		"2: my $x = fo;\n" +
		"3  print $x;\n"
	if out != want {
		t.Errorf("usages output =\n%s\nwant\n%s", out, want)
	}
}

func TestCLIDeclaration(t *testing.T) {
	srv := newFakePerlServer(t)
	env := newCLIEnv(t, srv.server.URL)

	out, err := env.run(t, "declaration", env.source, "2", "5")
	if err != nil {
		t.Fatalf("declaration error = %v", err)
	}
	if want := "/x/Foo.pm:3:5\n"; out != want {
		t.Errorf("declaration output = %q, want %q", out, want)
	}
}

func TestCLIIndex(t *testing.T) {
	srv := newFakePerlServer(t)
	env := newCLIEnv(t, srv.server.URL)

	out, err := env.run(t, "index")
	if err != nil {
		t.Fatalf("index error = %v", err)
	}
	if want := "indexed 2 project files\n"; out != want {
		t.Errorf("index output = %q, want %q", out, want)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.indexed) != 2 || !strings.HasSuffix(srv.indexed[0], filepath.Join("lib", "Foo.pm")) {
		t.Errorf("indexed files = %v, want lib/Foo.pm and script.pl", srv.indexed)
	}
}

func TestCLIPing(t *testing.T) {
	srv := newFakePerlServer(t)
	env := newCLIEnv(t, srv.server.URL)

	out, err := env.run(t, "ping")
	if err != nil || out != "alive\n" {
		t.Errorf("ping = (%q, %v), want (\"alive\\n\", nil)", out, err)
	}
}

func TestCLIServerDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	env := newCLIEnv(t, deadURL)

	out, err := env.run(t, "ping")
	if err == nil || out != "unreachable\n" {
		t.Errorf("ping = (%q, %v), want unreachable with an error", out, err)
	}

	// auto_restart is off, so the request fails without launching anything.
	if _, err := env.run(t, "complete", env.source, "2", "11"); err == nil {
		t.Error("complete against a stopped server returned no error")
	}
	if _, err := env.run(t, "start"); err == nil {
		t.Error("start with auto_restart off returned no error")
	}
}

func TestPositionArgs(t *testing.T) {
	env := newCLIEnv(t, "http://localhost:1/")
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"valid", []string{env.source, "1", "1"}, false},
		{"zero line", []string{env.source, "0", "1"}, true},
		{"bad col", []string{env.source, "1", "x"}, true},
		{"missing file", []string{filepath.Join(env.root, "nope.pl"), "1", "1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := positionArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("positionArgs(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if err == nil && (buf.Line != 1 || buf.Col != 1 || len(buf.Contents) == 0) {
				t.Errorf("positionArgs(%v) = %+v", tt.args, buf)
			}
		})
	}
}

func TestWaitForStatus(t *testing.T) {
	h := newCLIHost()
	h.Status("PerlComplete: declaration not found")
	_, err := waitFor(context.Background(), h, h.decl)
	if err == nil || err.Error() != "declaration not found" {
		t.Errorf("waitFor error = %v, want the status message", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := waitFor(ctx, h, h.requery); err == nil {
		t.Error("waitFor on a cancelled context returned no error")
	}
}
