// perlcomplete/project_test.go
package perlcomplete

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// writeTree creates files (with parent dirs) under root.
func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("1;\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func absAll(root string, rel ...string) []string {
	out := make([]string, len(rel))
	for i, r := range rel {
		out[i] = filepath.Join(root, filepath.FromSlash(r))
	}
	return out
}

type fixedDescriptor struct {
	files []string
	err   error
}

func (d fixedDescriptor) DescribedFiles(string) ([]string, error) { return d.files, d.err }

func newProjectRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root,
		"script.pl",
		"lib/Foo/Bar.pm",
		"t/basic.t",
		"README.md",
		"ignored/skip.pl",
		"old.bak.pl",
		".git/hooks/hook.pl",
		"node_modules/x/y.pm",
		"blib/lib/Foo.pm",
	)
	if err := os.WriteFile(filepath.Join(root, ".gitignore"), []byte("ignored/\n*.bak.pl\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestWorkspaceFiles(t *testing.T) {
	root := newProjectRoot(t)
	tests := []struct {
		name       string
		roots      []string
		extensions []string
		descriptor ProjectDescriptor
		want       []string
	}{
		{
			name:       "default extensions honour gitignore",
			roots:      []string{root},
			extensions: DefaultConfig().ProjectExtensions,
			want:       absAll(root, "lib/Foo/Bar.pm", "script.pl", "t/basic.t"),
		},
		{
			name:       "extension filter",
			roots:      []string{root},
			extensions: []string{".PM"},
			want:       absAll(root, "lib/Foo/Bar.pm"),
		},
		{
			name:       "no extensions keeps every file",
			roots:      []string{filepath.Join(root, "lib")},
			extensions: nil,
			want:       absAll(root, "lib/Foo/Bar.pm"),
		},
		{
			name:       "overlapping roots deduplicate",
			roots:      []string{root, filepath.Join(root, "lib")},
			extensions: []string{".pm"},
			want:       absAll(root, "lib/Foo/Bar.pm"),
		},
		{
			name:       "descriptor files merged and sorted",
			roots:      []string{root},
			extensions: []string{".t"},
			descriptor: fixedDescriptor{files: absAll(root, "a/Described.pm", "t/basic.t")},
			want:       absAll(root, "a/Described.pm", "t/basic.t"),
		},
		{
			name:       "failing descriptor is ignored",
			roots:      []string{root},
			extensions: []string{".t"},
			descriptor: fixedDescriptor{err: errors.New("bad workspace file")},
			want:       absAll(root, "t/basic.t"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &WorkspaceFiles{Roots: tt.roots, Extensions: tt.extensions, Descriptor: tt.descriptor, Logger: discardLogger()}
			got, err := w.ProjectFiles(context.Background())
			if err != nil {
				t.Fatalf("ProjectFiles() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ProjectFiles() =\n%v\nwant\n%v", got, tt.want)
			}
		})
	}
}

func TestWorkspaceFiles_EmptyIsNotNil(t *testing.T) {
	w := NewWorkspaceFiles(DefaultConfig(), []string{filepath.Join(t.TempDir(), "missing")}, discardLogger())
	got, err := w.ProjectFiles(context.Background())
	if err != nil {
		t.Fatalf("ProjectFiles() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ProjectFiles() = %#v, want an empty non-nil slice", got)
	}
}

func TestWorkspaceFiles_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWorkspaceFiles(DefaultConfig(), []string{newProjectRoot(t)}, discardLogger())
	if _, err := w.ProjectFiles(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ProjectFiles() error = %v, want context.Canceled", err)
	}
}

func TestStaticFiles(t *testing.T) {
	var empty StaticFiles
	if got, _ := empty.ProjectFiles(context.Background()); got == nil || len(got) != 0 {
		t.Errorf("nil StaticFiles = %#v, want empty non-nil", got)
	}
	s := StaticFiles{"/a.pl", "/b.pm"}
	got, _ := s.ProjectFiles(context.Background())
	got[0] = "/changed.pl"
	if s[0] != "/a.pl" {
		t.Error("ProjectFiles() returned the backing slice")
	}
	if files, err := (NoDescriptor{}).DescribedFiles("/"); files != nil || err != nil {
		t.Errorf("NoDescriptor = %v, %v", files, err)
	}
}
