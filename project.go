// perlcomplete/project.go
// Project file discovery for project-aware requests.
package perlcomplete

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// skippedDirs are never descended into, whatever .gitignore says.
var skippedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"blib":         true,
	"node_modules": true,
	"local":        true,
}

// WorkspaceFiles lists the Perl files under a set of project roots, honouring
// each root's .gitignore. Results are sorted and deduplicated.
type WorkspaceFiles struct {
	Roots      []string
	Extensions []string
	Descriptor ProjectDescriptor // Optional; contributes files from a workspace description.
	Logger     *slog.Logger
}

// NewWorkspaceFiles creates a file source for roots using cfg.ProjectExtensions.
func NewWorkspaceFiles(cfg Config, roots []string, logger *slog.Logger) *WorkspaceFiles {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceFiles{
		Roots:      roots,
		Extensions: cfg.ProjectExtensions,
		Logger:     logger.With("component", "WorkspaceFiles"),
	}
}

// ProjectFiles implements ProjectFileSource.
func (w *WorkspaceFiles) ProjectFiles(ctx context.Context) ([]string, error) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	var walkErrs []error
	for _, root := range w.Roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			walkErrs = append(walkErrs, err)
			continue
		}
		matcher := loadGitignore(absRoot, logger)
		err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				logger.Debug("Skipping unreadable path", "path", p, "error", err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			rel, relErr := filepath.Rel(absRoot, p)
			if relErr != nil || rel == "." {
				return nil
			}
			if d.IsDir() {
				if skippedDirs[d.Name()] || (matcher != nil && matcher.MatchesPath(filepath.ToSlash(rel)+"/")) {
					return filepath.SkipDir
				}
				return nil
			}
			if !w.matchesExtension(p) {
				return nil
			}
			if matcher != nil && matcher.MatchesPath(filepath.ToSlash(rel)) {
				return nil
			}
			add(p)
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			walkErrs = append(walkErrs, err)
		}
	}
	if w.Descriptor != nil {
		for _, root := range w.Roots {
			described, err := w.Descriptor.DescribedFiles(root)
			if err != nil {
				logger.Warn("Workspace descriptor failed", "root", root, "error", err)
				continue
			}
			for _, p := range described {
				add(p)
			}
		}
	}

	sort.Strings(files)
	if files == nil {
		files = []string{}
	}
	if len(walkErrs) > 0 {
		return files, errors.Join(walkErrs...)
	}
	return files, nil
}

func (w *WorkspaceFiles) matchesExtension(p string) bool {
	if len(w.Extensions) == 0 {
		return true
	}
	ext := filepath.Ext(p)
	for _, e := range w.Extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func loadGitignore(root string, logger *slog.Logger) *ignore.GitIgnore {
	path := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	matcher, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		logger.Warn("Failed to parse .gitignore", "path", path, "error", err)
		return nil
	}
	return matcher
}

// StaticFiles is a ProjectFileSource returning a fixed list.
type StaticFiles []string

// ProjectFiles implements ProjectFileSource.
func (s StaticFiles) ProjectFiles(context.Context) ([]string, error) {
	if s == nil {
		return []string{}, nil
	}
	return append([]string(nil), s...), nil
}

// NoDescriptor is the default ProjectDescriptor: it contributes nothing.
type NoDescriptor struct{}

// DescribedFiles implements ProjectDescriptor.
func (NoDescriptor) DescribedFiles(string) ([]string, error) { return nil, nil }
