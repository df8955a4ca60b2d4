// Package source fetches model source trees from git repositories so an
// experiment can pin the code it runs to a commit.
package source

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Ref names a repository at a commit. An empty Commit means the remote HEAD.
type Ref struct {
	GitURL string
	Commit string
}

// Fetcher clones repositories under a cache directory. A clone is reused by
// every experiment that names the same (url, commit) pair.
type Fetcher struct {
	baseDir string
}

// NewFetcher returns a Fetcher caching clones in baseDir.
func NewFetcher(baseDir string) (*Fetcher, error) {
	slog.Debug("creating source cache directory", "path", baseDir)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating source cache directory: %w", err)
	}
	return &Fetcher{baseDir: baseDir}, nil
}

// DefaultCacheDir is $GCMRUN_CACHE, falling back to the user cache
// directory.
func DefaultCacheDir() string {
	if dir := os.Getenv("GCMRUN_CACHE"); dir != "" {
		return dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "gcmrun", "src")
	}
	return filepath.Join(os.TempDir(), "gcmrun-src")
}

// BaseDir returns the cache directory.
func (f *Fetcher) BaseDir() string {
	return f.baseDir
}

// Fetch clones every distinct ref, in parallel, and returns the checkout
// path of each.
func (f *Fetcher) Fetch(ctx context.Context, refs []Ref) (map[Ref]string, error) {
	unique := make(map[Ref]struct{})
	for _, ref := range refs {
		if strings.TrimSpace(ref.GitURL) == "" {
			return nil, fmt.Errorf("source ref without git url")
		}
		unique[ref] = struct{}{}
	}

	slog.Debug("fetching model sources", "unique_repos", len(unique), "total_refs", len(refs))

	paths := make(map[Ref]string, len(unique))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for ref := range unique {
		g.Go(func() error {
			p, err := f.clone(ctx, ref)
			if err != nil {
				return fmt.Errorf("cloning %s: %w", ref.GitURL, err)
			}
			mu.Lock()
			paths[ref] = p
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// clone checks ref out into the cache. Pinned commits are reused once
// present; HEAD clones are refreshed with a fetch.
func (f *Fetcher) clone(ctx context.Context, ref Ref) (string, error) {
	dest := filepath.Join(f.baseDir, f.dirName(ref))

	if _, err := os.Stat(dest); err == nil {
		if ref.Commit != "" {
			slog.Debug("repository already cloned", "url", ref.GitURL, "path", dest)
			return dest, nil
		}
		slog.Debug("updating repository", "url", ref.GitURL, "path", dest)
		if err := git(ctx, dest, "pull", "--ff-only", "--depth", "1"); err != nil {
			return "", err
		}
		return dest, nil
	}

	// Clone next to the destination and rename, so an interrupted clone is
	// never mistaken for a complete one.
	partial := dest + ".partial"
	if err := os.RemoveAll(partial); err != nil {
		return "", err
	}
	if ref.Commit == "" {
		slog.Debug("cloning repository (shallow)", "url", ref.GitURL, "dest", dest)
		if err := git(ctx, "", "clone", "--depth", "1", ref.GitURL, partial); err != nil {
			return "", err
		}
	} else {
		slog.Debug("cloning repository (full)", "url", ref.GitURL, "commit", ref.Commit, "dest", dest)
		if err := git(ctx, "", "clone", ref.GitURL, partial); err != nil {
			return "", err
		}
		if err := git(ctx, partial, "checkout", "--quiet", ref.Commit); err != nil {
			os.RemoveAll(partial)
			return "", err
		}
	}
	if err := os.Rename(partial, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// dirName is a filesystem-safe, unique name for a ref.
func (f *Fetcher) dirName(ref Ref) string {
	h := sha256.Sum256([]byte(ref.GitURL))
	urlHash := fmt.Sprintf("%x", h[:8])

	commitPart := "HEAD"
	if ref.Commit != "" {
		commitPart = ref.Commit
		if len(commitPart) > 12 {
			commitPart = commitPart[:12]
		}
	}

	repoName := filepath.Base(strings.TrimSuffix(strings.TrimRight(ref.GitURL, "/"), ".git"))
	return fmt.Sprintf("%s-%s-%s", repoName, urlHash, commitPart)
}

func git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr strings.Builder
	cmd.Stdout = os.Stderr
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
