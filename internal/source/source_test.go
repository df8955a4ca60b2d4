package source

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirName(t *testing.T) {
	f := &Fetcher{baseDir: "/tmp/test"}

	tests := []struct {
		name     string
		ref      Ref
		wantPart string
	}{
		{"with commit", Ref{GitURL: "https://github.com/ExeClim/Isca.git", Commit: "abc123def456789"}, "Isca-"},
		{"truncated commit", Ref{GitURL: "https://github.com/ExeClim/Isca.git", Commit: "abc123def456789"}, "-abc123def456"},
		{"HEAD", Ref{GitURL: "https://github.com/ExeClim/Isca/"}, "-HEAD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.dirName(tt.ref)
			if !strings.Contains(got, tt.wantPart) {
				t.Errorf("dirName = %q, want it to contain %q", got, tt.wantPart)
			}
		})
	}

	a := f.dirName(Ref{GitURL: "https://a.example/isca.git"})
	b := f.dirName(Ref{GitURL: "https://b.example/isca.git"})
	if a == b {
		t.Errorf("different urls share a directory: %s", a)
	}
}

// newRepo creates a local repository with two commits and returns its path
// and the first commit's hash.
func newRepo(t *testing.T) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := filepath.Join(t.TempDir(), "isca")
	run := func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
		return strings.TrimSpace(string(out))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	run("init", "--quiet")
	os.WriteFile(filepath.Join(dir, "VERSION"), []byte("1\n"), 0644)
	run("add", "VERSION")
	run("commit", "--quiet", "-m", "one")
	first := run("rev-parse", "HEAD")
	os.WriteFile(filepath.Join(dir, "VERSION"), []byte("2\n"), 0644)
	run("commit", "--quiet", "-am", "two")
	return dir, first
}

func TestFetch(t *testing.T) {
	repo, first := newRepo(t)
	f, err := NewFetcher(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}

	pinned := Ref{GitURL: repo, Commit: first}
	head := Ref{GitURL: repo}
	paths, err := f.Fetch(context.Background(), []Ref{pinned, head, pinned})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 checkouts, got %v", paths)
	}

	read := func(dir string) string {
		data, err := os.ReadFile(filepath.Join(dir, "VERSION"))
		if err != nil {
			t.Fatal(err)
		}
		return strings.TrimSpace(string(data))
	}
	if v := read(paths[pinned]); v != "1" {
		t.Errorf("pinned checkout has VERSION %s", v)
	}
	if v := read(paths[head]); v != "2" {
		t.Errorf("HEAD checkout has VERSION %s", v)
	}

	again, err := f.Fetch(context.Background(), []Ref{pinned})
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if again[pinned] != paths[pinned] {
		t.Errorf("pinned clone not reused: %s vs %s", again[pinned], paths[pinned])
	}
}

func TestFetchBadCommit(t *testing.T) {
	repo, _ := newRepo(t)
	f, err := NewFetcher(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	ref := Ref{GitURL: repo, Commit: "0000000000000000000000000000000000000000"}
	if _, err := f.Fetch(context.Background(), []Ref{ref}); err == nil {
		t.Fatal("expected checkout error")
	}
	if _, err := os.Stat(filepath.Join(f.BaseDir(), f.dirName(ref))); !os.IsNotExist(err) {
		t.Errorf("failed clone left behind: %v", err)
	}
}

func TestFetchRequiresURL(t *testing.T) {
	f := &Fetcher{baseDir: t.TempDir()}
	if _, err := f.Fetch(context.Background(), []Ref{{}}); err == nil {
		t.Error("expected error for empty url")
	}
}
