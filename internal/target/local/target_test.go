package local

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/octylFractal/backup-secretary/internal/backup"
	"github.com/octylFractal/backup-secretary/internal/config"
	"github.com/octylFractal/backup-secretary/internal/vpath"
)

func newTarget(t *testing.T) *Target {
	t.Helper()
	target, err := New(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatal(err)
	}
	return target
}

func store(t *testing.T, target *Target, path, content string) {
	t.Helper()
	if err := target.Store(context.Background(), backup.BytesChunk(vpath.MustParse(path), []byte(content))); err != nil {
		t.Fatalf("Store(%q): %v", path, err)
	}
}

func listStrings(t *testing.T, seq iter.Seq2[vpath.Path, error]) []string {
	t.Helper()
	paths, err := backup.CollectSeq(seq)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.String()
	}
	slices.Sort(out)
	return out
}

func TestStoreAndRetrieve(t *testing.T) {
	target := newTarget(t)
	ctx := context.Background()
	store(t, target, "/home/me/notes file.txt#chunk0", "hello")

	onDisk := filepath.Join(target.Root(), "home", "me", "notes%20file.txt%23chunk0")
	if _, err := os.Stat(onDisk); err != nil {
		t.Fatalf("expected encoded file on disk: %v", err)
	}

	c, err := target.Retrieve(ctx, vpath.MustParse("/home/me/notes file.txt#chunk0"))
	if err != nil || c == nil {
		t.Fatalf("Retrieve = %v, %v", c, err)
	}
	got, err := backup.ReadAll(c)
	if err != nil || string(got) != "hello" {
		t.Errorf("content = %q, %v", got, err)
	}
}

func TestStoreOverwrites(t *testing.T) {
	target := newTarget(t)
	store(t, target, "/a", "first")
	store(t, target, "/a", "second")
	c, _ := target.Retrieve(context.Background(), vpath.MustParse("/a"))
	got, _ := backup.ReadAll(c)
	if string(got) != "second" {
		t.Errorf("content = %q", got)
	}
}

func TestRetrieveMissing(t *testing.T) {
	target := newTarget(t)
	store(t, target, "/dir/file", "x")
	ctx := context.Background()

	for _, p := range []string{"/nothing", "/dir"} {
		c, err := target.Retrieve(ctx, vpath.MustParse(p))
		if err != nil || c != nil {
			t.Errorf("Retrieve(%q) = %v, %v; want nil, nil", p, c, err)
		}
	}
}

func TestPathEscapeRejected(t *testing.T) {
	base := t.TempDir()
	target, err := New(filepath.Join(base, "store"))
	if err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(base, "outside")
	ctx := context.Background()

	escaping := vpath.MustParse("/../outside")
	err = target.Store(ctx, backup.BytesChunk(escaping, []byte("evil")))
	if !errors.Is(err, ErrPathEscapesRoot) {
		t.Fatalf("Store err = %v, want ErrPathEscapesRoot", err)
	}
	if _, err := os.Stat(outside); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file outside the root was touched: %v", err)
	}
	if _, err := os.Stat(target.Root()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("rejected store created the root: %v", err)
	}

	if _, err := target.Retrieve(ctx, vpath.MustParse("/a/../../../etc/passwd")); !errors.Is(err, ErrPathEscapesRoot) {
		t.Errorf("Retrieve err = %v, want ErrPathEscapesRoot", err)
	}

	// dot-dot that stays inside is fine
	store(t, target, "/a/../b", "inside")
	if _, err := os.Stat(filepath.Join(target.Root(), "a", "%2E%2E", "b")); err != nil {
		t.Errorf("inside path not stored: %v", err)
	}
}

func TestDotPartsDoNotCollide(t *testing.T) {
	target := newTarget(t)
	ctx := context.Background()
	paths := []string{"/a/b", "/a/./b", "/b", "/a/../b"}
	for _, p := range paths {
		store(t, target, p, "content of "+p)
	}
	for _, p := range paths {
		c, err := target.Retrieve(ctx, vpath.MustParse(p))
		if err != nil || c == nil {
			t.Fatalf("Retrieve(%q) = %v, %v", p, c, err)
		}
		got, err := backup.ReadAll(c)
		if err != nil || string(got) != "content of "+p {
			t.Errorf("Retrieve(%q) = %q, %v", p, got, err)
		}
	}
	want := []string{"/a/../b", "/a/./b", "/a/b", "/b"}
	if diff := cmp.Diff(want, listStrings(t, target.List(ctx))); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreEmptyPath(t *testing.T) {
	target := newTarget(t)
	err := target.Store(context.Background(), backup.BytesChunk(vpath.Root, []byte("x")))
	if !errors.Is(err, ErrEmptyPath) {
		t.Errorf("err = %v, want ErrEmptyPath", err)
	}
}

func TestList(t *testing.T) {
	target := newTarget(t)
	for _, p := range []string{"/foo/bar.txt", "/foo/baz.txt", "/foo/qux/deep", "/other", "/with space"} {
		store(t, target, p, p)
	}
	ctx := context.Background()

	want := []string{"/foo/bar.txt", "/foo/baz.txt", "/foo/qux/deep", "/other", "/with space"}
	if diff := cmp.Diff(want, listStrings(t, target.List(ctx))); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		prefix string
		want   []string
	}{
		{prefix: "/foo/b", want: []string{"/foo/bar.txt", "/foo/baz.txt"}},
		{prefix: "/foo/bar", want: []string{"/foo/bar.txt"}},
		{prefix: "/foo/q", want: []string{"/foo/qux/deep"}},
		{prefix: "/foo", want: []string{"/foo/bar.txt", "/foo/baz.txt", "/foo/qux/deep"}},
		{prefix: "/with ", want: []string{"/with space"}},
		{prefix: "/missing/dir/x", want: []string{}},
		{prefix: "/../../etc", want: []string{}},
		{prefix: "/", want: want},
	}
	for _, tt := range tests {
		got := listStrings(t, target.ListPrefix(ctx, vpath.MustParse(tt.prefix)))
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ListPrefix(%q) mismatch (-want +got):\n%s", tt.prefix, diff)
		}
	}
}

func TestListEmptyRoot(t *testing.T) {
	target := newTarget(t)
	if got := listStrings(t, target.List(context.Background())); len(got) != 0 {
		t.Errorf("List on missing root = %v", got)
	}
}

func TestConfiguration(t *testing.T) {
	dir := t.TempDir()
	node := config.New()
	node.Set("storageFolder", dir)

	target := &Target{}
	if err := target.LoadConfiguration(node); err != nil {
		t.Fatal(err)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if target.Root() != resolved {
		t.Errorf("root = %q, want %q", target.Root(), resolved)
	}

	if err := (&Target{}).LoadConfiguration(config.New()); !errors.Is(err, config.ErrMissingKey) {
		t.Errorf("missing storageFolder: err = %v", err)
	}

	unconfigured := &Target{}
	if err := unconfigured.Store(context.Background(), backup.BytesChunk(vpath.MustParse("/x"), nil)); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("unconfigured Store err = %v", err)
	}
}
