package resolver

import (
	"os"
	"path/filepath"
	"testing"
)

const testSuffix = ".testpilotcloud_virtual"

func newTestResolver(t *testing.T) (*Resolver, string) {
	t.Helper()
	root := t.TempDir()
	r, err := New(root, testSuffix)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return r, root
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("creating %s: %v", path, err)
	}
}

func TestNewRejectsEmptySuffix(t *testing.T) {
	if _, err := New(t.TempDir(), ""); err == nil {
		t.Error("expected error for empty suffix")
	}
}

func TestResolveAutoPhysical(t *testing.T) {
	r, root := newTestResolver(t)
	touch(t, filepath.Join(root, "notes.txt"))

	pair := r.Resolve("/notes.txt", Auto)
	if pair.State != StatePhysical {
		t.Errorf("state = %v, want physical", pair.State)
	}
	if pair.Physical != filepath.Join(root, "notes.txt") {
		t.Errorf("physical = %s", pair.Physical)
	}
	if pair.Virtual != filepath.Join(root, "notes.txt")+testSuffix {
		t.Errorf("virtual = %s", pair.Virtual)
	}
	if pair.Active() != pair.Physical {
		t.Errorf("Active() = %s, want physical candidate", pair.Active())
	}
}

func TestResolveAutoVirtual(t *testing.T) {
	r, root := newTestResolver(t)
	touch(t, filepath.Join(root, "doc.pdf"+testSuffix))

	pair := r.Resolve("/doc.pdf", Auto)
	if pair.State != StateVirtual {
		t.Errorf("state = %v, want virtual", pair.State)
	}
	if pair.Active() != filepath.Join(root, "doc.pdf")+testSuffix {
		t.Errorf("Active() = %s", pair.Active())
	}
}

func TestResolveAutoPrefersPhysical(t *testing.T) {
	r, root := newTestResolver(t)
	touch(t, filepath.Join(root, "both"))
	touch(t, filepath.Join(root, "both"+testSuffix))

	pair := r.Resolve("/both", Auto)
	if pair.State != StatePhysical {
		t.Errorf("state = %v, want physical when both candidates exist", pair.State)
	}
}

func TestResolveAutoAbsent(t *testing.T) {
	r, root := newTestResolver(t)

	pair := r.Resolve("/nothing-here", Auto)
	if pair.State != StateAbsent {
		t.Errorf("state = %v, want absent", pair.State)
	}
	if pair.Active() != filepath.Join(root, "nothing-here") {
		t.Errorf("Active() = %s, want physical candidate for absent paths", pair.Active())
	}
}

func TestResolveSuffixedRequestPath(t *testing.T) {
	r, root := newTestResolver(t)
	touch(t, filepath.Join(root, "doc.pdf"+testSuffix))

	// The sync client asks for placeholders by their real on-disk name.
	pair := r.Resolve("/doc.pdf"+testSuffix, Auto)
	if pair.State != StateVirtual {
		t.Errorf("state = %v, want virtual", pair.State)
	}
	if pair.Physical != filepath.Join(root, "doc.pdf") {
		t.Errorf("physical = %s, want suffix stripped", pair.Physical)
	}
	if pair.Virtual != filepath.Join(root, "doc.pdf")+testSuffix {
		t.Errorf("virtual = %s", pair.Virtual)
	}
}

func TestResolveForceModes(t *testing.T) {
	r, root := newTestResolver(t)
	// Nothing on disk: force modes must not care.

	pair := r.Resolve("/new-file", ForcePhysical)
	if pair.State != StatePhysical {
		t.Errorf("ForcePhysical state = %v", pair.State)
	}
	if pair.Active() != filepath.Join(root, "new-file") {
		t.Errorf("ForcePhysical Active() = %s", pair.Active())
	}

	pair = r.Resolve("/new-file", ForceVirtual)
	if pair.State != StateVirtual {
		t.Errorf("ForceVirtual state = %v", pair.State)
	}
	if pair.Active() != filepath.Join(root, "new-file")+testSuffix {
		t.Errorf("ForceVirtual Active() = %s", pair.Active())
	}
}

func TestResolveNestedPath(t *testing.T) {
	r, root := newTestResolver(t)
	if err := os.MkdirAll(filepath.Join(root, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(root, "a", "b", "c.txt"+testSuffix))

	pair := r.Resolve("/a/b/c.txt", Auto)
	if pair.State != StateVirtual {
		t.Errorf("state = %v, want virtual", pair.State)
	}
}

func TestRelPath(t *testing.T) {
	r, root := newTestResolver(t)
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	rel, err := r.RelPath(filepath.Join(root, "sub", "doc.pdf"))
	if err != nil {
		t.Fatalf("RelPath: %v", err)
	}
	if rel != "sub/doc.pdf" {
		t.Errorf("rel = %q, want %q", rel, "sub/doc.pdf")
	}
}

func TestRelPathRejectsOutsideRoot(t *testing.T) {
	r, _ := newTestResolver(t)
	if _, err := r.RelPath("/etc/passwd"); err == nil {
		t.Error("expected error for path outside root")
	}
}

func TestRelPathThroughSymlinkedRoot(t *testing.T) {
	base := t.TempDir()
	real := filepath.Join(base, "real-root")
	if err := os.Mkdir(real, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "linked-root")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	r, err := New(link, testSuffix)
	if err != nil {
		t.Fatal(err)
	}
	// Database keys are relative to the symlink-resolved root.
	rel, err := r.RelPath(filepath.Join(link, "doc.pdf"))
	if err != nil {
		t.Fatalf("RelPath: %v", err)
	}
	if rel != "doc.pdf" {
		t.Errorf("rel = %q, want %q", rel, "doc.pdf")
	}
}

func TestStateString(t *testing.T) {
	if StatePhysical.String() != "physical" || StateVirtual.String() != "virtual" || StateAbsent.String() != "absent" {
		t.Error("State.String() mismatch")
	}
}
