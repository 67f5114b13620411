package artifact

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	files := map[string]string{
		"App.app/App":           "binary",
		"App.app/Info.plist":    "<plist/>",
		"dSYMs/App.dSYM/readme": "symbols",
	}
	for name, body := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Chmod(filepath.Join(root, "App.app/App"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestPackage_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	dst := filepath.Join(t.TempDir(), "artifact.zip")

	info, err := Package(src, dst)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if info.Files != 3 {
		t.Errorf("Files = %d, want 3", info.Files)
	}
	if len(info.SHA256) != 64 {
		t.Errorf("SHA256 = %q", info.SHA256)
	}
	if err := Verify(dst, info.SHA256); err != nil {
		t.Errorf("Verify: %v", err)
	}

	zr, err := zip.OpenReader(dst)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		switch f.Name {
		case "empty/":
			if !f.Mode().IsDir() || f.Mode().Perm() != 0o755 {
				t.Errorf("empty dir mode = %v", f.Mode())
			}
		case "App.app/App":
			if f.Mode().Perm() != 0o755 {
				t.Errorf("executable mode = %v", f.Mode())
			}
			rc, err := f.Open()
			if err != nil {
				t.Fatal(err)
			}
			body, _ := io.ReadAll(rc)
			rc.Close()
			if string(body) != "binary" {
				t.Errorf("body = %q", body)
			}
		}
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("entries not in lexical order: %v", names)
	}
}

func TestPackage_Reproducible(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	a, err := Package(src, filepath.Join(t.TempDir(), "a.zip"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Package(src, filepath.Join(t.TempDir(), "b.zip"))
	if err != nil {
		t.Fatal(err)
	}
	if a.SHA256 != b.SHA256 {
		t.Errorf("digests differ: %s vs %s", a.SHA256, b.SHA256)
	}
}

func TestPackage_EmptyDir(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out", "artifact.zip")
	info, err := Package(t.TempDir(), dst)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if info.Files != 0 || info.Size == 0 {
		t.Errorf("info = %+v", info)
	}
	if _, err := zip.OpenReader(dst); err != nil {
		t.Errorf("empty archive unreadable: %v", err)
	}
}

func TestPackage_MissingSource(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "artifact.zip")
	if _, err := Package(filepath.Join(t.TempDir(), "nope"), dst); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("partial archive left behind")
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	dst := filepath.Join(t.TempDir(), "artifact.zip")
	info, err := Package(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(dst, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("x")
	f.Close()

	if err := Verify(dst, info.SHA256); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Verify err = %v, want ErrDigestMismatch", err)
	}
}
