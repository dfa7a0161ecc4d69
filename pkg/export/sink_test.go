package export_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/trialmesh/chronicle/pkg/export"
)

func TestFileSinkPutGetExists(t *testing.T) {
	ctx := context.Background()
	sink, err := export.NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	ok, err := sink.Exists(ctx, "diary-42-evidence.zip")
	if err != nil || ok {
		t.Fatalf("exists before put = %v, %v", ok, err)
	}

	data := []byte("archive bytes")
	if err := sink.Put(ctx, "diary-42-evidence.zip", data); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err = sink.Exists(ctx, "diary-42-evidence.zip")
	if err != nil || !ok {
		t.Fatalf("exists after put = %v, %v", ok, err)
	}
	got, err := sink.Get(ctx, "diary-42-evidence.zip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("get returned %q", got)
	}
}

func TestFileSinkPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sink, err := export.NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	if err := sink.Put(ctx, "pkg.zip", []byte("original")); err != nil {
		t.Fatalf("first put: %v", err)
	}
	// A second put under the same name must not clobber the retained object.
	if err := sink.Put(ctx, "pkg.zip", []byte("overwrite attempt")); err != nil {
		t.Fatalf("second put: %v", err)
	}
	got, err := sink.Get(ctx, "pkg.zip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("retained object was replaced: %q", got)
	}
}

func TestFileSinkLeavesNoTempDebris(t *testing.T) {
	dir := t.TempDir()
	sink, err := export.NewFileSink(dir)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Put(context.Background(), "pkg.zip", []byte("data")); err != nil {
		t.Fatalf("put: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "pkg.zip" {
		t.Errorf("sink directory holds %d entries", len(entries))
	}
}

func TestFileSinkRejectsBadNames(t *testing.T) {
	sink, err := export.NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	for _, name := range []string{"", "../escape.zip", "nested/pkg.zip", ".hidden"} {
		if err := sink.Put(context.Background(), name, []byte("x")); err == nil {
			t.Errorf("name %q accepted", name)
		}
	}
}

func TestFileSinkGetMissing(t *testing.T) {
	sink, err := export.NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	_, err = sink.Get(context.Background(), "absent.zip")
	if !errors.Is(err, export.ErrObjectNotFound) {
		t.Errorf("got %v, want ErrObjectNotFound", err)
	}
}

func TestNewFileSinkCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports", "site-03")
	if _, err := export.NewFileSink(dir); err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("directory not created: %v", err)
	}
	if _, err := export.NewFileSink(""); err == nil {
		t.Error("empty directory accepted")
	}
}

func TestOpenSinkDispatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, kind := range []string{"", "file"} {
		sink, err := export.OpenSink(ctx, export.SinkConfig{Kind: kind, Dir: dir})
		if err != nil {
			t.Fatalf("kind %q: %v", kind, err)
		}
		if _, ok := sink.(*export.FileSink); !ok {
			t.Errorf("kind %q gave %T", kind, sink)
		}
	}

	if _, err := export.OpenSink(ctx, export.SinkConfig{Kind: "carrier-pigeon"}); err == nil {
		t.Error("unknown sink kind accepted")
	}
}
