package datasets

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func TestCache_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "train.gob")
	src, err := NewSynthetic(5, []int{2, 3}, []int{1})
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	mem, err := Materialize(src)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if err := WriteCache(path, mem.Samples(), src.DataShape(), src.LabelShape()); err != nil {
		t.Fatalf("WriteCache failed: %v", err)
	}

	loaded, err := ReadCache(path)
	if err != nil {
		t.Fatalf("ReadCache failed: %v", err)
	}
	if err := CheckCacheShapes(loaded, []int{2, 3}, []int{1}); err != nil {
		t.Fatalf("unexpected shapes: %v", err)
	}
	if err := CheckCacheShapes(loaded, []int{6}, []int{1}); err == nil {
		t.Fatalf("expected shape mismatch")
	}
	if loaded.Len() != 5 {
		t.Fatalf("expected 5 samples, got %d", loaded.Len())
	}
	for i := range 5 {
		got, err := loaded.Get(i)
		if err != nil {
			t.Fatalf("Get(%d) failed: %v", i, err)
		}
		if want := SyntheticSample(i, []int{2, 3}, []int{1}); !reflect.DeepEqual(got, want) {
			t.Fatalf("sample %d: got %+v want %+v", i, got, want)
		}
	}
	if _, err := loaded.Get(5); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}

	// No temporary files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the cache file, found %d entries", len(entries))
	}
}

func TestCache_AbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.gob")
	w, err := NewCacheWriter(path, []int{2}, []int{1})
	if err != nil {
		t.Fatalf("NewCacheWriter failed: %v", err)
	}
	if err := w.Write(Sample{Data: []float32{1, 2}, Label: []float32{3}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Write(Sample{Data: []float32{1}, Label: []float32{3}}); err == nil {
		t.Fatalf("expected shape error")
	}
	w.Abort()
	w.Abort()
	if err := w.Commit(); err == nil {
		t.Fatalf("expected Commit after Abort to fail")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected an empty directory, found %d entries", len(entries))
	}
}

func TestCache_VersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.gob")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	header := cacheHeader{Version: CacheVersion + 1, DataShape: []int{1}, LabelShape: []int{1}}
	if err := gob.NewEncoder(f).Encode(&header); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f.Close()

	if _, err := ReadCache(path); err == nil {
		t.Fatalf("expected version mismatch error")
	}
	if _, err := ReadCache(filepath.Join(t.TempDir(), "missing.gob")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestMemorySource_Validation(t *testing.T) {
	good := Sample{Data: []float32{1, 2}, Label: []float32{0}}
	bad := Sample{Data: []float32{1}, Label: []float32{0}}
	if _, err := NewMemorySource([]Sample{good, bad}, []int{2}, []int{1}); err == nil {
		t.Fatalf("expected error for non-conforming sample")
	}
	if _, err := NewMemorySource(nil, []int{0}, []int{1}); err == nil {
		t.Fatalf("expected error for non-positive dimension")
	}
	if _, err := NewMemorySource(nil, nil, []int{1}); err == nil {
		t.Fatalf("expected error for missing data shape")
	}
	mem, err := NewMemorySource([]Sample{good}, []int{2}, []int{1})
	if err != nil {
		t.Fatalf("NewMemorySource failed: %v", err)
	}
	if mem.Len() != 1 {
		t.Fatalf("expected 1 sample, got %d", mem.Len())
	}
}

func TestSynthetic_Failures(t *testing.T) {
	src, err := NewSynthetic(3, []int{2}, []int{1})
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	src.Fail = map[int]bool{1: true}
	if _, err := src.Get(1); !errors.Is(err, ErrSyntheticFailure) {
		t.Fatalf("expected ErrSyntheticFailure, got %v", err)
	}
	if _, err := Materialize(src); !errors.Is(err, ErrSyntheticFailure) {
		t.Fatalf("expected Materialize to surface the failure, got %v", err)
	}
	if _, err := NewSynthetic(-1, []int{2}, []int{1}); err == nil {
		t.Fatalf("expected error for negative size")
	}
}
