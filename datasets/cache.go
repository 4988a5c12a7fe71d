package datasets

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CacheVersion is incremented when the on-disk cache format changes.
const CacheVersion = 1

// cacheHeader is the first gob value of a cache file. It is followed by one
// gob-encoded Sample per dataset sample, in index order, until EOF.
type cacheHeader struct {
	Version    int
	CreatedAt  int64
	DataShape  []int
	LabelShape []int
}

// CacheWriter streams samples into a cache file. The file only appears at its
// final path once Commit succeeds (temp file + rename).
type CacheWriter struct {
	path                  string
	dataShape, labelShape []int
	tmpFile               *os.File
	enc                   *gob.Encoder
	count                 int
	done                  bool
}

// NewCacheWriter creates the temporary file and writes the header.
func NewCacheWriter(path string, dataShape, labelShape []int) (*CacheWriter, error) {
	if path == "" {
		return nil, errors.New("empty cache path")
	}
	if err := ValidateShape("data", dataShape); err != nil {
		return nil, err
	}
	if err := ValidateShape("label", labelShape); err != nil {
		return nil, err
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp cache file")
	}
	w := &CacheWriter{
		path:       path,
		dataShape:  dataShape,
		labelShape: labelShape,
		tmpFile:    tmpFile,
		enc:        gob.NewEncoder(tmpFile),
	}
	header := cacheHeader{
		Version:    CacheVersion,
		CreatedAt:  time.Now().Unix(),
		DataShape:  dataShape,
		LabelShape: labelShape,
	}
	if err := w.enc.Encode(&header); err != nil {
		w.Abort()
		return nil, errors.Wrap(err, "encode cache header")
	}
	return w, nil
}

// Write appends one sample.
func (w *CacheWriter) Write(s Sample) error {
	if w.done {
		return errors.New("cache writer already closed")
	}
	if err := CheckSample(s, w.dataShape, w.labelShape); err != nil {
		return errors.WithMessagef(err, "cache sample #%d", w.count)
	}
	if err := w.enc.Encode(&s); err != nil {
		return errors.Wrapf(err, "encode cache sample #%d", w.count)
	}
	w.count++
	return nil
}

// Count returns the number of samples written so far.
func (w *CacheWriter) Count() int { return w.count }

// Commit flushes the temporary file and renames it to the target path.
func (w *CacheWriter) Commit() error {
	if w.done {
		return errors.New("cache writer already closed")
	}
	w.done = true
	tmpName := w.tmpFile.Name()
	if err := w.tmpFile.Sync(); err != nil {
		// non-fatal but warn
		klog.Warningf("sync temp cache file: %v", err)
	}
	if err := w.tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "close temp cache file")
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "rename temp cache to target")
	}
	if info, err := os.Stat(w.path); err == nil {
		klog.Infof("wrote cache %s: %d samples, %s", w.path, w.count, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// Abort discards the temporary file. It is safe to call after Commit.
func (w *CacheWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	tmpName := w.tmpFile.Name()
	_ = w.tmpFile.Close()
	_ = os.Remove(tmpName)
}

// WriteCache writes samples to path as a cache file.
func WriteCache(path string, samples []Sample, dataShape, labelShape []int) error {
	w, err := NewCacheWriter(path, dataShape, labelShape)
	if err != nil {
		return err
	}
	for _, s := range samples {
		if err := w.Write(s); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Commit()
}

// ReadCache loads a cache file written by CacheWriter into a MemorySource.
func ReadCache(path string) (*MemorySource, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open cache file %s", path)
	}
	defer fh.Close()

	dec := gob.NewDecoder(fh)
	var header cacheHeader
	if err := dec.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "decode cache header %s", path)
	}
	if header.Version != CacheVersion {
		return nil, errors.Errorf("cache version mismatch: cache=%d expected=%d", header.Version, CacheVersion)
	}
	var samples []Sample
	for {
		var s Sample
		err := dec.Decode(&s)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decode cache sample #%d of %s", len(samples), path)
		}
		samples = append(samples, s)
	}
	mem, err := NewMemorySource(samples, header.DataShape, header.LabelShape)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid cache %s", path)
	}
	return mem, nil
}

// CheckCacheShapes verifies a loaded cache declares the expected shapes.
func CheckCacheShapes(mem *MemorySource, dataShape, labelShape []int) error {
	if !slices.Equal(mem.DataShape(), dataShape) || !slices.Equal(mem.LabelShape(), labelShape) {
		return errors.Errorf("cache shapes %v/%v do not match expected %v/%v",
			mem.DataShape(), mem.LabelShape(), dataShape, labelShape)
	}
	return nil
}
