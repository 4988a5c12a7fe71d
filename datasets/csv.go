package datasets

import (
	"encoding/csv"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CSVSource lazily loads CSV files matching a given pattern. Each row is one
// sample: the feature columns become the data vector and the label columns
// the label vector, both float32.
//
// Construction scans every file once to record the byte offset of each row;
// Get then reads a single row with one seek.
type CSVSource struct {
	// Pattern used to find CSV files (e.g., "train/*.csv")
	Pattern string

	// List of CSV file paths matching the pattern
	csvPaths []string

	// Column indices for features and labels (discovered from first file)
	featureCols, labelCols []int

	// offsets[fileIdx][rowIdx] is the byte offset of the row.
	offsets [][]int64

	// Cumulative counts for fast index mapping
	cumCounts []int

	// Total number of examples across all files
	totalExamples int

	// handles are per-file open handles, only set on clones (owned by one worker).
	handles []*os.File
}

var (
	_ SampleSource = (*CSVSource)(nil)
	_ Cloner       = (*CSVSource)(nil)
)

// NewCSVSource creates a source over the CSV files matching pattern under root.
// features and labels name the columns (case-insensitive) read for each sample.
func NewCSVSource(root, pattern string, features, labels []string) (*CSVSource, error) {
	if len(features) == 0 {
		return nil, errors.New("CSVSource requires at least one feature column")
	}
	if len(labels) == 0 {
		return nil, errors.New("CSVSource requires at least one label column")
	}
	csvPaths, err := GlobCSV(root, pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(csvPaths)

	d := &CSVSource{
		Pattern:  pattern,
		csvPaths: csvPaths,
	}
	if err := d.initializeColumns(features, labels); err != nil {
		return nil, err
	}
	if err := d.buildIndex(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("CSVSource %q: %d files, %d rows", pattern, len(csvPaths), d.totalExamples)
	return d, nil
}

// initializeColumns reads the first CSV to determine column indices
func (d *CSVSource) initializeColumns(features, labels []string) error {
	colIndex, err := readHeader(d.csvPaths[0])
	if err != nil {
		return err
	}
	lookup := func(names []string) ([]int, error) {
		cols := make([]int, len(names))
		for i, name := range names {
			idx, ok := colIndex[normalizeColumn(name)]
			if !ok {
				return nil, errors.Errorf("required column %q not found in CSV %s", name, d.csvPaths[0])
			}
			cols[i] = idx
		}
		return cols, nil
	}
	if d.featureCols, err = lookup(features); err != nil {
		return err
	}
	d.labelCols, err = lookup(labels)
	return err
}

// buildIndex records row offsets in all files and builds cumulative counts
func (d *CSVSource) buildIndex() error {
	d.offsets = make([][]int64, len(d.csvPaths))
	d.cumCounts = make([]int, len(d.csvPaths)+1)
	for i, path := range d.csvPaths {
		offsets, err := rowOffsets(path)
		if err != nil {
			return errors.Wrapf(err, "failed to index rows in %s", path)
		}
		d.offsets[i] = offsets
		d.cumCounts[i+1] = d.cumCounts[i] + len(offsets)
	}
	d.totalExamples = d.cumCounts[len(d.csvPaths)]
	return nil
}

// Len returns the total number of rows across all CSV files.
func (d *CSVSource) Len() int {
	return d.totalExamples
}

// DataShape implements SampleSource.
func (d *CSVSource) DataShape() []int { return []int{len(d.featureCols)} }

// LabelShape implements SampleSource.
func (d *CSVSource) LabelShape() []int { return []int{len(d.labelCols)} }

// Get reads a single row by global index.
func (d *CSVSource) Get(idx int) (Sample, error) {
	if err := checkIndex(idx, d.totalExamples); err != nil {
		return Sample{}, err
	}
	fileIdx, localIdx := d.mapGlobalIndex(idx)
	record, err := d.readRecord(fileIdx, localIdx)
	if err != nil {
		return Sample{}, errors.WithMessagef(err, "sample %d (%s row %d)", idx, d.csvPaths[fileIdx], localIdx)
	}
	s := Sample{
		Data:  make([]float32, len(d.featureCols)),
		Label: make([]float32, len(d.labelCols)),
	}
	if err := parseColumns(record, d.featureCols, s.Data); err != nil {
		return Sample{}, errors.WithMessagef(err, "sample %d features", idx)
	}
	if err := parseColumns(record, d.labelCols, s.Label); err != nil {
		return Sample{}, errors.WithMessagef(err, "sample %d labels", idx)
	}
	return s, nil
}

func parseColumns(record []string, cols []int, into []float32) error {
	for i, col := range cols {
		if col >= len(record) {
			return errors.Errorf("row has %d columns, column %d missing", len(record), col)
		}
		val, err := parseFloat32(record[col])
		if err != nil {
			return errors.Wrapf(err, "failed to parse column %d", col)
		}
		into[i] = val
	}
	return nil
}

// mapGlobalIndex maps a global index to (file index, row index within file)
func (d *CSVSource) mapGlobalIndex(globalIdx int) (fileIdx, localIdx int) {
	// cumCounts[i+1] is the first global index past file i.
	fileIdx = sort.Search(len(d.csvPaths), func(i int) bool { return globalIdx < d.cumCounts[i+1] })
	return fileIdx, globalIdx - d.cumCounts[fileIdx]
}

// readRecord seeks to the row and reads it.
func (d *CSVSource) readRecord(fileIdx, rowIdx int) ([]string, error) {
	file, release, err := d.openFile(fileIdx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := file.Seek(d.offsets[fileIdx][rowIdx], io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "failed to seek")
	}
	record, err := csv.NewReader(file).Read()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read row")
	}
	return record, nil
}

// openFile returns a handle to the file: a cached one on clones, a fresh one otherwise.
func (d *CSVSource) openFile(fileIdx int) (*os.File, func(), error) {
	if d.handles != nil {
		if d.handles[fileIdx] == nil {
			f, err := os.Open(d.csvPaths[fileIdx])
			if err != nil {
				return nil, nil, errors.Wrap(err, "failed to open CSV")
			}
			d.handles[fileIdx] = f
		}
		return d.handles[fileIdx], func() {}, nil
	}
	f, err := os.Open(d.csvPaths[fileIdx])
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open CSV")
	}
	return f, func() { _ = f.Close() }, nil
}

// Clone returns a source sharing the row index but owning its own file handles.
// A clone must be used by a single goroutine and closed with Close.
func (d *CSVSource) Clone() (SampleSource, error) {
	c := *d
	c.handles = make([]*os.File, len(d.csvPaths))
	return &c, nil
}

// Close releases the handles held by a clone. It is a no-op on the original source.
func (d *CSVSource) Close() error {
	var firstErr error
	for i, f := range d.handles {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.handles[i] = nil
	}
	return firstErr
}

// Files returns the CSV files backing the source, in index order.
func (d *CSVSource) Files() []string {
	return append([]string(nil), d.csvPaths...)
}
