package datasets

import (
	"encoding/csv"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SequenceSource groups CSV rows sharing a key column (e.g. a play or session id)
// into fixed-length sequences:
//
//   - data has shape [seqLen, len(channels)], rows in file order; groups longer
//     than seqLen are truncated, shorter ones are padded by repeating their last row.
//   - label is read from the label columns of the group's last row.
//
// Groups are numbered in order of first appearance across the (sorted) files.
type SequenceSource struct {
	Pattern string

	csvPaths []string
	seqLen   int

	keyCol      int
	channelCols []int
	labelCols   []int

	groups []sequenceGroup
}

type rowRef struct {
	fileIdx int
	offset  int64
}

type sequenceGroup struct {
	key  string
	rows []rowRef
}

var _ SampleSource = (*SequenceSource)(nil)

// NewSequenceSource creates a sequence source over the CSV files matching pattern under root.
func NewSequenceSource(root, pattern, keyColumn string, channels, labels []string, seqLen int) (*SequenceSource, error) {
	if seqLen <= 0 {
		return nil, errors.Errorf("sequence length must be positive, got %d", seqLen)
	}
	if len(channels) == 0 || len(labels) == 0 {
		return nil, errors.New("SequenceSource requires channel and label columns")
	}
	csvPaths, err := GlobCSV(root, pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(csvPaths)

	a := &SequenceSource{Pattern: pattern, csvPaths: csvPaths, seqLen: seqLen}
	if err := a.initializeColumns(keyColumn, channels, labels); err != nil {
		return nil, err
	}
	if err := a.buildGroupIndex(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("SequenceSource %q: %d groups of length %d", pattern, len(a.groups), seqLen)
	return a, nil
}

// initializeColumns determines column indices from the first file
func (a *SequenceSource) initializeColumns(keyColumn string, channels, labels []string) error {
	colIndex, err := readHeader(a.csvPaths[0])
	if err != nil {
		return err
	}
	idx, ok := colIndex[normalizeColumn(keyColumn)]
	if !ok {
		return errors.Errorf("key column %q not found", keyColumn)
	}
	a.keyCol = idx

	lookup := func(names []string) ([]int, error) {
		cols := make([]int, len(names))
		for i, name := range names {
			idx, ok := colIndex[normalizeColumn(name)]
			if !ok {
				return nil, errors.Errorf("column %q not found", name)
			}
			cols[i] = idx
		}
		return cols, nil
	}
	if a.channelCols, err = lookup(channels); err != nil {
		return err
	}
	a.labelCols, err = lookup(labels)
	return err
}

// buildGroupIndex scans all files and records the rows of every key.
func (a *SequenceSource) buildGroupIndex() error {
	byKey := make(map[string]int)
	for fileIdx, path := range a.csvPaths {
		if err := a.scanFile(fileIdx, path, byKey); err != nil {
			return errors.Wrapf(err, "failed to scan %s", path)
		}
	}
	return nil
}

func (a *SequenceSource) scanFile(fileIdx int, path string, byKey map[string]int) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Skip header
	if _, err := reader.Read(); err != nil {
		return err
	}
	for {
		offset := reader.InputOffset()
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if a.keyCol >= len(record) {
			return errors.Errorf("row at offset %d has no key column", offset)
		}
		key := record[a.keyCol]
		gIdx, ok := byKey[key]
		if !ok {
			gIdx = len(a.groups)
			byKey[key] = gIdx
			a.groups = append(a.groups, sequenceGroup{key: key})
		}
		a.groups[gIdx].rows = append(a.groups[gIdx].rows, rowRef{fileIdx: fileIdx, offset: offset})
	}
}

// Len returns the number of groups.
func (a *SequenceSource) Len() int { return len(a.groups) }

// DataShape implements SampleSource.
func (a *SequenceSource) DataShape() []int { return []int{a.seqLen, len(a.channelCols)} }

// LabelShape implements SampleSource.
func (a *SequenceSource) LabelShape() []int { return []int{len(a.labelCols)} }

// Key returns the key value of the group at idx.
func (a *SequenceSource) Key(idx int) string { return a.groups[idx].key }

// Get implements SampleSource.
func (a *SequenceSource) Get(idx int) (Sample, error) {
	if err := checkIndex(idx, len(a.groups)); err != nil {
		return Sample{}, err
	}
	group := a.groups[idx]
	channels := len(a.channelCols)
	s := Sample{
		Data:  make([]float32, a.seqLen*channels),
		Label: make([]float32, len(a.labelCols)),
	}

	files := make(map[int]*os.File)
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	readRow := func(ref rowRef) ([]string, error) {
		f, ok := files[ref.fileIdx]
		if !ok {
			var err error
			if f, err = os.Open(a.csvPaths[ref.fileIdx]); err != nil {
				return nil, err
			}
			files[ref.fileIdx] = f
		}
		if _, err := f.Seek(ref.offset, io.SeekStart); err != nil {
			return nil, err
		}
		return csv.NewReader(f).Read()
	}

	numRows := min(len(group.rows), a.seqLen)
	for t := range numRows {
		record, err := readRow(group.rows[t])
		if err != nil {
			return Sample{}, errors.Wrapf(err, "group %q step %d", group.key, t)
		}
		if err := parseColumns(record, a.channelCols, s.Data[t*channels:(t+1)*channels]); err != nil {
			return Sample{}, errors.WithMessagef(err, "group %q step %d", group.key, t)
		}
	}
	// Pad by repeating the last row read.
	last := s.Data[(numRows-1)*channels : numRows*channels]
	for t := numRows; t < a.seqLen; t++ {
		copy(s.Data[t*channels:], last)
	}

	record, err := readRow(group.rows[len(group.rows)-1])
	if err != nil {
		return Sample{}, errors.Wrapf(err, "group %q label row", group.key)
	}
	if err := parseColumns(record, a.labelCols, s.Label); err != nil {
		return Sample{}, errors.WithMessagef(err, "group %q labels", group.key)
	}
	return s, nil
}
