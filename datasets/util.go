package datasets

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty string")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// readHeader reads the first record of a CSV file and returns its columns
// normalized to lower case, mapped to their positions.
func readHeader(path string) (map[string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open CSV %s", path)
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %s", path)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[normalizeColumn(col)] = i
	}
	return colIndex, nil
}

func normalizeColumn(col string) string {
	return strings.TrimSpace(strings.ToLower(col))
}

// rowOffsets scans a CSV file once and returns the byte offset of every data
// row (excluding header), so a single row can later be read with one seek.
func rowOffsets(path string) ([]int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.ReuseRecord = true

	// Skip header
	if _, err := reader.Read(); err != nil {
		return nil, err
	}

	var offsets []int64
	for {
		offset := reader.InputOffset()
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, offset)
	}
	return offsets, nil
}

// GlobCSV returns the CSV files matching pattern, interpreted relative to root
// when it is not absolute. An empty pattern means "*.csv".
func GlobCSV(root, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*.csv"
	}
	if root != "" && !filepath.IsAbs(pattern) {
		pattern = filepath.Join(root, pattern)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to glob pattern %s", pattern)
	}
	if len(matches) == 0 {
		return nil, errors.Errorf("no CSV files found matching pattern: %s", pattern)
	}
	return matches, nil
}
