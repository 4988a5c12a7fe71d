// Example command that loads the tabular and sequence sources of a CSV dataset
// through a loader and converts the first batch of each into gomlx tensors.
//
// Usage:
//
//	go run ./datasets/example -root=assets/train
//
// The directory must hold CSVs with the columns named by -features and -labels
// (and -key for the sequence source). If no CSV is found the example exits with
// an error.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/dataloader/datasets"
	"github.com/Noofbiz/dataloader/loader"
)

var (
	flagRoot     = flag.String("root", "assets/train", "directory holding the CSV files")
	flagFeatures = flag.String("features", "x,y,s,a,o,dir", "feature columns")
	flagLabels   = flag.String("labels", "land_x,land_y", "label columns")
	flagKey      = flag.String("key", "play_id", "key column of the sequence source")
	flagWorkers  = flag.Int("workers", 2, "loader workers")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()
	ctx := context.Background()

	features := strings.Split(*flagFeatures, ",")
	labels := strings.Split(*flagLabels, ",")

	// Tabular rows, read lazily: only the requested rows are parsed.
	rows := must.M1(datasets.NewCSVSource(*flagRoot, "*.csv", features, labels))
	fmt.Printf("Using %d CSV files under %s\n", len(rows.Files()), *flagRoot)
	fmt.Printf("Total rows available: %d\n", rows.Len())
	showFirstBatch(ctx, "rows", rows, 8)

	fmt.Println()

	// Sequences grouped by key, padded or truncated to 32 time steps.
	seqs, err := datasets.NewSequenceSource(*flagRoot, "*.csv", *flagKey, features, labels, 32)
	if err != nil {
		fmt.Printf("Note: could not load sequences: %v\n", err)
		return
	}
	fmt.Printf("Total sequences available: %d\n", seqs.Len())
	if seqs.Len() > 0 {
		fmt.Printf("  First sequence key: %s\n", seqs.Key(0))
	}
	showFirstBatch(ctx, "sequences", seqs, 4)
}

// showFirstBatch reads one batch of src through a loader and prints its tensors.
func showFirstBatch(ctx context.Context, name string, src datasets.SampleSource, batchSize int) {
	cfg := loader.DefaultConfig()
	cfg.Name = name
	cfg.BatchSize = batchSize
	cfg.NumWorkers = *flagWorkers
	cfg.IncludeTrailing = true
	cfg.Split = "validation"
	l := must.M1(loader.New(cfg, src))
	defer l.Close()
	if l.Len() == 0 {
		fmt.Printf("No %s to show\n", name)
		return
	}
	must.M(l.Start(ctx))

	b := must.M1(l.NextBatch(ctx))
	data, label := b.Tensors()
	fmt.Printf("Created %s tensors: input=%s label=%s\n", name, data.Shape(), label.Shape())
	fmt.Printf("  Real samples in batch: %d of %d\n", b.Real, b.Size())
	first := b.Sample(0)
	fmt.Printf("  Sample %d input: %v\n", b.Indices[0], first.Data[:min(len(first.Data), 12)])
	fmt.Printf("  Sample %d label: %v\n", b.Indices[0], first.Label)
}
