// Command loadbench drives a loader over a dataset for a number of epochs and
// reports throughput, queue depth and failure counters. It can also write a
// cache file for a dataset and train the simple MLP on the loaded batches.
//
// Usage:
//
//	loadbench -source=csv -root=data/train -features=x,y,s -labels=land_x -workers=4 -epochs=3
//	loadbench -source=synthetic -n=100000 -delay=200us -workers=8 -plot=plots
//	loadbench -config=loader.json -write-cache=output/train.gob
//
// Options explicitly given on the command line override the JSON config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/plot/plotter"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/dataloader/datasets"
	"github.com/Noofbiz/dataloader/loader"
	"github.com/Noofbiz/dataloader/simple"
)

var (
	flagConfig = flag.String("config", "", "path to a JSON loader configuration (optional)")

	// Source selection.
	flagSource   = flag.String("source", "synthetic", "sample source: csv, sequence or synthetic")
	flagRoot     = flag.String("root", "", "dataset root directory")
	flagPattern  = flag.String("pattern", "*.csv", "glob pattern of the CSV files under root")
	flagFeatures = flag.String("features", "", "comma-separated feature (or sequence channel) columns")
	flagLabels   = flag.String("labels", "", "comma-separated label columns")
	flagKey      = flag.String("key", "play_id", "key column grouping rows into sequences (source=sequence)")
	flagSeqLen   = flag.Int("seq-len", 16, "sequence length (source=sequence)")
	flagN        = flag.Int("n", 10000, "number of samples (source=synthetic)")
	flagDelay    = flag.Duration("delay", 0, "simulated read latency per sample (source=synthetic)")
	flagLRU      = flag.Int("lru", 0, "if > 0, keep up to this many decoded samples in an LRU cache")
	flagLRUTTL   = flag.Duration("lru-ttl", 5*time.Minute, "TTL of LRU cache entries")

	// Loader configuration, overriding the JSON config when set.
	flagBatchSize    = flag.Int("batch-size", 16, "batch size")
	flagSplit        = flag.String("split", loader.SplitTrain, "split name: train or anything else")
	flagShuffle      = flag.Bool("shuffle", false, "shuffle the access order")
	flagTrailing     = flag.Bool("trailing", false, "include the padded trailing batch")
	flagWorkers      = flag.Int("workers", 4, "number of workers, 1 reads synchronously")
	flagRatio        = flag.Float64("ratio", 3.0, "prefetch ratio, in multiples of batch size")
	flagCached       = flag.String("cached", "", "read this cache file instead of the source")
	flagSeed         = flag.Int64("seed", 0, "shuffle seed, 0 for time-based")
	flagBackpressure = flag.String("backpressure", string(loader.BackpressureChannel), "backpressure mode: channel or poll")
	flagPoll         = flag.Duration("poll", time.Second, "poll interval of workers in poll mode")
	flagStrict       = flag.Bool("strict", false, "strict round-robin order across workers")
	flagPopTimeout   = flag.Duration("pop-timeout", 0, "max wait for one prefetched sample, 0 waits forever")
	flagMaxFailures  = flag.Int("max-failures", 0, "stop a worker after this many consecutive failed samples")

	// Run.
	flagEpochs      = flag.Int("epochs", 3, "number of epochs to run")
	flagWriteCache  = flag.String("write-cache", "", "if set, write the de-padded dataset to this cache file and exit")
	flagPlot        = flag.String("plot", "", "if set, write a queue depth plot to this directory")
	flagSample      = flag.Duration("sample-interval", 10*time.Millisecond, "queue depth sampling interval")
	flagTrain       = flag.Int("train-epochs", 0, "if > 0, train the simple MLP for this many epochs on the loaded batches")
	flagLR          = flag.Float64("learning-rate", 0.005, "learning rate of the simple MLP")
	flagPrintConfig = flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg, err := effectiveConfig()
	if err != nil {
		klog.Fatalf("configuration: %+v", err)
	}
	if *flagPrintConfig {
		printConfig(cfg)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	l, err := loader.Open(cfg, openSource)
	if err != nil {
		klog.Fatalf("failed to create loader: %+v", err)
	}
	defer l.Close()

	if *flagWriteCache != "" {
		count, err := loader.CacheDataset(ctx, l, *flagWriteCache)
		if err != nil {
			klog.Fatalf("failed to write cache: %+v", err)
		}
		fmt.Printf("Cached %s samples to %s\n", humanize.Comma(int64(count)), *flagWriteCache)
		return
	}

	if err := l.Start(ctx); err != nil {
		klog.Fatalf("failed to start workers: %+v", err)
	}
	report, err := run(ctx, l)
	if err != nil {
		klog.Errorf("run stopped: %+v", err)
	}
	printReport(l, report)

	if *flagPlot != "" {
		if err := plotQueueDepth(*flagPlot, report.depth, l.Config()); err != nil {
			klog.Errorf("failed to plot queue depth: %+v", err)
		}
	}
	if *flagTrain > 0 && err == nil {
		if err := train(ctx, l); err != nil {
			klog.Fatalf("training failed: %+v", err)
		}
	}
}

// effectiveConfig loads the JSON config, if any, and applies the flags set on the command line.
func effectiveConfig() (loader.Config, error) {
	cfg := loader.DefaultConfig()
	if *flagConfig != "" {
		var err error
		if cfg, err = loader.LoadConfig(*flagConfig); err != nil {
			return cfg, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Root = *flagRoot
		case "batch-size":
			cfg.BatchSize = *flagBatchSize
		case "split":
			cfg.Split = *flagSplit
		case "shuffle":
			cfg.Shuffle = *flagShuffle
		case "trailing":
			cfg.IncludeTrailing = *flagTrailing
		case "workers":
			cfg.NumWorkers = *flagWorkers
		case "ratio":
			cfg.PrefetchRatio = *flagRatio
		case "cached":
			cfg.CachedDataset = *flagCached
		case "seed":
			cfg.Seed = *flagSeed
		case "backpressure":
			cfg.Backpressure = loader.Backpressure(*flagBackpressure)
		case "poll":
			cfg.PollInterval.Duration = *flagPoll
		case "strict":
			cfg.StrictOrder = *flagStrict
		case "pop-timeout":
			cfg.PopTimeout.Duration = *flagPopTimeout
		case "max-failures":
			cfg.MaxConsecutiveFailures = *flagMaxFailures
		}
	})
	if *flagSample <= 0 {
		return cfg, errors.Errorf("-sample-interval must be positive, got %s", *flagSample)
	}
	if cfg.Name == loader.DefaultConfig().Name {
		cfg.Name = *flagSource
		if cfg.Root != "" {
			cfg.Name += ":" + cfg.Root
		}
	}
	return cfg, cfg.Validate()
}

func printConfig(cfg loader.Config) {
	t := lgtable.New().Border(lipgloss.RoundedBorder()).Headers("option", "value")
	t.Row("root", cfg.Root)
	t.Row("batch size", fmt.Sprint(cfg.BatchSize))
	t.Row("split", cfg.Split)
	t.Row("shuffle", fmt.Sprint(cfg.Shuffle))
	t.Row("include trailing", fmt.Sprint(cfg.IncludeTrailing))
	t.Row("workers", fmt.Sprint(cfg.NumWorkers))
	t.Row("prefetch ratio", fmt.Sprint(cfg.PrefetchRatio))
	t.Row("cached dataset", cfg.CachedDataset)
	t.Row("backpressure", string(cfg.Backpressure))
	t.Row("poll interval", cfg.PollInterval.String())
	t.Row("strict order", fmt.Sprint(cfg.StrictOrder))
	t.Row("pop timeout", cfg.PopTimeout.String())
	t.Row("max consecutive failures", fmt.Sprint(cfg.MaxConsecutiveFailures))
	fmt.Println(t)
}

// openSource opens the source selected by -source at root.
func openSource(root string) (datasets.SampleSource, error) {
	var (
		src datasets.SampleSource
		err error
	)
	switch *flagSource {
	case "csv":
		src, err = datasets.NewCSVSource(root, *flagPattern, splitList(*flagFeatures), splitList(*flagLabels))
	case "sequence":
		src, err = datasets.NewSequenceSource(root, *flagPattern, *flagKey, splitList(*flagFeatures), splitList(*flagLabels), *flagSeqLen)
	case "synthetic":
		var syn *datasets.Synthetic
		syn, err = datasets.NewSynthetic(*flagN, []int{8}, []int{2})
		if err == nil {
			syn.Delay = *flagDelay
			src = syn
		}
	default:
		return nil, errors.Errorf("unknown source %q", *flagSource)
	}
	if err != nil {
		return nil, err
	}
	if *flagLRU > 0 {
		src = datasets.NewCachedSource(src, *flagLRU, *flagLRUTTL)
	}
	return src, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runReport holds the measurements of one run.
type runReport struct {
	epochs  int
	batches int
	samples int
	bytes   uint64
	elapsed time.Duration
	depth   plotter.XYs
}

// run reads -epochs epochs from l while sampling its queue depth.
func run(ctx context.Context, l *loader.Loader) (*runReport, error) {
	report := &runReport{}
	start := time.Now()

	var muDepth sync.Mutex
	samplerCtx, stopSampler := context.WithCancel(ctx)
	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		ticker := time.NewTicker(*flagSample)
		defer ticker.Stop()
		for {
			select {
			case <-samplerCtx.Done():
				return
			case now := <-ticker.C:
				muDepth.Lock()
				report.depth = append(report.depth, plotter.XY{X: now.Sub(start).Seconds(), Y: float64(l.QueueDepth())})
				muDepth.Unlock()
			}
		}
	}()
	defer func() {
		stopSampler()
		<-samplerDone
		report.elapsed = time.Since(start)
	}()

	bar := progressbar.NewOptions(l.Len()**flagEpochs,
		progressbar.OptionSetDescription("loading"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	defer func() { _ = bar.Finish() }()

	for epoch := 0; epoch < *flagEpochs; epoch++ {
		l.Reset()
		for {
			b, err := l.NextBatch(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return report, errors.WithMessagef(err, "epoch %d", epoch)
			}
			report.batches++
			report.samples += b.Real
			report.bytes += uint64(4 * (len(b.Data) + len(b.Label)))
			_ = bar.Add(1)
		}
		report.epochs++
		klog.V(1).Infof("epoch %d done: %d batches so far", epoch, report.batches)
	}
	return report, nil
}

func printReport(l *loader.Loader, r *runReport) {
	if r == nil {
		return
	}
	stats := l.Stats()
	seconds := max(r.elapsed.Seconds(), 1e-9)
	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#705090"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	t.Row("Loader", l.Name())
	t.Row("Samples per epoch", humanize.Comma(int64(l.NumSamples())))
	t.Row("Batches per epoch", fmt.Sprintf("%d (last has %d real)", l.Len(), l.TrailingCount()))
	t.Row("Epochs", fmt.Sprint(r.epochs))
	t.Row("Batches", humanize.Comma(int64(r.batches)))
	t.Row("Elapsed", r.elapsed.Round(time.Millisecond).String())
	t.Row("Samples/s", humanize.CommafWithDigits(float64(r.samples)/seconds, 1))
	t.Row("Throughput", humanize.Bytes(uint64(float64(r.bytes)/seconds))+"/s")
	if !l.Synchronous() {
		t.Row("Produced", humanize.Comma(stats.Produced))
		t.Row("Skipped", humanize.Comma(stats.Skipped))
		t.Row("Throttled", humanize.Comma(stats.Throttled))
		t.Row("Max queue depth", fmt.Sprint(stats.MaxQueueDepth))
	}
	fmt.Println(lipgloss.NewStyle().PaddingLeft(2).Render(t.String()))
}

// train fits the simple MLP on the loaded batches and reports the loss per epoch.
func train(ctx context.Context, l *loader.Loader) error {
	desc := l.ProvideData()[0].Shape
	labelDesc := l.ProvideLabel()[0].Shape
	model := must.M1(simple.NewModel(simple.Config{
		HiddenSizes:  []int{32, 16},
		InputDim:     datasets.ShapeSize(desc[1:]),
		OutputDim:    datasets.ShapeSize(labelDesc[1:]),
		LearningRate: *flagLR,
		Epochs:       *flagTrain,
		Seed:         l.Config().Seed,
		ClipNorm:     5,
	}))
	losses, err := model.Train(ctx, l)
	if err != nil {
		return err
	}
	for epoch, loss := range losses {
		fmt.Printf("train epoch %d: loss=%.6f\n", epoch, loss)
	}
	return nil
}
