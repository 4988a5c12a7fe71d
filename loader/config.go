package loader

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backpressure selects how workers are kept from running too far ahead of the consumer.
type Backpressure string

const (
	// BackpressureChannel bounds the queue with a hard channel capacity of
	// ceil(BatchSize*PrefetchRatio): a worker's push blocks while the queue is full.
	BackpressureChannel Backpressure = "channel"

	// BackpressurePoll keeps a soft threshold: a worker sleeps PollInterval while
	// the queue holds more than BatchSize*PrefetchRatio items, then re-checks.
	// The queue may overshoot the threshold by at most one item per worker.
	BackpressurePoll Backpressure = "poll"
)

// SplitTrain is the split name for which shuffling and dropping the trailing batch are advised.
const SplitTrain = "train"

// Config holds the construction-time options of a Loader.
type Config struct {
	// Name of the loader, used in logs and as the gomlx dataset name.
	Name string `json:"name"`

	// Root is the dataset location passed to the OpenFunc.
	Root string `json:"root"`

	// BatchSize is the number of samples per batch. Must be positive.
	BatchSize int `json:"batch_size"`

	// Split is "train" or anything else. It only changes which settings are advised.
	Split string `json:"split"`

	// Shuffle the access order at every epoch (single worker) or every pass over
	// a worker's partition (multiple workers).
	Shuffle bool `json:"shuffle"`

	// IncludeTrailing keeps the final short batch, padded by repeating the last sample.
	IncludeTrailing bool `json:"include_trailing"`

	// NumWorkers is the number of producer goroutines. 1 selects the synchronous path.
	NumWorkers int `json:"num_workers"`

	// PrefetchRatio is the queue bound expressed in multiples of BatchSize.
	PrefetchRatio float64 `json:"prefetch_ratio"`

	// CachedDataset, if set, is a cache file read instead of the source.
	// It forces NumWorkers=1 and IncludeTrailing=true.
	CachedDataset string `json:"cached_dataset"`

	// Seed for shuffling. 0 means a time-based seed.
	Seed int64 `json:"seed"`

	// Backpressure mode, BackpressureChannel if empty.
	Backpressure Backpressure `json:"backpressure"`

	// PollInterval is the sleep of BackpressurePoll workers. Defaults to 1s.
	PollInterval Duration `json:"poll_interval"`

	// StrictOrder gives every worker its own queue lane and drains the lanes
	// round-robin, so batch contents are reproducible for a fixed Seed.
	StrictOrder bool `json:"strict_order"`

	// PopTimeout bounds how long NextBatch waits for a single sample from the
	// workers. 0 waits until the context is done.
	PopTimeout Duration `json:"pop_timeout"`

	// MaxConsecutiveFailures stops a worker after that many consecutive failed
	// samples. 0 only stops it after a full pass over its partition failed.
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
}

// DefaultConfig returns the default options.
func DefaultConfig() Config {
	return Config{
		Name:          "loader",
		BatchSize:     16,
		Split:         SplitTrain,
		NumWorkers:    4,
		PrefetchRatio: 3.0,
		Backpressure:  BackpressureChannel,
		PollInterval:  Duration{time.Second},
	}
}

// LoadConfig reads a JSON config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Validate fails fast on configuration errors.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return errors.Errorf("number of workers must be positive, got %d", c.NumWorkers)
	}
	if c.NumWorkers > 1 && c.CachedDataset == "" && c.PrefetchRatio <= 0 {
		return errors.Errorf("prefetch ratio must be positive with %d workers, got %g", c.NumWorkers, c.PrefetchRatio)
	}
	switch c.Backpressure {
	case "", BackpressureChannel, BackpressurePoll:
	default:
		return errors.Errorf("unknown backpressure mode %q", c.Backpressure)
	}
	if c.PollInterval.Duration < 0 || c.PopTimeout.Duration < 0 {
		return errors.New("durations must not be negative")
	}
	if c.MaxConsecutiveFailures < 0 {
		return errors.Errorf("max consecutive failures must not be negative, got %d", c.MaxConsecutiveFailures)
	}
	return nil
}

// withDefaults fills in the zero values that have a default.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "loader"
	}
	if c.Backpressure == "" {
		c.Backpressure = BackpressureChannel
	}
	if c.PollInterval.Duration == 0 {
		c.PollInterval.Duration = time.Second
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// applyCacheOverrides forces the settings a cached dataset ignores.
func (c Config) applyCacheOverrides() Config {
	if c.CachedDataset == "" {
		return c
	}
	if c.NumWorkers != 1 {
		klog.Warningf("%s: cached dataset given, num_workers=%d overridden to 1", c.Name, c.NumWorkers)
		c.NumWorkers = 1
	}
	if !c.IncludeTrailing {
		klog.Warningf("%s: cached dataset given, include_trailing overridden to true", c.Name)
		c.IncludeTrailing = true
	}
	return c
}

// advise logs warnings for settings that do not match the split. Never an error.
func (c *Config) advise() (warnings []string) {
	train := c.Split == SplitTrain
	if train && !c.Shuffle {
		warnings = append(warnings, "split is train, but shuffle is false")
	} else if !train && c.Shuffle {
		warnings = append(warnings, "split is "+c.Split+", but shuffle is true")
	}
	if train && c.IncludeTrailing {
		warnings = append(warnings, "split is train, but include_trailing is true")
	} else if !train && !c.IncludeTrailing {
		warnings = append(warnings, "split is "+c.Split+", but include_trailing is false")
	}
	if !train && c.NumWorkers > 1 {
		warnings = append(warnings, "multiple workers do not give a reproducible order outside training")
	}
	for _, w := range warnings {
		klog.Warningf("%s: %s", c.Name, w)
	}
	return warnings
}

// Duration is a time.Duration that reads from JSON either as a string
// ("500ms", "1s") or as a number of nanoseconds.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", value)
		}
		d.Duration = parsed
	default:
		return errors.Errorf("invalid duration %s", data)
	}
	return nil
}
