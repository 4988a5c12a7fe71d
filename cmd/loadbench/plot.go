package main

import (
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/dataloader/loader"
)

// queueDepthFile is the name of the plot written by plotQueueDepth.
const queueDepthFile = "queue_depth.png"

// plotQueueDepth writes a PNG of the sampled queue depth over time (blue) with
// the prefetch threshold of cfg (red) to outDir.
func plotQueueDepth(outDir string, depth plotter.XYs, cfg loader.Config) error {
	if len(depth) == 0 {
		klog.Warningf("no queue depth samples, skipping plot")
		return nil
	}
	p := plot.New()
	p.Title.Text = "Prefetch queue depth: " + cfg.Name
	p.X.Label.Text = "seconds"
	p.Y.Label.Text = "samples"

	line, err := plotter.NewLine(depth)
	if err != nil {
		return errors.Wrap(err, "depth line")
	}
	line.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("depth", line)

	threshold := math.Ceil(float64(cfg.BatchSize) * cfg.PrefetchRatio)
	xmin, xmax, ymin, ymax := autoRange(depth)
	limit, err := plotter.NewLine(plotter.XYs{{X: xmin, Y: threshold}, {X: xmax, Y: threshold}})
	if err != nil {
		return errors.Wrap(err, "threshold line")
	}
	limit.Color = color.RGBA{R: 200, G: 30, B: 30, A: 180}
	limit.Width = vg.Points(0.8)
	limit.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(limit)
	p.Legend.Add("threshold", limit)

	p.Add(plotter.NewGrid())
	p.X.Min, p.X.Max = xmin, xmax
	p.Y.Min, p.Y.Max = math.Min(ymin, 0), math.Max(ymax, threshold+1)

	if err := ensureDir(outDir); err != nil {
		return errors.Wrapf(err, "create %s", outDir)
	}
	outPath := filepath.Join(outDir, queueDepthFile)
	if err := p.Save(8*vg.Inch, 4*vg.Inch, outPath); err != nil {
		return errors.Wrapf(err, "save %s", outPath)
	}
	klog.Infof("queue depth plot written to %s", outPath)
	return nil
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
		ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
