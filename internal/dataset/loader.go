package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"yashubustudio/strbench/strbench"
)

// Options configures how directories become batches.
type Options struct {
	Transform Transform
	Filter    Filter
	// Workers bounds concurrent image decodes; 0 uses GOMAXPROCS.
	Workers int
}

// OptionsFromConfig derives loader options from the benchmark configuration.
func OptionsFromConfig(cfg strbench.Config) Options {
	return Options{
		Transform: Transform{ImgH: cfg.ImgH, ImgW: cfg.ImgW, RGB: cfg.RGB, PAD: cfg.PAD},
		Filter: Filter{
			Character:        cfg.Character,
			BatchMaxLength:   cfg.BatchMaxLength,
			Sensitive:        cfg.Sensitive,
			DataFilteringOff: cfg.DataFilteringOff,
			Normalize:        cfg.NormalizeLabels,
		},
		Workers: cfg.Workers,
	}
}

// Opener resolves <root>/<name> into a Loader. It implements strbench.DatasetOpener.
type Opener struct {
	opts   Options
	logger *log.Logger
}

// NewOpener creates an opener with the given options.
func NewOpener(opts Options, logger *log.Logger) *Opener {
	return &Opener{opts: opts, logger: logger}
}

// Open walks <root>/<name> and loads every leaf directory holding a gt.txt, in lexical order.
func (o *Opener) Open(ctx context.Context, root, name string, batchSize int) (strbench.Dataset, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	dir := filepath.Join(root, name)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", name, err)
	}
	dirs, err := findGTDirs(dir)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("dataset %s: no %s found: %w", name, GTFile, strbench.ErrEmptyDataset)
	}

	var logb strings.Builder
	fmt.Fprintf(&logb, "dataset_root:    %s\t dataset: /\n", dir)
	filter := o.opts.Filter
	var samples []Sample
	dropped := 0
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := ReadGT(d)
		if err != nil {
			return nil, err
		}
		kept := 0
		for _, s := range raw {
			label, ok := filter.Apply(s.Label)
			if !ok {
				dropped++
				continue
			}
			s.Label = label
			samples = append(samples, s)
			kept++
		}
		rel, err := filepath.Rel(dir, d)
		if err != nil || rel == "." {
			rel = ""
		}
		fmt.Fprintf(&logb, "sub-directory:\t/%s\t num samples: %d\n", filepath.ToSlash(rel), kept)
	}
	if dropped > 0 {
		o.logf("dataset %s: %d samples filtered out", name, dropped)
	}

	workers := o.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Loader{
		samples:   samples,
		batchSize: batchSize,
		transform: o.opts.Transform,
		workers:   workers,
		log:       logb.String(),
	}, nil
}

func (o *Opener) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

func findGTDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == GTFile {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Loader yields fixed-size batches of decoded samples in file order.
type Loader struct {
	samples   []Sample
	batchSize int
	transform Transform
	workers   int
	log       string
	pos       int
	closed    bool
}

// Samples returns the filtered sample list.
func (l *Loader) Samples() []Sample {
	return l.samples
}

// Len returns the number of samples after filtering.
func (l *Loader) Len() int {
	return len(l.samples)
}

// Log returns the dataset description lines.
func (l *Loader) Log() string {
	return l.log
}

// Next decodes the next batch concurrently. The last batch may be smaller than the batch size.
func (l *Loader) Next(ctx context.Context) (strbench.Batch, bool, error) {
	if l.closed {
		return strbench.Batch{}, false, errors.New("loader is closed")
	}
	if l.pos >= len(l.samples) {
		return strbench.Batch{}, false, nil
	}
	end := l.pos + l.batchSize
	if end > len(l.samples) {
		end = len(l.samples)
	}
	chunk := l.samples[l.pos:end]
	l.pos = end

	t := l.transform
	images := strbench.NewImages(len(chunk), t.Channels(), t.ImgH, t.ImgW)
	labels := make([]string, len(chunk))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, s := range chunk {
		i, s := i, s
		labels[i] = s.Label
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := LoadFile(s.Path)
			if err != nil {
				return err
			}
			if err := t.Apply(img, images.Sample(i)); err != nil {
				return fmt.Errorf("transform %s: %w", s.Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return strbench.Batch{}, false, err
	}
	return strbench.Batch{Images: images, Labels: labels}, true, nil
}

// Reset rewinds the loader to the first sample.
func (l *Loader) Reset() {
	l.pos = 0
}

// Close releases the loader.
func (l *Loader) Close() error {
	l.closed = true
	return nil
}
