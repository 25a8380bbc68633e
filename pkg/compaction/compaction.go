package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"xpdb/pkg/iterator"
	"xpdb/pkg/persistence"
	"xpdb/pkg/types"
	"xpdb/pkg/version"
)

// Options controls when and how levels are compacted.
type Options struct {
	L0Trigger      int
	LevelBaseBytes int64
	SizeMultiplier float64
	TargetFileSize int64
	Builder        persistence.BuilderOptions
	Table          persistence.OpenOptions
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.L0Trigger <= 0 {
		o.L0Trigger = 4
	}
	if o.LevelBaseBytes <= 0 {
		o.LevelBaseBytes = 10 << 20
	}
	if o.SizeMultiplier <= 1 {
		o.SizeMultiplier = 10
	}
	if o.TargetFileSize <= 0 {
		o.TargetFileSize = 2 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats are cumulative compaction counters.
type Stats struct {
	Compactions  uint64
	BytesRead    uint64
	BytesWritten uint64
	TombstonesGC uint64
}

// Compactor merges tables between adjacent levels. It runs alongside
// readers, which keep their pinned Versions, and never touches the write
// path. Compactions are serialized.
type Compactor struct {
	set    *version.Set
	picker *Picker
	opts   Options
	logger *slog.Logger

	mu sync.Mutex

	compactions  atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	tombstonesGC atomic.Uint64
}

func New(set *version.Set, opts Options) *Compactor {
	opts = opts.withDefaults()
	return &Compactor{
		set:    set,
		picker: NewPicker(opts),
		opts:   opts,
		logger: opts.Logger.With("component", "compaction"),
	}
}

func (c *Compactor) Picker() *Picker {
	return c.picker
}

// MaybeCompact runs picked tasks until no level needs compaction. It
// reports whether any work was done.
func (c *Compactor) MaybeCompact(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var did bool
	for {
		if err := ctx.Err(); err != nil {
			return did, err
		}
		v := c.set.Current()
		task := c.picker.Pick(v)
		if err := v.Unref(); err != nil {
			c.logger.Warn("failed to release version", "error", err)
		}
		if task == nil {
			return did, nil
		}
		if err := c.compact(ctx, task); err != nil {
			return did, err
		}
		did = true
	}
}

// CompactAll pushes every level into the next one, top to bottom, so all
// data ends up in the last non-empty level.
func (c *Compactor) CompactAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.set.Current()
	levels := v.NumLevels()
	if err := v.Unref(); err != nil {
		c.logger.Warn("failed to release version", "error", err)
	}

	for _, task := range c.ForceAll(levels) {
		v := c.set.Current()
		t := c.picker.Manual(v, task)
		if err := v.Unref(); err != nil {
			c.logger.Warn("failed to release version", "error", err)
		}
		if t == nil {
			continue
		}
		if err := c.compact(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// ForceAll lists the source levels of a manual full compaction in the
// order they must run. Each task is picked against the Version installed by
// the previous one.
func (c *Compactor) ForceAll(levels int) []int {
	out := make([]int, 0, levels)
	for level := 0; level < levels-1; level++ {
		out = append(out, level)
	}
	return out
}

func (c *Compactor) compact(ctx context.Context, task *Task) error {
	defer func() {
		if err := task.Release(); err != nil {
			c.logger.Warn("failed to release task version", "error", err)
		}
	}()

	started := time.Now()
	edit, err := c.Run(ctx, task)
	if err != nil {
		return err
	}

	outputs := edit.Added()
	applyErr := c.set.Apply(edit)
	var result *multierror.Error
	if applyErr != nil {
		result = multierror.Append(result, fmt.Errorf("failed to apply compaction: %w", applyErr))
	}
	// outputs referenced by an installed manifest must stay on disk
	discard := applyErr != nil && !errors.Is(applyErr, version.ErrManifestNotSynced)
	for _, t := range outputs {
		if discard {
			t.MarkObsolete()
		}
		if err := t.Unref(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	var written int64
	for _, t := range outputs {
		written += t.Size()
	}
	c.compactions.Add(1)
	c.bytesRead.Add(uint64(task.inputBytes()))
	c.bytesWritten.Add(uint64(written))

	c.logger.Info("compaction finished",
		"level", task.Level,
		"output_level", task.Output,
		"inputs", len(task.Inputs)+len(task.Overlap),
		"outputs", len(outputs),
		"manual", task.Manual,
		"duration", time.Since(started),
	)
	return nil
}

// Run merges the task inputs into new tables at task.Output and returns the
// edit replacing inputs with outputs. The edit is not applied; its tables
// carry the caller's reference. On error or cancellation every output
// already written is removed.
func (c *Compactor) Run(ctx context.Context, task *Task) (_ *version.Edit, err error) {
	var (
		outputs []*persistence.SSTable
		builder *persistence.Builder
	)
	defer func() {
		if err == nil {
			return
		}
		if builder != nil {
			if aerr := builder.Abandon(); aerr != nil {
				c.logger.Warn("failed to remove partial output", "path", builder.Path(), "error", aerr)
			}
		}
		for _, t := range outputs {
			t.MarkObsolete()
			if uerr := t.Unref(); uerr != nil {
				c.logger.Warn("failed to remove output", "id", t.ID(), "error", uerr)
			}
		}
	}()

	finish := func() error {
		summary, err := builder.Finish()
		if err != nil {
			return fmt.Errorf("failed to finish output table: %w", err)
		}
		path := builder.Path()
		builder = nil
		t, err := persistence.Open(path, summary.ID, c.opts.Table)
		if err != nil {
			return fmt.Errorf("failed to open output table: %w", err)
		}
		outputs = append(outputs, t)
		return nil
	}

	// inputs of the source level first: for level 0 they are newest first
	children := make([]iterator.Iterator, 0, len(task.Inputs)+len(task.Overlap))
	for _, t := range task.Inputs {
		children = append(children, t.NewIterator())
	}
	for _, t := range task.Overlap {
		children = append(children, t.NewIterator())
	}
	merged := iterator.NewMerging(children...)
	defer merged.Close()

	var (
		lastKey []byte
		hasLast bool
		dropped uint64
	)
	for merged.First(); merged.Valid(); merged.Next() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("compaction cancelled: %w", err)
		}

		e := merged.Entry()
		if hasLast && types.Compare(e.Key, lastKey) == 0 {
			// older version of a key already emitted
			continue
		}
		lastKey = append(lastKey[:0], e.Key...)
		hasLast = true

		if e.IsTombstone() && c.isBaseLevelForKey(task, e.Key) {
			dropped++
			continue
		}

		if builder == nil {
			id := c.set.NewFileNumber()
			builder, err = persistence.NewBuilder(persistence.TablePath(c.set.Dir(), id), id, c.opts.Builder)
			if err != nil {
				return nil, err
			}
		}
		if err := builder.Add(e); err != nil {
			return nil, fmt.Errorf("failed to add entry to output: %w", err)
		}
		if builder.EstimatedSize() >= c.opts.TargetFileSize {
			if err := finish(); err != nil {
				return nil, err
			}
		}
	}
	if err := merged.Err(); err != nil {
		return nil, fmt.Errorf("failed to read compaction input: %w", err)
	}
	if builder != nil {
		if err := finish(); err != nil {
			return nil, err
		}
	}

	edit := &version.Edit{}
	for _, t := range task.Inputs {
		edit.DeleteTable(task.Level, t.ID())
	}
	for _, t := range task.Overlap {
		edit.DeleteTable(task.Output, t.ID())
	}
	for _, t := range outputs {
		edit.AddTable(task.Output, t)
	}
	c.tombstonesGC.Add(dropped)
	return edit, nil
}

// isBaseLevelForKey reports whether no level below the output can hold
// key, which makes a tombstone for it safe to drop.
func (c *Compactor) isBaseLevelForKey(task *Task, key types.Key) bool {
	for level := task.Output + 1; level < task.v.NumLevels(); level++ {
		if len(task.v.Overlapping(level, key, key)) > 0 {
			return false
		}
	}
	return true
}

func (c *Compactor) Stats() Stats {
	return Stats{
		Compactions:  c.compactions.Load(),
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
		TombstonesGC: c.tombstonesGC.Load(),
	}
}
