package compaction

import (
	"math"
	"sync"

	"xpdb/pkg/persistence"
	"xpdb/pkg/types"
	"xpdb/pkg/version"
)

// Task is one unit of compaction work: the chosen tables of Level merged
// with the overlapping tables of Output.
type Task struct {
	Level   int
	Output  int
	Inputs  []*persistence.SSTable
	Overlap []*persistence.SSTable
	Score   float64
	Manual  bool

	v *version.Version
}

// Release drops the Version the task was picked from.
func (t *Task) Release() error {
	if t.v == nil {
		return nil
	}
	err := t.v.Unref()
	t.v = nil
	return err
}

func (t *Task) inputBytes() int64 {
	var n int64
	for _, tables := range [][]*persistence.SSTable{t.Inputs, t.Overlap} {
		for _, table := range tables {
			n += table.Size()
		}
	}
	return n
}

// Picker scores levels and chooses what to compact next.
type Picker struct {
	opts Options

	mu sync.Mutex
	// pointers[level] is the largest key of the last table compacted out
	// of level, so successive picks rotate through the key space.
	pointers map[int][]byte
}

func NewPicker(opts Options) *Picker {
	return &Picker{opts: opts.withDefaults(), pointers: make(map[int][]byte)}
}

// MaxBytes is the size budget of a level >= 1.
func (p *Picker) MaxBytes(level int) float64 {
	return float64(p.opts.LevelBaseBytes) * math.Pow(p.opts.SizeMultiplier, float64(level-1))
}

// Score returns the compaction pressure of level. Scores >= 1 need work.
func (p *Picker) Score(v *version.Version, level int) float64 {
	if level == 0 {
		return float64(v.NumFiles(0)) / float64(p.opts.L0Trigger)
	}
	return float64(v.LevelSize(level)) / p.MaxBytes(level)
}

// Pick returns the most urgent task for v, or nil if no level needs
// compaction. The task holds a reference on v until Release.
func (p *Picker) Pick(v *version.Version) *Task {
	best, bestScore := -1, 1.0
	// the last level has nowhere to go
	for level := 0; level < v.NumLevels()-1; level++ {
		if s := p.Score(v, level); s >= bestScore {
			best, bestScore = level, s
		}
	}
	if best < 0 {
		return nil
	}

	var task *Task
	if best == 0 {
		task = levelTask(v, 0, v.Files(0))
	} else {
		task = levelTask(v, best, []*persistence.SSTable{p.next(v, best)})
	}
	task.Score = bestScore
	return task
}

// next chooses the table of level that follows the compaction pointer.
func (p *Picker) next(v *version.Version, level int) *persistence.SSTable {
	p.mu.Lock()
	defer p.mu.Unlock()

	tables := v.Files(level)
	chosen := tables[0]
	if ptr, ok := p.pointers[level]; ok {
		for _, t := range tables {
			if types.Compare(t.MinKey(), ptr) > 0 {
				chosen = t
				break
			}
		}
	}
	p.pointers[level] = append([]byte{}, chosen.MaxKey()...)
	return chosen
}

// Manual returns a task moving every table of level into level+1, or nil
// if level is empty or the last one.
func (p *Picker) Manual(v *version.Version, level int) *Task {
	if level >= v.NumLevels()-1 || v.NumFiles(level) == 0 {
		return nil
	}
	task := levelTask(v, level, v.Files(level))
	task.Manual = true
	return task
}

func levelTask(v *version.Version, level int, inputs []*persistence.SSTable) *Task {
	lower, upper := inputs[0].MinKey(), inputs[0].MaxKey()
	for _, t := range inputs[1:] {
		if types.Compare(t.MinKey(), lower) < 0 {
			lower = t.MinKey()
		}
		if types.Compare(t.MaxKey(), upper) > 0 {
			upper = t.MaxKey()
		}
	}

	v.Ref()
	return &Task{
		Level:   level,
		Output:  level + 1,
		Inputs:  append([]*persistence.SSTable(nil), inputs...),
		Overlap: v.Overlapping(level+1, lower, upper),
		v:       v,
	}
}
