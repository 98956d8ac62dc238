// Package scheduler orders tile loads by their distance to the viewport
// center and caps how many run at once.
package scheduler

import (
	"container/heap"
	"math"

	"github.com/paulmach/orb"

	"github.com/atlasmap-sc/vtrender/internal/frame"
	"github.com/atlasmap-sc/vtrender/internal/tile"
)

// ZoomPenalty is added to the priority of tiles that are not at the
// current zoom. It exceeds any on-screen pixel distance.
const ZoomPenalty = 1e9

// State is the lifecycle stage of a load task.
type State int

const (
	Pending State = iota
	Loading
	Loaded
	Errored
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Errored:
		return "errored"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

// LoadTask is one tile fetch. Lower priority values load sooner.
type LoadTask struct {
	Coord     tile.Coord
	SourceKey string
	Priority  float64
	State     State

	seq   uint64
	index int
}

// Key returns the deduplication key of the task.
func (t *LoadTask) Key() string {
	return Key(t.SourceKey, t.Coord)
}

// Key builds the task key for a source and a coordinate.
func Key(source string, c tile.Coord) string {
	return source + "|" + c.String()
}

// Stats counts task outcomes since the scheduler was created.
type Stats struct {
	Enqueued int `json:"enqueued"`
	Loaded   int `json:"loaded"`
	Errored  int `json:"errored"`
	Canceled int `json:"canceled"`
	Pending  int `json:"pending"`
	Loading  int `json:"loading"`
}

// Scheduler is a priority queue of tile loads with an in-flight cap.
// It is not safe for concurrent use; the render loop owns it.
type Scheduler struct {
	queue   taskQueue
	tasks   map[string]*LoadTask
	wanted  map[string]struct{}
	loading int
	seq     uint64
	stats   Stats
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*LoadTask),
		wanted: make(map[string]struct{}),
	}
}

// Priority returns the pixel distance from the center of c to the center
// of the viewport, plus ZoomPenalty when c is not at zoom z.
func Priority(view frame.State, c tile.Coord, z int) float64 {
	center := c.Center()
	px, py := view.CoordinateToPixel().TransformPoint(center[0], center[1])
	d := math.Hypot(px-float64(view.Size[0])/2, py-float64(view.Size[1])/2)
	if c.Z != z {
		d += ZoomPenalty
	}
	return d
}

// Enqueue adds a pending task. It returns false when a task with the same
// key is already pending or loading.
func (s *Scheduler) Enqueue(t *LoadTask) bool {
	key := t.Key()
	if _, ok := s.tasks[key]; ok {
		s.wanted[key] = struct{}{}
		return false
	}
	s.seq++
	t.seq = s.seq
	t.State = Pending
	s.tasks[key] = t
	s.wanted[key] = struct{}{}
	heap.Push(&s.queue, t)
	s.stats.Enqueued++
	return true
}

// Reprioritize recomputes priorities for the view at zoom z. Pending tasks
// whose tile left the view are canceled; loading ones keep running but are
// no longer wanted.
func (s *Scheduler) Reprioritize(view frame.State, z int) {
	ext := view.Extent()

	kept := s.queue[:0]
	for _, t := range s.queue {
		if !overlaps(t.Coord.Bound(), ext) {
			t.State = Canceled
			delete(s.tasks, t.Key())
			delete(s.wanted, t.Key())
			s.stats.Canceled++
			continue
		}
		t.Priority = Priority(view, t.Coord, z)
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	heap.Init(&s.queue)

	for key, t := range s.tasks {
		if t.State == Loading && !overlaps(t.Coord.Bound(), ext) {
			delete(s.wanted, key)
		}
	}
}

// Pump moves up to maxNew of the best pending tasks to loading without
// exceeding maxTotal loads in flight, and returns them.
func (s *Scheduler) Pump(maxTotal, maxNew int) []*LoadTask {
	var out []*LoadTask
	for len(out) < maxNew && s.loading < maxTotal && s.queue.Len() > 0 {
		t := heap.Pop(&s.queue).(*LoadTask)
		t.State = Loading
		s.loading++
		out = append(out, t)
	}
	return out
}

// Finish ends a loading task with its outcome and frees its slot. It
// reports whether the tile was still wanted by the current view.
func (s *Scheduler) Finish(key string, err error) bool {
	t, ok := s.tasks[key]
	if !ok || t.State != Loading {
		return false
	}
	delete(s.tasks, key)
	s.loading--
	if err != nil {
		t.State = Errored
		s.stats.Errored++
	} else {
		t.State = Loaded
		s.stats.Loaded++
	}
	_, wanted := s.wanted[key]
	delete(s.wanted, key)
	return wanted
}

// Wanted reports whether the tile is pending or loading for the current view.
func (s *Scheduler) Wanted(source string, c tile.Coord) bool {
	_, ok := s.wanted[Key(source, c)]
	return ok
}

// Has reports whether a task for the tile is pending or loading.
func (s *Scheduler) Has(source string, c tile.Coord) bool {
	_, ok := s.tasks[Key(source, c)]
	return ok
}

// Loading returns the number of loads in flight.
func (s *Scheduler) Loading() int { return s.loading }

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int { return s.queue.Len() }

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	st := s.stats
	st.Pending = s.queue.Len()
	st.Loading = s.loading
	return st
}

// overlaps reports whether two bounds share a region of positive area.
func overlaps(a, b orb.Bound) bool {
	return a.Min[0] < b.Max[0] && b.Min[0] < a.Max[0] &&
		a.Min[1] < b.Max[1] && b.Min[1] < a.Max[1]
}

type taskQueue []*LoadTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*LoadTask)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
