package host

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlasmap-sc/vtrender/internal/frame"
	"github.com/atlasmap-sc/vtrender/internal/logging"
	"github.com/atlasmap-sc/vtrender/pkg/affine"
)

// Reconciler keeps a displayed bitmap aligned with a moving view and
// decides when a fresh bitmap is requested. It is not safe for concurrent
// use.
type Reconciler struct {
	// MinInterval is the shortest time between two render requests.
	MinInterval time.Duration
	// InFlightTimeout allows a new request when a frame never arrived.
	InFlightTimeout time.Duration

	request func(frame.State) error
	now     func() time.Time
	log     logrus.FieldLogger

	displayed     *frame.State
	transform     affine.Matrix
	lastRequested *frame.State
	lastRequestAt time.Time
	inFlight      bool
	dirty         bool
}

// NewReconciler returns a reconciler that calls request to ask for a
// frame. A request that returns an error is retried on a later tick.
func NewReconciler(request func(frame.State) error, minInterval time.Duration, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		MinInterval:     minInterval,
		InFlightTimeout: 5 * time.Second,
		request:         request,
		now:             time.Now,
		log:             logging.Component(log, "reconciler"),
		transform:       affine.Identity(),
		dirty:           true,
	}
}

// OnHostTick updates the corrective transform for the live view and sends
// a render request when one is due. It returns the transform to draw the
// displayed bitmap with, and whether it was recomputed this tick. While
// the live rotation differs from the bitmap's, the previous transform is
// kept until a matching bitmap arrives.
func (r *Reconciler) OnHostTick(live frame.State) (affine.Matrix, bool) {
	if r.lastRequested == nil || !live.SameView(*r.lastRequested) {
		r.dirty = true
	}

	applied := false
	if r.displayed != nil && live.View.Rotation == r.displayed.View.Rotation {
		if m, ok := frame.Corrective(*r.displayed, live); ok {
			r.transform = m
			applied = true
		}
	}

	r.maybeRequest(live)
	return r.transform, applied
}

func (r *Reconciler) maybeRequest(live frame.State) {
	if !r.dirty {
		return
	}
	now := r.now()
	if r.inFlight && now.Sub(r.lastRequestAt) < r.InFlightTimeout {
		return
	}
	if !r.lastRequestAt.IsZero() && now.Sub(r.lastRequestAt) < r.MinInterval {
		return
	}
	if err := r.request(live); err != nil {
		r.log.Debugf("render request deferred: %v", err)
		return
	}
	state := live
	r.lastRequested = &state
	r.lastRequestAt = now
	r.inFlight = true
	r.dirty = false
}

// Invalidate marks the view as needing a new frame even if it has not
// moved, e.g. after tiles finished loading.
func (r *Reconciler) Invalidate() {
	r.dirty = true
}

// Accept records a delivered frame. Frames older than the displayed one
// are discarded and reported as false; a frame with the same timestamp is
// a re-render of the displayed view and replaces it.
func (r *Reconciler) Accept(fs frame.State) bool {
	r.inFlight = false
	if r.displayed != nil && fs.Timestamp < r.displayed.Timestamp {
		r.log.Debugf("discarding stale frame %d (showing %d)", fs.Timestamp, r.displayed.Timestamp)
		return false
	}
	r.displayed = &fs
	r.transform = affine.Identity()
	return true
}

// Displayed returns the frame state of the displayed bitmap.
func (r *Reconciler) Displayed() (frame.State, bool) {
	if r.displayed == nil {
		return frame.State{}, false
	}
	return *r.displayed, true
}

// Transform returns the current corrective transform.
func (r *Reconciler) Transform() affine.Matrix {
	return r.transform
}

// InFlight reports whether a requested frame is outstanding.
func (r *Reconciler) InFlight() bool {
	return r.inFlight
}
