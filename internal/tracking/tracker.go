package tracking

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"seedeep/internal/detection"
)

const (
	// DefaultMaxDisappeared is the number of consecutive unmatched frames an
	// object survives before it is discarded
	DefaultMaxDisappeared = 30
	// DefaultMaxDistance is the largest centroid jump (px) accepted as the same object
	DefaultMaxDistance = 100.0
	// TrajectoryCapacity bounds the per-object centroid history
	TrajectoryCapacity = 100
)

// Point is a pixel coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is a bounding box in pixels
type Box struct {
	X1 float64
	Y1 float64
	X2 float64
	Y2 float64
}

// TrackedObject is one physical object followed across frames
type TrackedObject struct {
	TrackID          string
	ClassID          int
	ClassName        string
	BBox             Box
	Confidence       float64
	Centroid         Point
	Velocity         Point // px/frame
	Age              int   // frames since creation
	Hits             int   // frames matched
	TimeSinceUpdate  int   // consecutive frames without a match
	LastSeen         time.Time
	DistanceTraveled float64 // cumulative px

	trajectory *Trajectory
}

// Trajectory returns a copy of the centroid history, oldest first
func (o *TrackedObject) Trajectory() []Point {
	return o.trajectory.Points()
}

// Trajectory is a fixed-capacity centroid history that evicts the oldest point
type Trajectory struct {
	points []Point
	start  int
	size   int
}

// NewTrajectory creates an empty history holding at most capacity points
func NewTrajectory(capacity int) *Trajectory {
	if capacity < 1 {
		capacity = 1
	}
	return &Trajectory{points: make([]Point, capacity)}
}

// Append records a point, dropping the oldest one when full
func (t *Trajectory) Append(p Point) {
	c := len(t.points)
	if t.size < c {
		t.points[(t.start+t.size)%c] = p
		t.size++
		return
	}
	t.points[t.start] = p
	t.start = (t.start + 1) % c
}

// Len returns the number of stored points
func (t *Trajectory) Len() int {
	return t.size
}

// Points returns the stored points, oldest first
func (t *Trajectory) Points() []Point {
	out := make([]Point, t.size)
	for i := 0; i < t.size; i++ {
		out[i] = t.points[(t.start+i)%len(t.points)]
	}
	return out
}

// Tracker assigns persistent identities to detections with greedy
// nearest-centroid matching. It is not safe for concurrent use: only the
// frame loop owning a camera calls Update.
type Tracker struct {
	maxDisappeared int
	maxDistance    float64

	order       []string // live ids in registration order
	objects     map[string]*TrackedObject
	disappeared map[string]int
	predictors  map[string]*MotionPredictor

	// ids are idPrefix plus a counter, so none repeats for the tracker's life
	idPrefix string
	issuedN  uint64

	now func() time.Time
}

// NewTracker creates a tracker. Non-positive arguments fall back to defaults.
func NewTracker(maxDisappeared int, maxDistance float64) *Tracker {
	if maxDisappeared <= 0 {
		maxDisappeared = DefaultMaxDisappeared
	}
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	return &Tracker{
		maxDisappeared: maxDisappeared,
		maxDistance:    maxDistance,
		objects:        make(map[string]*TrackedObject),
		disappeared:    make(map[string]int),
		predictors:     make(map[string]*MotionPredictor),
		idPrefix:       uuid.New().String()[:4],
		now:            time.Now,
	}
}

func (t *Tracker) nextID() string {
	t.issuedN++
	return fmt.Sprintf("%s%04x", t.idPrefix, t.issuedN)
}

// Update consumes one frame's detections and returns the live objects in
// registration order
func (t *Tracker) Update(detections []detection.Detection) []*TrackedObject {
	if len(detections) == 0 {
		for _, id := range append([]string(nil), t.order...) {
			t.markMissed(id)
		}
		return t.Objects()
	}

	centroids := make([]Point, len(detections))
	for i, det := range detections {
		cx, cy := det.Centroid()
		centroids[i] = Point{X: cx, Y: cy}
	}

	if len(t.order) == 0 {
		for i, det := range detections {
			t.register(centroids[i], det)
		}
		return t.Objects()
	}

	objectIDs := append([]string(nil), t.order...)
	dist := make([][]float64, len(objectIDs))
	rowMin := make([]float64, len(objectIDs))
	rowArg := make([]int, len(objectIDs))
	for r, id := range objectIDs {
		c := t.objects[id].Centroid
		dist[r] = make([]float64, len(centroids))
		rowMin[r] = math.Inf(1)
		for col, p := range centroids {
			d := math.Hypot(c.X-p.X, c.Y-p.Y)
			dist[r][col] = d
			if d < rowMin[r] {
				rowMin[r] = d
				rowArg[r] = col
			}
		}
	}

	rows := make([]int, len(objectIDs))
	for i := range rows {
		rows[i] = i
	}
	sort.SliceStable(rows, func(a, b int) bool {
		return rowMin[rows[a]] < rowMin[rows[b]]
	})

	usedRows := make(map[int]bool, len(rows))
	usedCols := make(map[int]bool, len(centroids))
	for _, row := range rows {
		col := rowArg[row]
		if usedRows[row] || usedCols[col] {
			continue
		}
		if dist[row][col] > t.maxDistance {
			continue
		}
		t.match(objectIDs[row], centroids[col], detections[col])
		usedRows[row] = true
		usedCols[col] = true
	}

	for row, id := range objectIDs {
		if !usedRows[row] {
			t.markMissed(id)
		}
	}

	for col, det := range detections {
		if !usedCols[col] {
			t.register(centroids[col], det)
		}
	}

	return t.Objects()
}

func (t *Tracker) match(id string, centroid Point, det detection.Detection) {
	obj := t.objects[id]
	v := Point{X: centroid.X - obj.Centroid.X, Y: centroid.Y - obj.Centroid.Y}

	obj.Centroid = centroid
	obj.Velocity = v
	obj.BBox = Box{X1: det.X1, Y1: det.Y1, X2: det.X2, Y2: det.Y2}
	obj.Confidence = det.Confidence
	obj.Hits++
	obj.TimeSinceUpdate = 0
	obj.LastSeen = t.now()
	obj.trajectory.Append(centroid)
	obj.DistanceTraveled += math.Hypot(v.X, v.Y)
	obj.Age++

	kf := t.predictors[id]
	kf.Correct(centroid.X, centroid.Y)
	kf.Predict()

	t.disappeared[id] = 0
}

func (t *Tracker) markMissed(id string) {
	t.disappeared[id]++
	obj := t.objects[id]
	obj.TimeSinceUpdate++
	obj.Age++
	if t.disappeared[id] > t.maxDisappeared {
		t.deregister(id)
	}
}

func (t *Tracker) register(centroid Point, det detection.Detection) string {
	id := t.nextID()

	obj := &TrackedObject{
		TrackID:    id,
		ClassID:    det.ClassID,
		ClassName:  det.Label,
		BBox:       Box{X1: det.X1, Y1: det.Y1, X2: det.X2, Y2: det.Y2},
		Confidence: det.Confidence,
		Centroid:   centroid,
		Age:        1,
		Hits:       1,
		LastSeen:   t.now(),
		trajectory: NewTrajectory(TrajectoryCapacity),
	}
	obj.trajectory.Append(centroid)

	t.objects[id] = obj
	t.disappeared[id] = 0
	t.predictors[id] = NewMotionPredictor(centroid.X, centroid.Y)
	t.order = append(t.order, id)
	return id
}

func (t *Tracker) deregister(id string) {
	delete(t.objects, id)
	delete(t.disappeared, id)
	delete(t.predictors, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	log.Printf("[Tracker] Deregistered track %s", id)
}

// Objects returns the live objects in registration order
func (t *Tracker) Objects() []*TrackedObject {
	out := make([]*TrackedObject, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.objects[id])
	}
	return out
}

// Len returns the number of live objects
func (t *Tracker) Len() int {
	return len(t.order)
}

// Predicted returns the motion predictor's position estimate for a track
func (t *Tracker) Predicted(id string) (Point, bool) {
	kf, ok := t.predictors[id]
	if !ok {
		return Point{}, false
	}
	x, y := kf.Position()
	return Point{X: x, Y: y}, true
}
