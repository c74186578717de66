package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"seedeep/internal/camera"
	"seedeep/internal/governor"
	"seedeep/internal/session"
)

const (
	// DefaultSubscriberBuffer is the number of updates queued per viewer
	DefaultSubscriberBuffer = 10

	statsEvery = 30
)

// OrchestratorOptions configures an Orchestrator
type OrchestratorOptions struct {
	WorkerPoolSize   int
	SubscriberBuffer int
}

// Orchestrator runs one shared processing loop per camera. The first
// subscriber starts the loop; when the last one leaves the loop stops and
// the camera's session is removed from the registry.
type Orchestrator struct {
	cameras   CameraSource
	sessions  *session.Registry
	frames    FrameProvider
	processor *Processor
	pool      *WorkerPool
	bus       *EventBus
	buffer    int

	mu    sync.Mutex
	loops map[string]*cameraLoop
}

type cameraLoop struct {
	cameraID    string
	cancel      context.CancelFunc
	done        chan struct{}
	subscribers int
	stopped     bool
	status      StatusMessage
}

// Subscription is one viewer attached to a camera. Updates is closed when
// the subscription ends.
type Subscription struct {
	CameraID string
	Status   StatusMessage
	Updates  <-chan *Update

	once    sync.Once
	release func()
}

// Close detaches the viewer. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// NewOrchestrator wires the frame loop's collaborators
func NewOrchestrator(cameras CameraSource, sessions *session.Registry, frames FrameProvider, detector Detector, opts OrchestratorOptions) *Orchestrator {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Orchestrator{
		cameras:   cameras,
		sessions:  sessions,
		frames:    frames,
		processor: NewProcessor(detector),
		pool:      NewWorkerPool(opts.WorkerPoolSize),
		bus:       NewEventBus(),
		buffer:    opts.SubscriberBuffer,
		loops:     make(map[string]*cameraLoop),
	}
}

// Subscribe attaches a viewer to a camera, starting its loop if needed. It
// fails with camera.ErrCameraNotFound, camera.ErrNoStreamURL, or a wrapped
// error when the source cannot be opened.
func (o *Orchestrator) Subscribe(ctx context.Context, cameraID string) (*Subscription, error) {
	cam, err := o.cameras.GetCamera(cameraID)
	if err != nil {
		return nil, err
	}
	if cam.StreamURL == "" {
		return nil, camera.ErrNoStreamURL
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	loop, ok := o.loops[cameraID]
	if !ok {
		loop, err = o.startLoop(ctx, cam)
		if err != nil {
			return nil, err
		}
		o.loops[cameraID] = loop
	}
	loop.subscribers++

	updates, unsubscribe := o.bus.SubscribeCamera(cameraID, o.buffer)
	log.Printf("[Orchestrator] Viewer attached to camera %s (viewers: %d)", cameraID, loop.subscribers)

	return &Subscription{
		CameraID: cameraID,
		Status:   loop.status,
		Updates:  updates,
		release: func() {
			unsubscribe()
			o.release(loop)
		},
	}, nil
}

// startLoop must be called with o.mu held
func (o *Orchestrator) startLoop(ctx context.Context, cam *camera.Camera) (*cameraLoop, error) {
	streamType := cam.StreamType()
	sess, _ := o.sessions.AddOrGet(session.ConfigFromCamera(cam))

	fps := cam.FPS
	if fps <= 0 {
		fps = camera.DefaultFPS
	}

	if err := o.frames.Start(ctx, cam.ID, cam.StreamURL, fps, cam.Width, cam.Height); err != nil {
		o.sessions.Remove(cam.ID)
		return nil, fmt.Errorf("failed to open %s stream: %w", strings.ToUpper(streamType), err)
	}
	frameSub, err := o.frames.Subscribe(cam.ID, 1)
	if err != nil {
		o.frames.Stop(cam.ID)
		o.sessions.Remove(cam.ID)
		return nil, fmt.Errorf("failed to subscribe to frames: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loop := &cameraLoop{
		cameraID: cam.ID,
		cancel:   cancel,
		done:     make(chan struct{}),
		status: StatusMessage{
			CameraID:   cam.ID,
			Status:     "connected",
			Message:    fmt.Sprintf("%s stream started", strings.ToUpper(streamType)),
			StreamType: streamType,
			FPS:        fps,
		},
	}

	go o.run(loopCtx, loop, sess, frameSub, fps)

	log.Printf("[Orchestrator] Started %s loop for camera %s (fps: %d)", strings.ToUpper(streamType), cam.ID, fps)
	return loop, nil
}

func (o *Orchestrator) release(loop *cameraLoop) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if loop.stopped {
		return
	}
	loop.subscribers--
	log.Printf("[Orchestrator] Viewer detached from camera %s (viewers: %d)", loop.cameraID, loop.subscribers)
	if loop.subscribers > 0 {
		return
	}
	o.stopLoop(loop)
}

// stopLoop must be called with o.mu held
func (o *Orchestrator) stopLoop(loop *cameraLoop) {
	loop.stopped = true
	loop.cancel()
	if o.loops[loop.cameraID] == loop {
		delete(o.loops, loop.cameraID)
	}
	if err := o.frames.Stop(loop.cameraID); err != nil {
		log.Printf("[Orchestrator] Stopping capture for camera %s: %v", loop.cameraID, err)
	}
	o.sessions.Remove(loop.cameraID)
	log.Printf("[Orchestrator] Stopped loop for camera %s", loop.cameraID)
}

// run is the camera's frame loop: gate, process on the pool, publish. Each
// frame is published before the next one is taken, so results stay in order.
func (o *Orchestrator) run(ctx context.Context, loop *cameraLoop, sess *session.Session, frames *FrameSubscription, fps int) {
	defer close(loop.done)

	gov := governor.New(float64(fps))
	var read, processed uint64

	for {
		var frame *FrameData
		select {
		case <-ctx.Done():
			return
		case <-frames.Done:
			if ctx.Err() == nil {
				o.fail(loop, frames.Err)
			}
			return
		case frame = <-frames.Channel:
		}
		read++

		cfg := sess.Config()
		if cfg.FPS > 0 && float64(cfg.FPS) != gov.TargetFPS() {
			gov.SetTargetFPSAt(frame.Timestamp, float64(cfg.FPS))
		}
		if !gov.AllowAt(frame.Timestamp) {
			continue
		}

		var msg *ResultMessage
		if err := o.pool.Do(ctx, func() {
			msg = o.processor.Process(ctx, cfg, sess.Tracker(), frame)
		}); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		o.bus.Publish(&Update{Message: msg, Frame: frame.Data})
		processed++

		if processed%statsEvery == 0 {
			log.Printf("[Orchestrator] Camera %s: read %d frames, processed %d, target %.1f fps, actual %.2f fps, detections %d",
				loop.cameraID, read, processed, gov.TargetFPS(), gov.ActualFPS(), msg.Results.TotalDetections())
		}
	}
}

// fail ends a loop whose source died: its viewers get an error message and
// their update channels close
func (o *Orchestrator) fail(loop *cameraLoop, err error) {
	if err == nil {
		err = errors.New("frame source stopped")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if loop.stopped {
		return
	}
	log.Printf("[Orchestrator] Stream for camera %s failed: %v", loop.cameraID, err)
	o.stopLoop(loop)
	o.bus.Fail(loop.cameraID, &ErrorMessage{
		CameraID: loop.cameraID,
		Error:    fmt.Sprintf("%s stream failed: %v", strings.ToUpper(loop.status.StreamType), err),
	})
}

// Running returns the ids of cameras with an active loop
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.loops))
	for id := range o.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Viewers returns the number of subscribers attached to a camera
func (o *Orchestrator) Viewers(cameraID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if loop, ok := o.loops[cameraID]; ok {
		return loop.subscribers
	}
	return 0
}

// StopCamera ends a camera's loop and detaches its viewers, e.g. after the
// camera is deleted
func (o *Orchestrator) StopCamera(cameraID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if loop, ok := o.loops[cameraID]; ok {
		o.stopLoop(loop)
		o.bus.CloseCamera(cameraID)
	}
}

// Close stops every loop and closes all subscriptions
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	loops := make([]*cameraLoop, 0, len(o.loops))
	for _, loop := range o.loops {
		loops = append(loops, loop)
		o.stopLoop(loop)
	}
	o.mu.Unlock()

	for _, loop := range loops {
		<-loop.done
	}
	o.bus.Close()
	log.Printf("[Orchestrator] Closed all camera loops")
	return nil
}
