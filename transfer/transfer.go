// Package transfer implements the Chunked Reliable Transfer Engine: a
// stop-and-wait, ack-driven state machine per (session, destination
// MAC, stream) that drives START -> (DATA <-> ACK)* -> END.
package transfer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/csoslab/slimhub/codec"
	"github.com/sirupsen/logrus"
)

// Stream distinguishes the File and Model transfer namespaces. Both
// share command codes 1-4/11; Model additionally carries the
// feature-collection control codes, handled upstream of this package.
type Stream int

const (
	StreamFile Stream = iota
	StreamModel
)

func (s Stream) String() string {
	if s == StreamFile {
		return "file"
	}
	return "model"
}

func (s Stream) characteristic() string {
	if s == StreamFile {
		return "config/file"
	}
	return "sound/model"
}

// State is one point in the Idle -> Starting -> Sending -> Finishing ->
// Idle lifecycle (Failed -> Idle on error).
type State int

const (
	Idle State = iota
	Starting
	Sending
	Finishing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Sending:
		return "sending"
	case Finishing:
		return "finishing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	endRetries  = 3
	endInterval = time.Second
)

// Writer is the downstream write contract a transfer needs: frame
// payload with destMac's prefix and send it on characteristic.
// session.Session satisfies this.
type Writer interface {
	Write(ctx context.Context, characteristic, targetMac string, payload []byte) error
}

// Source supplies the bytes of the artifact being pushed; Size returns
// the total size so the engine can compute the chunk count.
type Source interface {
	Size() (int64, error)
	ReadChunk(seq int, chunkSize int) ([]byte, error)
}

// StartPayloader is implemented by Sources whose START frame carries
// more than a bare command byte. File transfers carry the destination
// path and its length (spec.md §4.1 step 1: "Hub writes START with
// payload metadata (for files: target path and its length)"); the
// Model stream has no such metadata and its Source doesn't implement
// this, so Start falls back to a 1-byte Control frame.
type StartPayloader interface {
	StartPayload(size int64) []byte
}

// transferState is one (destination, stream) state machine.
type transferState struct {
	mu         sync.Mutex
	state      State
	source     Source
	totalChunks int
	nextSeq    int
	inFlight   bool
	lastErr    error
	cancelEnd  context.CancelFunc
}

// Registry holds every live transferState for a Session, keyed by
// "destMac|stream".
type Registry struct {
	mu     sync.Mutex
	states map[string]*transferState
}

// NewRegistry returns an empty transfer registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*transferState)}
}

func key(destMac string, stream Stream) string {
	return destMac + "|" + stream.String()
}

func (r *Registry) getOrCreate(destMac string, stream Stream) *transferState {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(destMac, stream)
	ts, ok := r.states[k]
	if !ok {
		ts = &transferState{state: Idle}
		r.states[k] = ts
	}
	return ts
}

// Status reports the current state and last error (if Failed) for a
// (destination, stream) pair, for the Command Plane's model-update
// guard and the dashboard's /api/transfers.
func (r *Registry) Status(destMac string, stream Stream) (State, error) {
	r.mu.Lock()
	ts, ok := r.states[key(destMac, stream)]
	r.mu.Unlock()
	if !ok {
		return Idle, nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.state, ts.lastErr
}

// Start begins a transfer to destMac over stream, rejecting a second
// concurrent attempt with a clear diagnostic (spec.md §4.5 invariant).
func (r *Registry) Start(ctx context.Context, w Writer, destMac string, stream Stream, source Source) error {
	ts := r.getOrCreate(destMac, stream)
	ts.mu.Lock()
	if ts.state != Idle && ts.state != Failed {
		current := ts.state
		ts.mu.Unlock()
		return fmt.Errorf("transfer already in progress for %s/%s (state=%s)", destMac, stream, current)
	}
	size, err := source.Size()
	if err != nil {
		ts.mu.Unlock()
		return fmt.Errorf("read source size: %w", err)
	}
	ts.source = source
	ts.totalChunks = int((size + codec.ChunkSize - 1) / codec.ChunkSize)
	ts.nextSeq = 0
	ts.inFlight = false
	ts.lastErr = nil
	ts.state = Starting
	ts.mu.Unlock()

	var frame []byte
	if sp, ok := source.(StartPayloader); ok {
		frame = sp.StartPayload(size)
	} else {
		frame = codec.Control{Cmd: codec.CmdStart}.Pack()
	}
	if err := w.Write(ctx, stream.characteristic(), destMac, frame); err != nil {
		ts.mu.Lock()
		ts.state = Failed
		ts.lastErr = err
		ts.mu.Unlock()
		return fmt.Errorf("write START: %w", err)
	}
	ts.mu.Lock()
	ts.state = Sending
	ts.mu.Unlock()
	return nil
}

// HandleNotification dispatches one raw (post-MAC-strip) frame received
// on the transfer characteristic for destMac/stream.
func (r *Registry) HandleNotification(ctx context.Context, w Writer, destMac string, stream Stream, data []byte, log *logrus.Entry) {
	ts := r.getOrCreate(destMac, stream)

	ctrl, err := codec.UnpackControl(data)
	if err != nil {
		log.WithError(err).Warn("transfer frame too short, dropping")
		return
	}

	switch ctrl.Cmd {
	case codec.CmdFail:
		r.fail(ts, fmt.Errorf("device reported FAIL"))
	case codec.CmdEnd:
		r.finish(ts)
	case codec.CmdData:
		ack, err := codec.UnpackAck(data)
		if err != nil {
			log.WithError(err).Warn("malformed ACK, dropping")
			return
		}
		r.advance(ctx, w, destMac, stream, ts, int(ack.Seq), log)
	}
}

func (r *Registry) advance(ctx context.Context, w Writer, destMac string, stream Stream, ts *transferState, ackedSeq int, log *logrus.Entry) {
	ts.mu.Lock()
	if ts.state != Sending && ts.state != Starting {
		ts.mu.Unlock()
		return
	}
	nextSeq := ackedSeq
	if nextSeq < ts.nextSeq {
		// stale/duplicate ack — ignore, next_seq only moves forward.
		ts.mu.Unlock()
		return
	}
	ts.nextSeq = nextSeq
	ts.state = Sending
	total := ts.totalChunks
	source := ts.source
	ts.mu.Unlock()

	if nextSeq >= total {
		r.beginFinishing(ctx, w, destMac, stream, ts, log)
		return
	}

	chunk, err := source.ReadChunk(nextSeq, codec.ChunkSize)
	if err != nil {
		r.fail(ts, fmt.Errorf("read chunk %d: %w", nextSeq, err))
		return
	}
	frame := codec.Data{Cmd: codec.CmdData, Seq: uint16(nextSeq), Size: uint16(len(chunk)), Payload: chunk}.Pack()
	ts.mu.Lock()
	ts.inFlight = true
	ts.mu.Unlock()
	if err := w.Write(ctx, stream.characteristic(), destMac, frame); err != nil {
		r.fail(ts, fmt.Errorf("write DATA seq=%d: %w", nextSeq, err))
		return
	}
}

// beginFinishing writes END once before returning, then up to
// endRetries-1 more times at endInterval from a goroutine, cancelling
// as soon as the device's END ack arrives (handled in
// HandleNotification's CmdEnd case, which calls finish and cancels
// this goroutine via cancelEnd).
func (r *Registry) beginFinishing(ctx context.Context, w Writer, destMac string, stream Stream, ts *transferState, log *logrus.Entry) {
	finCtx, cancel := context.WithCancel(ctx)
	ts.mu.Lock()
	ts.state = Finishing
	ts.cancelEnd = cancel
	ts.mu.Unlock()

	frame := codec.Control{Cmd: codec.CmdEnd}.Pack()
	if err := w.Write(finCtx, stream.characteristic(), destMac, frame); err != nil {
		log.WithError(err).Warn("write END failed")
	}
	go func() {
		for attempt := 1; attempt < endRetries; attempt++ {
			select {
			case <-finCtx.Done():
				return
			case <-time.After(endInterval):
			}
			if err := w.Write(finCtx, stream.characteristic(), destMac, frame); err != nil {
				log.WithError(err).Warn("write END failed")
			}
		}
	}()
}

func (r *Registry) finish(ts *transferState) {
	ts.mu.Lock()
	if ts.cancelEnd != nil {
		ts.cancelEnd()
		ts.cancelEnd = nil
	}
	ts.state = Idle
	ts.nextSeq = 0
	ts.inFlight = false
	ts.lastErr = nil
	ts.mu.Unlock()
}

func (r *Registry) fail(ts *transferState, err error) {
	ts.mu.Lock()
	if ts.cancelEnd != nil {
		ts.cancelEnd()
		ts.cancelEnd = nil
	}
	ts.state = Failed
	ts.lastErr = err
	ts.nextSeq = 0
	ts.inFlight = false
	ts.mu.Unlock()
}

// ClearAll resets every transfer state to Idle — called on Session
// teardown (spec.md §4.5 invariant: disconnect clears all transfer
// states for that Session).
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ts := range r.states {
		ts.mu.Lock()
		if ts.cancelEnd != nil {
			ts.cancelEnd()
			ts.cancelEnd = nil
		}
		ts.state = Idle
		ts.nextSeq = 0
		ts.inFlight = false
		ts.mu.Unlock()
	}
}

// FileSource is a Source backed by a file on disk, read chunk-by-chunk
// so the whole artifact is never held in memory at once. targetPath, if
// set, is the destination path on the DEAN and is sent as the START
// frame's metadata (StartPayload); Model transfers leave it empty and
// get a bare Control START.
type FileSource struct {
	path       string
	targetPath string
}

// NewFileSource returns a Source reading path in ChunkSize pieces,
// with a bare Control START frame (no target-path metadata) — used for
// the Model stream, which has no destination-path concept.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// NewFileSourceWithTarget is NewFileSource plus a destination path the
// DEAN should write the artifact to, carried in the START frame's
// metadata — used for the File stream (spec.md §4.5 step 1).
func NewFileSourceWithTarget(path, targetPath string) *FileSource {
	return &FileSource{path: path, targetPath: targetPath}
}

// StartPayload packs a Data-shaped frame (cmd=CmdStart) whose size
// field carries the artifact's total length and whose payload carries
// the target path, right-padded like any other Data frame. Only
// populated when targetPath is set (the File stream).
func (f *FileSource) StartPayload(size int64) []byte {
	if f.targetPath == "" {
		return codec.Control{Cmd: codec.CmdStart}.Pack()
	}
	return codec.Data{
		Cmd:     codec.CmdStart,
		Seq:     0,
		Size:    uint16(size),
		Payload: []byte(f.targetPath),
	}.Pack()
}

func (f *FileSource) Size() (int64, error) {
	fi, err := os.Stat(f.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (f *FileSource) ReadChunk(seq int, chunkSize int) ([]byte, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	offset := int64(seq) * int64(chunkSize)
	buf := make([]byte, chunkSize)
	n, err := file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}
