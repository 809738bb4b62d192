package node

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenBenjamin97/vision-detector/pkg/detection"
	"github.com/chenBenjamin97/vision-detector/pkg/video"
)

//ErrClosed is returned for frames that arrive after Close
var ErrClosed = errors.New("node closed")

//Publisher sends a frame's detection message on the bus
type Publisher interface {
	Publish(msg detection.Message) error
}

//State is where a frame is in the pipeline. Every frame starts and ends in Idle.
type State int32

const (
	Idle State = iota
	Detecting
	Publishing
	Annotating
	Encoding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Detecting:
		return "DETECTING"
	case Publishing:
		return "PUBLISHING"
	case Annotating:
		return "ANNOTATING"
	case Encoding:
		return "ENCODING"
	default:
		return "UNKNOWN"
	}
}

//Stats is a snapshot of the node's counters
type Stats struct {
	InstanceID        string             `json:"instance_id"`
	State             string             `json:"state"`
	FramesReceived    uint64             `json:"frames_received"`
	FramesProcessed   uint64             `json:"frames_processed"`
	InferenceFailures uint64             `json:"inference_failures"`
	PublishFailures   uint64             `json:"publish_failures"`
	AnnotateFailures  uint64             `json:"annotate_failures"`
	EncoderFailures   uint64             `json:"encoder_failures"`
	LastFrameAt       time.Time          `json:"last_frame_at"`
	Encoder           video.EncoderStats `json:"encoder"`
}

//Node runs detection, publishing, annotation and encoding for one frame at a time
type Node struct {
	id        string
	adapter   *detection.Adapter
	annotator *video.Annotator
	encoder   *video.Encoder
	publisher Publisher

	//mu serializes frames, so the encoder is only ever driven by one of them
	mu     sync.Mutex
	closed bool

	state             atomic.Int32
	framesReceived    atomic.Uint64
	framesProcessed   atomic.Uint64
	inferenceFailures atomic.Uint64
	publishFailures   atomic.Uint64
	annotateFailures  atomic.Uint64
	encoderFailures   atomic.Uint64
	lastFrameAt       atomic.Int64
	last              atomic.Pointer[detection.Message]
}

//New wires a node. The encoder process is not started until the first frame.
func New(id string, adapter *detection.Adapter, annotator *video.Annotator, encoder *video.Encoder, publisher Publisher) *Node {
	return &Node{
		id:        id,
		adapter:   adapter,
		annotator: annotator,
		encoder:   encoder,
		publisher: publisher,
	}
}

//IsFatal reports whether a HandleFrame error means the node is misconfigured and must stop
func IsFatal(err error) bool {
	return errors.Is(err, detection.ErrUnknownClass)
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
}

//HandleFrame processes one frame. It only returns an error when the frame is lost before
//its detections are published: an undecodable frame, a failed inference or an unknown class.
//Publishing, annotation and encoder failures are logged and counted.
func (n *Node) HandleFrame(f video.Frame) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}

	n.framesReceived.Add(1)
	n.lastFrameAt.Store(time.Now().UnixNano())
	defer n.setState(Idle)

	n.setState(Detecting)
	if err := n.encoder.EnsureStarted(); err != nil {
		n.encoderFailures.Add(1)
		slog.Error("could not start encoder", "frame_seq", f.Seq, "error", err)
	}

	img, err := f.ToMat()
	if err != nil {
		return fmt.Errorf("HandleFrame: %w", err)
	}
	defer img.Close()

	slog.Debug("frame received", "frame_seq", f.Seq, "rows", img.Rows(), "cols", img.Cols(), "channels", img.Channels())

	raw, err := n.adapter.Detect(img)
	if err != nil {
		n.inferenceFailures.Add(1)
		return fmt.Errorf("HandleFrame: inference: %w", err)
	}

	records, err := n.adapter.Normalize(raw)
	if err != nil {
		return fmt.Errorf("HandleFrame: %w", err)
	}

	slog.Debug("frame detections", "frame_seq", f.Seq, "objects", len(records), "raw", raw)

	n.setState(Publishing)
	msg := detection.NewMessage(records)
	n.last.Store(&msg)
	if err := n.publisher.Publish(msg); err != nil {
		n.publishFailures.Add(1)
		slog.Error("could not publish detections", "frame_seq", f.Seq, "objects", msg.Objects, "error", err)
	}

	n.setState(Annotating)
	annotated, err := n.annotator.Annotate(img, records)
	if err != nil {
		n.annotateFailures.Add(1)
		slog.Error("could not annotate frame", "frame_seq", f.Seq, "error", err)
		return nil
	}
	defer annotated.Close()

	n.setState(Encoding)
	if err := n.encoder.Write(annotated.ToBytes()); err != nil {
		n.encoderFailures.Add(1)
		slog.Error("could not write frame to encoder", "frame_seq", f.Seq, "error", err)
	} else {
		n.framesProcessed.Add(1)
	}

	return nil
}

//LastMessage returns the most recently published detection message
func (n *Node) LastMessage() (detection.Message, bool) {
	msg := n.last.Load()
	if msg == nil {
		return detection.Message{}, false
	}
	return *msg, true
}

//Classes returns the class table detections are resolved against
func (n *Node) Classes() *detection.ClassTable {
	return n.adapter.Classes()
}

//Stats returns the node's counters without waiting for an in-flight frame
func (n *Node) Stats() Stats {
	s := Stats{
		InstanceID:        n.id,
		State:             State(n.state.Load()).String(),
		FramesReceived:    n.framesReceived.Load(),
		FramesProcessed:   n.framesProcessed.Load(),
		InferenceFailures: n.inferenceFailures.Load(),
		PublishFailures:   n.publishFailures.Load(),
		AnnotateFailures:  n.annotateFailures.Load(),
		EncoderFailures:   n.encoderFailures.Load(),
		Encoder:           n.encoder.Stats(),
	}
	if ns := n.lastFrameAt.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}
	return s
}

//Close waits for the frame in flight, then stops the encoder. Later frames get ErrClosed.
//It is safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.closed = true
	return n.encoder.Close()
}
