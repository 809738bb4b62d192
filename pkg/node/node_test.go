package node

import (
	"bytes"
	"errors"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chenBenjamin97/vision-detector/pkg/detection"
	"github.com/chenBenjamin97/vision-detector/pkg/utils"
	"github.com/chenBenjamin97/vision-detector/pkg/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

//fakeModel returns fixed detections and records the pixels it was given
type fakeModel struct {
	out    []detection.RawDetection
	err    error
	seen   [][]byte
	active atomic.Int32
	maxPar atomic.Int32
}

func (m *fakeModel) Predict(img gocv.Mat) ([]detection.RawDetection, error) {
	if n := m.active.Add(1); n > m.maxPar.Load() {
		m.maxPar.Store(n)
	}
	defer m.active.Add(-1)

	m.seen = append(m.seen, img.ToBytes())
	return m.out, m.err
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []detection.Message
	err  error
}

func (p *fakePublisher) Publish(msg detection.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

type pipe struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	closed bool
}

func (w *pipe) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail || w.closed {
		return 0, errors.New("broken pipe")
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *pipe) Close() error { w.closed = true; return nil }

type process struct{ stdin *pipe }

func (p *process) Stdin() io.WriteCloser { return p.stdin }
func (p *process) Pid() int              { return 4242 }
func (p *process) Kill() error           { return nil }
func (p *process) Wait() error           { return nil }

type launcher struct {
	mu    sync.Mutex
	procs []*process
	err   error
}

func (l *launcher) Launch() (video.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := &process{stdin: &pipe{}}
	l.procs = append(l.procs, p)
	return p, nil
}

//written joins everything a process received; bufio may split a frame into several writes
func (l *launcher) written(i int) []byte {
	return bytes.Join(l.procs[i].stdin.writes, nil)
}

type harness struct {
	node      *Node
	model     *fakeModel
	publisher *fakePublisher
	launcher  *launcher
}

func newHarness(t *testing.T, raw []detection.RawDetection) *harness {
	t.Helper()

	classes, err := detection.NewClassTable(utils.DefaultClassNames, utils.DefaultClassColors)
	require.NoError(t, err)

	h := &harness{model: &fakeModel{out: raw}, publisher: &fakePublisher{}, launcher: &launcher{}}
	adapter, err := detection.NewAdapter(h.model, classes)
	require.NoError(t, err)

	h.node = New("test-node", adapter, video.NewAnnotator(classes), video.NewEncoder(h.launcher, true), h.publisher)
	t.Cleanup(func() { h.node.Close() })
	return h
}

func testFrame(seq uint64) video.Frame {
	const w, h = 640, 480
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return video.Frame{Seq: seq, Width: w, Height: h, Encoding: "bgr8", Data: data}
}

var exampleDetections = []detection.RawDetection{
	{XMin: 10, YMin: 10, XMax: 50, YMax: 50, Confidence: 0.9, ClassIndex: 0},
	{XMin: 100, YMin: 20, XMax: 140, YMax: 90, Confidence: 0.4, ClassIndex: 2},
}

const streamFrameSize = utils.StreamWidth * utils.StreamHeight * 3

func TestHandleFramePublishesAndEncodes(t *testing.T) {
	h := newHarness(t, exampleDetections)

	require.NoError(t, h.node.HandleFrame(testFrame(1)))

	require.Len(t, h.publisher.msgs, 1)
	msg := h.publisher.msgs[0]
	assert.Equal(t, 2, msg.Objects)
	assert.Equal(t, []string{"cross_pipe", "box"}, msg.Classes)
	assert.Equal(t, []float64{0.9, 0.4}, msg.Conf)
	assert.Equal(t, []int{10, 100}, msg.XMin)
	assert.Equal(t, []int{10, 20}, msg.YMin)
	assert.Equal(t, []int{50, 140}, msg.XMax)
	assert.Equal(t, []int{50, 90}, msg.YMax)

	require.Len(t, h.launcher.procs, 1)
	assert.Len(t, h.launcher.written(0), streamFrameSize)

	last, ok := h.node.LastMessage()
	require.True(t, ok)
	assert.Equal(t, msg, last)

	stats := h.node.Stats()
	assert.Equal(t, "IDLE", stats.State)
	assert.Equal(t, uint64(1), stats.FramesReceived)
	assert.Equal(t, uint64(1), stats.FramesProcessed)
	assert.Equal(t, uint64(1), stats.Encoder.FramesWritten)
	assert.Equal(t, "test-node", stats.InstanceID)
}

func TestHandleFrameWithoutDetections(t *testing.T) {
	h := newHarness(t, nil)
	f := testFrame(1)

	require.NoError(t, h.node.HandleFrame(f))

	require.Len(t, h.publisher.msgs, 1)
	msg := h.publisher.msgs[0]
	assert.Equal(t, 0, msg.Objects)
	for _, s := range [][]int{msg.XMin, msg.YMin, msg.XMax, msg.YMax} {
		assert.NotNil(t, s)
		assert.Empty(t, s)
	}

	//the encoder still gets the plain resized frame
	src, err := f.ToMat()
	require.NoError(t, err)
	defer src.Close()
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(utils.StreamWidth, utils.StreamHeight), 0, 0, gocv.InterpolationLinear)

	assert.Equal(t, resized.ToBytes(), h.launcher.written(0))
}

func TestEncoderStartsOnceAcrossFrames(t *testing.T) {
	h := newHarness(t, exampleDetections)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.node.HandleFrame(testFrame(uint64(i))))
	}

	assert.Len(t, h.launcher.procs, 1)
	assert.Len(t, h.launcher.written(0), 5*streamFrameSize)
	assert.Len(t, h.publisher.msgs, 5)
}

func TestWriteFailureDoesNotStopLaterFrames(t *testing.T) {
	h := newHarness(t, exampleDetections)

	require.NoError(t, h.node.HandleFrame(testFrame(1)))
	h.launcher.procs[0].stdin.fail = true

	//frame k: the write fails but the frame is not an error and detections were published
	require.NoError(t, h.node.HandleFrame(testFrame(2)))
	assert.Len(t, h.publisher.msgs, 2)
	assert.Equal(t, uint64(1), h.node.Stats().EncoderFailures)

	//frame k+1: a new encoder is started and receives it
	require.NoError(t, h.node.HandleFrame(testFrame(3)))
	require.Len(t, h.launcher.procs, 2)
	assert.Len(t, h.launcher.written(1), streamFrameSize)
	assert.Len(t, h.publisher.msgs, 3)

	stats := h.node.Stats()
	assert.Equal(t, uint64(2), stats.FramesProcessed)
	assert.Equal(t, uint64(2), stats.Encoder.Launches)
}

func TestEncoderLaunchFailureStillPublishes(t *testing.T) {
	h := newHarness(t, exampleDetections)
	h.launcher.err = errors.New("ffmpeg: not found")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.node.HandleFrame(testFrame(uint64(i))))
	}

	assert.Len(t, h.publisher.msgs, 3)
	stats := h.node.Stats()
	assert.Equal(t, uint64(6), stats.EncoderFailures) // start and write, per frame
	assert.Zero(t, stats.FramesProcessed)
}

func TestPublishFailureStillEncodes(t *testing.T) {
	h := newHarness(t, exampleDetections)
	h.publisher.err = errors.New("mqtt not connected")

	require.NoError(t, h.node.HandleFrame(testFrame(1)))

	assert.Len(t, h.launcher.written(0), streamFrameSize)
	assert.Equal(t, uint64(1), h.node.Stats().PublishFailures)
}

func TestInferenceFailureLosesFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.model.err = errors.New("cuda out of memory")

	err := h.node.HandleFrame(testFrame(1))
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	assert.Empty(t, h.publisher.msgs)
	assert.Empty(t, h.launcher.written(0))
	stats := h.node.Stats()
	assert.Equal(t, uint64(1), stats.InferenceFailures)
	assert.Equal(t, "IDLE", stats.State)

	_, ok := h.node.LastMessage()
	assert.False(t, ok)
}

func TestUnknownClassIsFatal(t *testing.T) {
	h := newHarness(t, []detection.RawDetection{{XMin: 1, YMin: 1, XMax: 2, YMax: 2, Confidence: 0.5, ClassIndex: 3}})

	err := h.node.HandleFrame(testFrame(1))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Empty(t, h.publisher.msgs)
}

func TestInvalidFrame(t *testing.T) {
	h := newHarness(t, nil)

	err := h.node.HandleFrame(video.Frame{Width: 10, Height: 10, Encoding: "bgr8", Data: []byte{1, 2, 3}})
	assert.ErrorIs(t, err, video.ErrInvalidFrame)

	//a header whose size overflows int is rejected, not sliced
	assert.NotPanics(t, func() {
		err = h.node.HandleFrame(video.Frame{Width: 1, Height: 1<<62 + 1, Encoding: "bgr8", Data: make([]byte, 12)})
	})
	assert.ErrorIs(t, err, video.ErrInvalidFrame)
	assert.Empty(t, h.publisher.msgs)
	assert.Equal(t, "IDLE", h.node.Stats().State)
}

func TestAnnotationLeavesDetectionInputPristine(t *testing.T) {
	h := newHarness(t, exampleDetections)
	f := testFrame(1)
	orig := append([]byte(nil), f.Data...)

	require.NoError(t, h.node.HandleFrame(f))
	require.NoError(t, h.node.HandleFrame(f))

	require.Len(t, h.model.seen, 2)
	assert.Equal(t, h.model.seen[0], h.model.seen[1])
	assert.Equal(t, orig, h.model.seen[0])
	assert.Equal(t, orig, f.Data)
	assert.Equal(t, h.publisher.msgs[0], h.publisher.msgs[1])
}

func TestConcurrentFramesAreSerialized(t *testing.T) {
	h := newHarness(t, exampleDetections)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, h.node.HandleFrame(testFrame(seq)))
		}(uint64(i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.model.maxPar.Load())
	assert.Len(t, h.launcher.procs, 1)
	assert.Len(t, h.launcher.written(0), 8*streamFrameSize)
}

func TestClose(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.node.Close(), "close before any frame")

	h = newHarness(t, nil)
	require.NoError(t, h.node.HandleFrame(testFrame(1)))
	assert.NoError(t, h.node.Close())
	assert.NoError(t, h.node.Close())
	assert.True(t, h.launcher.procs[0].stdin.closed)
	assert.False(t, h.node.Stats().Encoder.Running)

	assert.ErrorIs(t, h.node.HandleFrame(testFrame(2)), ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DETECTING", Detecting.String())
	assert.Equal(t, "ENCODING", Encoding.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
