package model

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	"github.com/chenBenjamin97/vision-detector/pkg/detection"
	"gocv.io/x/gocv"
)

//Options configures a YOLO network
type Options struct {
	WeightsPath string
	Device      string
	//InputSize is the side of the square image the network was exported for
	InputSize     int
	ConfThreshold float32
	NMSThreshold  float32
}

var _ detection.Model = (*YOLO)(nil)

//YOLO runs an exported YOLOv8 ONNX network through the OpenCV DNN module
type YOLO struct {
	opts   Options
	device string

	mu  sync.Mutex
	net gocv.Net
}

//Load reads the weights and selects the execution device. A missing or unreadable
//weights file is a configuration error.
func Load(opts Options) (*YOLO, error) {
	if opts.InputSize <= 0 {
		return nil, fmt.Errorf("Load: invalid input size %d", opts.InputSize)
	}
	if _, err := os.Stat(opts.WeightsPath); err != nil {
		return nil, fmt.Errorf("Load: weights file: %w", err)
	}

	net := gocv.ReadNet(opts.WeightsPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("Load: could not read network from '%s'", opts.WeightsPath)
	}

	backend, target, device := SelectDevice(opts.Device, nvidiaSMI)
	net.SetPreferableBackend(backend)
	net.SetPreferableTarget(target)

	slog.Info("detection model loaded", "weights", opts.WeightsPath, "device", device, "input_size", opts.InputSize)

	return &YOLO{opts: opts, device: device, net: net}, nil
}

//Device is the execution device the network runs on
func (y *YOLO) Device() string {
	return y.device
}

//Predict runs the network on a BGR image and returns boxes in the image's pixel coordinates
func (y *YOLO) Predict(img gocv.Mat) ([]detection.RawDetection, error) {
	if img.Empty() {
		return nil, errors.New("Predict: empty image")
	}

	size := y.opts.InputSize
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	y.mu.Lock()
	y.net.SetInput(blob, "")
	out := y.net.Forward("")
	y.mu.Unlock()
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("Predict: unexpected output shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("Predict: %w", err)
	}

	head := output{data: data, attrs: dims[1], anchors: dims[2]}
	if dims[1] > dims[2] { //exported as [1, anchors, attrs]
		head = output{data: data, attrs: dims[2], anchors: dims[1], transposed: true}
	}

	sx := float64(img.Cols()) / float64(size)
	sy := float64(img.Rows()) / float64(size)
	return head.decode(sx, sy, y.opts.ConfThreshold, y.opts.NMSThreshold)
}

//Close releases the network
func (y *YOLO) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.net.Close()
}

//output is a YOLOv8 head: per anchor cx, cy, w, h then one score per class
type output struct {
	data       []float32
	attrs      int
	anchors    int
	transposed bool
}

func (o output) at(attr, anchor int) float32 {
	if o.transposed {
		return o.data[anchor*o.attrs+attr]
	}
	return o.data[attr*o.anchors+anchor]
}

//decode keeps the best class per anchor above confThreshold, suppresses overlaps and
//scales boxes by sx, sy. Results are in NMS order, highest score first.
func (o output) decode(sx, sy float64, confThreshold, nmsThreshold float32) ([]detection.RawDetection, error) {
	numClasses := o.attrs - 4
	if numClasses <= 0 {
		return nil, fmt.Errorf("decode: output has %d attributes, need more than 4", o.attrs)
	}
	if len(o.data) < o.attrs*o.anchors {
		return nil, fmt.Errorf("decode: %d values for %dx%d output", len(o.data), o.attrs, o.anchors)
	}

	boxes := make([]image.Rectangle, 0)
	scores := make([]float32, 0)
	classes := make([]int, 0)

	for i := 0; i < o.anchors; i++ {
		best, bestScore := 0, float32(0)
		for c := 0; c < numClasses; c++ {
			if s := o.at(4+c, i); s > bestScore {
				best, bestScore = c, s
			}
		}
		if bestScore < confThreshold {
			continue
		}

		cx, cy, w, h := o.at(0, i), o.at(1, i), o.at(2, i), o.at(3, i)
		boxes = append(boxes, image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)))
		scores = append(scores, bestScore)
		classes = append(classes, best)
	}

	if len(boxes) == 0 {
		return []detection.RawDetection{}, nil
	}

	indices := gocv.NMSBoxes(boxes, scores, confThreshold, nmsThreshold)

	results := make([]detection.RawDetection, 0, len(indices))
	for _, idx := range indices {
		b := boxes[idx]
		results = append(results, detection.RawDetection{
			XMin:       float64(b.Min.X) * sx,
			YMin:       float64(b.Min.Y) * sy,
			XMax:       float64(b.Max.X) * sx,
			YMax:       float64(b.Max.Y) * sy,
			Confidence: float64(scores[idx]),
			ClassIndex: classes[idx],
		})
	}

	return results, nil
}
