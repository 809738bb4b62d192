package video

import (
	"errors"
	"fmt"
	"time"

	"github.com/chenBenjamin97/vision-detector/pkg/utils"
	"github.com/vmihailenco/msgpack/v5"
	"gocv.io/x/gocv"
)

//ErrInvalidFrame is returned for a frame whose header does not describe its pixel data
var ErrInvalidFrame = errors.New("invalid frame")

//maxFrameDimension bounds width and height so size arithmetic on a decoded header cannot overflow
const maxFrameDimension = 1 << 16

//Frame is one raw image as delivered on the frame topic
type Frame struct {
	Seq      uint64    `msgpack:"seq"`
	Stamp    time.Time `msgpack:"stamp"`
	Width    int       `msgpack:"width"`
	Height   int       `msgpack:"height"`
	Encoding string    `msgpack:"encoding"`
	//Step is the row length in bytes. Zero means tightly packed rows.
	Step int    `msgpack:"step"`
	Data []byte `msgpack:"data"`
}

//DecodeFrame unpacks a msgpack frame payload and validates it
func DecodeFrame(payload []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

//EncodeFrame packs a frame the way DecodeFrame expects it
func EncodeFrame(f Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

func channels(encoding string) int {
	if encoding == "mono8" {
		return 1
	}
	return 3
}

//Validate checks the encoding is supported and that Data holds Height rows of Step bytes
func (f Frame) Validate() error {
	if !utils.InSlice(f.Encoding, utils.FrameEncodings) {
		return fmt.Errorf("%w: unsupported encoding %q", ErrInvalidFrame, f.Encoding)
	}
	if f.Width <= 0 || f.Height <= 0 || f.Width > maxFrameDimension || f.Height > maxFrameDimension {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if f.Step < 0 || f.Step > len(f.Data) {
		return fmt.Errorf("%w: step %d for %d bytes", ErrInvalidFrame, f.Step, len(f.Data))
	}

	rowBytes := f.Width * channels(f.Encoding)
	step := f.Step
	if step == 0 {
		step = rowBytes
	}
	if step < rowBytes {
		return fmt.Errorf("%w: step %d shorter than row of %d bytes", ErrInvalidFrame, step, rowBytes)
	}
	if f.Height > len(f.Data)/step {
		return fmt.Errorf("%w: %d bytes for %d rows of %d", ErrInvalidFrame, len(f.Data), f.Height, step)
	}

	return nil
}

//ToMat returns a BGR copy of the frame. The caller owns the Mat and must close it;
//the frame's Data is never referenced by it.
func (f Frame) ToMat() (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.NewMat(), err
	}

	rowBytes := f.Width * channels(f.Encoding)
	data := f.Data
	if f.Step != 0 && f.Step != rowBytes { //drop row padding
		data = make([]byte, 0, rowBytes*f.Height)
		for y := 0; y < f.Height; y++ {
			data = append(data, f.Data[y*f.Step:y*f.Step+rowBytes]...)
		}
	} else {
		data = data[:rowBytes*f.Height]
	}

	matType := gocv.MatTypeCV8UC3
	if f.Encoding == "mono8" {
		matType = gocv.MatTypeCV8UC1
	}

	view, err := gocv.NewMatFromBytes(f.Height, f.Width, matType, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	defer view.Close()

	out := gocv.NewMat()
	switch f.Encoding {
	case "rgb8":
		gocv.CvtColor(view, &out, gocv.ColorRGBToBGR)
	case "mono8":
		gocv.CvtColor(view, &out, gocv.ColorGrayToBGR)
	default:
		view.CopyTo(&out)
	}

	return out, nil
}

//FrameFromMat builds a tightly packed bgr8 frame from a BGR Mat
func FrameFromMat(img gocv.Mat, seq uint64) Frame {
	return Frame{
		Seq:      seq,
		Stamp:    time.Now(),
		Width:    img.Cols(),
		Height:   img.Rows(),
		Encoding: "bgr8",
		Data:     img.ToBytes(),
	}
}
