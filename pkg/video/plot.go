package video

import (
	"fmt"
	"image"

	"github.com/chenBenjamin97/vision-detector/pkg/detection"
	"github.com/chenBenjamin97/vision-detector/pkg/utils"
	"gocv.io/x/gocv"
)

//Annotator draws detections on a resized copy of a frame for the outbound stream
type Annotator struct {
	classes *detection.ClassTable
	width   int
	height  int
}

//NewAnnotator returns an annotator producing frames of the encoder's fixed size
func NewAnnotator(classes *detection.ClassTable) *Annotator {
	return &Annotator{classes: classes, width: utils.StreamWidth, height: utils.StreamHeight}
}

//Annotate returns a new Mat of the stream size with every record plotted on it.
//src is only read. The caller must close the returned Mat.
func (a *Annotator) Annotate(src gocv.Mat, records []detection.DetectionRecord) (gocv.Mat, error) {
	if src.Empty() {
		return gocv.NewMat(), fmt.Errorf("Annotate: empty source frame")
	}

	out := gocv.NewMat()
	gocv.Resize(src, &out, image.Pt(a.width, a.height), 0, 0, gocv.InterpolationLinear)

	sx := float64(a.width) / float64(src.Cols())
	sy := float64(a.height) / float64(src.Rows())

	for _, r := range records {
		class, err := a.classes.Lookup(r.ClassIndex)
		if err != nil {
			out.Close()
			return gocv.NewMat(), fmt.Errorf("Annotate: %w", err)
		}

		box := image.Rect(
			int(float64(r.XMin)*sx), int(float64(r.YMin)*sy),
			int(float64(r.XMax)*sx), int(float64(r.YMax)*sy),
		)
		plotDetectionOnFrame(&out, box, Label(r), class)
	}

	return out, nil
}

//Label is the text drawn above a detection: class name and confidence in percent with two decimals
func Label(r detection.DetectionRecord) string {
	return fmt.Sprintf("%s: %.2f", r.ClassName, r.Confidence*100)
}

//plotDetectionOnFrame plots given bounding box and writes its label above it
func plotDetectionOnFrame(frame *gocv.Mat, box image.Rectangle, label string, class detection.Class) {
	plotColor := class.RGBA()
	gocv.Rectangle(frame, box, plotColor, utils.BoxThickness)

	startPointText := image.Pt(box.Min.X, box.Min.Y-utils.LabelOffset)
	gocv.PutText(frame, label, startPointText, gocv.FontHersheyPlain, 1, plotColor, 1)
}
