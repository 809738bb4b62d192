package detection

import (
	"errors"

	"gocv.io/x/gocv"
)

//Model is a pretrained detector. Predict must not write to img.
type Model interface {
	Predict(img gocv.Mat) ([]RawDetection, error)
}

//Adapter runs the model and turns its output into DetectionRecords
type Adapter struct {
	model   Model
	classes *ClassTable
}

//NewAdapter returns an adapter over the given model and class table
func NewAdapter(model Model, classes *ClassTable) (*Adapter, error) {
	if model == nil {
		return nil, errors.New("NewAdapter: model is nil")
	}
	if classes == nil {
		return nil, errors.New("NewAdapter: class table is nil")
	}

	return &Adapter{model: model, classes: classes}, nil
}

//Detect runs inference on img. Model errors are returned as is; containing them is the caller's job.
func (a *Adapter) Detect(img gocv.Mat) ([]RawDetection, error) {
	return a.model.Predict(img)
}

//Normalize resolves class names and truncates boxes to integer pixels, keeping model order
func (a *Adapter) Normalize(raw []RawDetection) ([]DetectionRecord, error) {
	records := make([]DetectionRecord, 0, len(raw))
	for _, d := range raw {
		class, err := a.classes.Lookup(d.ClassIndex)
		if err != nil {
			return nil, err
		}

		records = append(records, DetectionRecord{
			XMin:       int(d.XMin),
			YMin:       int(d.YMin),
			XMax:       int(d.XMax),
			YMax:       int(d.YMax),
			Confidence: d.Confidence,
			ClassIndex: d.ClassIndex,
			ClassName:  class.Name,
		})
	}

	return records, nil
}

//Classes returns the adapter's class table
func (a *Adapter) Classes() *ClassTable {
	return a.classes
}
