package detection

import "image"

//RawDetection is one box as returned by the model, in frame pixel coordinates
type RawDetection struct {
	XMin       float64
	YMin       float64
	XMax       float64
	YMax       float64
	Confidence float64
	ClassIndex int
}

//DetectionRecord is the normalized form of a RawDetection with its class name resolved
type DetectionRecord struct {
	XMin       int     `json:"xmin"`
	YMin       int     `json:"ymin"`
	XMax       int     `json:"xmax"`
	YMax       int     `json:"ymax"`
	Confidence float64 `json:"conf"`
	ClassIndex int     `json:"class_index"`
	ClassName  string  `json:"class"`
}

//Rect returns the record's bounding box
func (r DetectionRecord) Rect() image.Rectangle {
	return image.Rect(r.XMin, r.YMin, r.XMax, r.YMax)
}
