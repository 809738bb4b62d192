package detection

//Message is what gets published for every processed frame.
//All slices are index aligned and Objects always equals their length.
type Message struct {
	Objects int       `json:"objects"`
	XMin    []int     `json:"xmin"`
	YMin    []int     `json:"ymin"`
	XMax    []int     `json:"xmax"`
	YMax    []int     `json:"ymax"`
	Conf    []float64 `json:"conf"`
	Classes []string  `json:"classes"`
}

//NewMessage builds the message for one frame's records
func NewMessage(records []DetectionRecord) Message {
	n := len(records)
	msg := Message{
		Objects: n,
		XMin:    make([]int, 0, n),
		YMin:    make([]int, 0, n),
		XMax:    make([]int, 0, n),
		YMax:    make([]int, 0, n),
		Conf:    make([]float64, 0, n),
		Classes: make([]string, 0, n),
	}

	for _, r := range records {
		msg.XMin = append(msg.XMin, r.XMin)
		msg.YMin = append(msg.YMin, r.YMin)
		msg.XMax = append(msg.XMax, r.XMax)
		msg.YMax = append(msg.YMax, r.YMax)
		msg.Conf = append(msg.Conf, r.Confidence)
		msg.Classes = append(msg.Classes, r.ClassName)
	}

	return msg
}
