package utils

//StreamWidth is the width in pixels of every frame written to the encoder
const StreamWidth = 416

//StreamHeight is the height in pixels of every frame written to the encoder
const StreamHeight = 256

//StreamFPS is the fixed input and output frame rate of the encoder
const StreamFPS = 30

//KeyframeInterval is the constant GOP length of the outbound stream
const KeyframeInterval = 30

//StreamPixelFormat is the raw pixel layout written on the encoder's standard input
const StreamPixelFormat = "bgr24"

//DefaultRTSPURL is where the encoder publishes when no url is configured
const DefaultRTSPURL = "rtsp://localhost:8554/detections"

//DefaultWeightsFile is the weights file name loaded when none is configured
const DefaultWeightsFile = "best.onnx"

//DefaultInstallPath is the fixed installation directory weights are resolved against
const DefaultInstallPath = "/usr/share/vision_detector"

//WeightsDir is the directory under the installation path holding model weights
const WeightsDir = "weight"

//LabelOffset is how many pixels above a bounding box its label is drawn
const LabelOffset = 10

//BoxThickness is the line thickness of drawn bounding boxes
const BoxThickness = 2

//DefaultClassNames is the ordered class list the detection model was trained on
var DefaultClassNames = []string{"cross_pipe", "arm_part", "box"}

//DefaultClassColors holds the BGR display color of each entry in DefaultClassNames
var DefaultClassColors = [][3]uint8{{255, 0, 0}, {0, 255, 0}, {0, 0, 255}}

//FrameEncodings lists the pixel encodings accepted on the frame topic
var FrameEncodings = []string{"bgr8", "rgb8", "mono8"}
