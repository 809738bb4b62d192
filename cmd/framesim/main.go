//framesim publishes the frames of a video file or camera on the frame topic, for running the
//detector without a robot
package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/chenBenjamin97/vision-detector/pkg/video"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gocv.io/x/gocv"
)

func main() {
	source := flag.String("source", "0", "video file, stream URL or camera index")
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker")
	topic := flag.String("topic", "camera/image_raw", "frame topic")
	fps := flag.Int("fps", 10, "frames published per second")
	loop := flag.Bool("loop", false, "restart a video file when it ends")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if *fps <= 0 {
		slog.Error("fps must be positive", "fps", *fps)
		os.Exit(1)
	}

	capture, err := gocv.OpenVideoCapture(*source)
	if err != nil {
		slog.Error("could not open source", "source", *source, "error", err)
		os.Exit(1)
	}
	defer capture.Close()

	opts := mqtt.NewClientOptions().AddBroker(*broker).SetClientID("framesim")
	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		slog.Error("could not connect to broker", "broker", *broker, "error", token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	img := gocv.NewMat()
	defer img.Close()

	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()

	var seq uint64
	for range ticker.C {
		if ok := capture.Read(&img); !ok || img.Empty() {
			if *loop {
				capture.Set(gocv.VideoCapturePosFrames, 0)
				continue
			}
			slog.Info("source ended", "frames", seq)
			return
		}

		payload, err := video.EncodeFrame(video.FrameFromMat(img, seq))
		if err != nil {
			slog.Error("could not encode frame", "seq", seq, "error", err)
			continue
		}

		token := client.Publish(*topic, 0, false, payload)
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			slog.Warn("publish failed", "seq", seq, "error", token.Error())
		}
		seq++
	}
}
