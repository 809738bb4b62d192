package video

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/chenBenjamin97/vision-detector/pkg/utils"
)

//FFmpegArgs returns the fixed argument list turning raw frames on stdin into a low latency RTSP stream
func FFmpegArgs(rtspURL string) []string {
	return []string{
		"-re",
		"-f", "rawvideo",
		"-pix_fmt", utils.StreamPixelFormat,
		"-s", fmt.Sprintf("%dx%d", utils.StreamWidth, utils.StreamHeight),
		"-r", strconv.Itoa(utils.StreamFPS),
		"-i", "-",
		"-f", "rtsp",
		"-rtsp_transport", "tcp",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-q", "5",
		"-an",
		"-x264-params", fmt.Sprintf("keyint=%d:scenecut=0", utils.KeyframeInterval),
		"-g", strconv.Itoa(utils.KeyframeInterval),
		rtspURL,
	}
}

//FFmpegLauncher starts the encoder binary with a fixed argument list
type FFmpegLauncher struct {
	Binary string
	Args   []string
}

//NewFFmpegLauncher returns a launcher streaming to rtspURL
func NewFFmpegLauncher(binary, rtspURL string) *FFmpegLauncher {
	return &FFmpegLauncher{Binary: binary, Args: FFmpegArgs(rtspURL)}
}

//Launch starts the process with a writable stdin pipe. Its stderr goes to the debug log.
func (l *FFmpegLauncher) Launch() (Process, error) {
	cmd := exec.Command(l.Binary, l.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("Launch: Error getting %s standard input, got '%w'", l.Binary, err)
	}

	stderr := &lineLogger{prefix: l.Binary}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("Launch: Error executing %s, got '%w'", l.Binary, err)
	}

	slog.Info("encoder process started", "binary", l.Binary, "pid", cmd.Process.Pid, "args", strings.Join(l.Args, " "))

	return &execProcess{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *lineLogger
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.stderr.flush()
	return err
}

//lineLogger forwards a subprocess's output to the debug log one line at a time
type lineLogger struct {
	prefix string
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil { //partial line, keep it for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		l.log(line)
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	scanner := bufio.NewScanner(&l.buf)
	for scanner.Scan() {
		l.log(scanner.Text())
	}
	l.buf.Reset()
}

func (l *lineLogger) log(line string) {
	if line = strings.TrimSpace(line); line != "" {
		slog.Debug("encoder output", "process", l.prefix, "line", line)
	}
}
