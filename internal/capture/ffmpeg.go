package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// SystemDevices は実機のデバイスです。カメラと画面は ffmpeg で 1 枚ずつ取得し、
// マイクは portaudio ビルドタグ付きでビルドした場合のみ利用できます。
type SystemDevices struct {
	// FFmpegPath が空の場合は PATH から ffmpeg を探します。
	FFmpegPath string
}

// OpenCamera はカメラを開き、1 枚取得できることを確認します。
func (d SystemDevices) OpenCamera(ctx context.Context, c VideoConstraints) (VideoTrack, error) {
	return d.openSnapshotter(ctx, DeviceCamera, cameraArgs(c))
}

// OpenScreen は画面キャプチャを開き、1 枚取得できることを確認します。
func (d SystemDevices) OpenScreen(ctx context.Context, c VideoConstraints) (VideoTrack, error) {
	return d.openSnapshotter(ctx, DeviceScreen, screenArgs(c))
}

func (d SystemDevices) openSnapshotter(ctx context.Context, kind DeviceKind, input []string) (VideoTrack, error) {
	if input == nil {
		return nil, &DeviceError{Kind: Unavailable, Device: kind, Err: fmt.Errorf("unsupported platform %s", runtime.GOOS)}
	}
	bin := d.FFmpegPath
	if bin == "" {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, &DeviceError{Kind: Unavailable, Device: kind, Err: fmt.Errorf("ffmpeg not found: %w", err)}
		}
		bin = path
	}
	t := &ffmpegTrack{bin: bin, kind: kind, input: input}
	// 権限やデバイスの有無はここで確定させる
	if _, err := t.Snapshot(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// ffmpegTrack は呼び出しごとに ffmpeg を起動して 1 フレームを取得します。
type ffmpegTrack struct {
	bin   string
	kind  DeviceKind
	input []string

	mu      sync.Mutex
	stopped bool
}

func (t *ffmpegTrack) Snapshot(ctx context.Context) (image.Image, error) {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return nil, ErrTrackStopped
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, t.input...)
	args = append(args, "-frames:v", "1", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyFFmpegError(t.kind, err, stderr.String())
	}

	img, _, err := image.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("%s フレームのデコードに失敗: %w", t.kind, err)
	}
	return img, nil
}

func (t *ffmpegTrack) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

var permissionMarkers = []string{
	"permission denied",
	"not authorized",
	"operation not permitted",
	"access is denied",
}

// classifyFFmpegError は ffmpeg の stderr からユーザーの拒否とデバイス不在を区別します。
func classifyFFmpegError(kind DeviceKind, err error, stderr string) error {
	msg := strings.ToLower(stderr)
	for _, m := range permissionMarkers {
		if strings.Contains(msg, m) {
			return &DeviceError{Kind: PermissionDenied, Device: kind, Err: errors.New(strings.TrimSpace(stderr))}
		}
	}
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = err.Error()
	}
	return &DeviceError{Kind: Unavailable, Device: kind, Err: errors.New(detail)}
}

// cameraIndex は向きをデバイス番号に対応付けます。背面 (environment) は次の番号です。
func cameraIndex(c VideoConstraints) int {
	idx := 0
	if c.Device != "" {
		if n, err := strconv.Atoi(c.Device); err == nil {
			idx = n
		}
	}
	if c.Facing == FacingEnvironment {
		idx++
	}
	return idx
}

func videoSize(c VideoConstraints) []string {
	if c.Width > 0 && c.Height > 0 {
		return []string{"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height)}
	}
	return nil
}

func cameraArgs(c VideoConstraints) []string {
	idx := cameraIndex(c)
	var args []string
	switch runtime.GOOS {
	case "darwin":
		args = append([]string{"-f", "avfoundation", "-framerate", "30"}, videoSize(c)...)
		return append(args, "-i", strconv.Itoa(idx))
	case "linux":
		args = append([]string{"-f", "v4l2"}, videoSize(c)...)
		return append(args, "-i", fmt.Sprintf("/dev/video%d", idx))
	case "windows":
		name := c.Device
		if name == "" || isNumeric(name) {
			name = "video=" + strconv.Itoa(idx)
		} else {
			name = "video=" + name
		}
		args = append([]string{"-f", "dshow"}, videoSize(c)...)
		return append(args, "-i", name)
	}
	return nil
}

func screenArgs(c VideoConstraints) []string {
	switch runtime.GOOS {
	case "darwin":
		dev := c.Device
		if dev == "" {
			dev = "Capture screen 0"
		}
		return []string{"-f", "avfoundation", "-i", dev}
	case "linux":
		dev := c.Device
		if dev == "" {
			dev = os.Getenv("DISPLAY")
		}
		if dev == "" {
			dev = ":0.0"
		}
		return []string{"-f", "x11grab", "-i", dev}
	case "windows":
		dev := c.Device
		if dev == "" {
			dev = "desktop"
		}
		return []string{"-f", "gdigrab", "-i", dev}
	}
	return nil
}

func isNumeric(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}
