//go:build portaudio

package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// MicrophoneSupported はマイク入力付きでビルドされているかを示します。
const MicrophoneSupported = true

var (
	paInitOnce sync.Once
	paInitErr  error
)

// OpenMicrophone は PortAudio の入力ストリームを開きます。
// エコーキャンセル等はホスト API 側の設定に委ね、ここではモノラル・目標レートを要求します。
func (d SystemDevices) OpenMicrophone(ctx context.Context, c AudioConstraints) (AudioTrack, error) {
	paInitOnce.Do(func() {
		paInitErr = portaudio.Initialize()
	})
	if paInitErr != nil {
		return nil, &DeviceError{Kind: Unavailable, Device: DeviceMicrophone, Err: paInitErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, err := inputDevice(c.Device)
	if err != nil {
		return nil, &DeviceError{Kind: Unavailable, Device: DeviceMicrophone, Err: err}
	}

	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}
	if dev.MaxInputChannels > 0 && channels > dev.MaxInputChannels {
		channels = dev.MaxInputChannels
	}

	buf := make([]int16, c.BufferSize*channels)
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(c.SampleRate)
	params.FramesPerBuffer = c.BufferSize

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, micError(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, micError(err)
	}

	return &portaudioTrack{
		stream:     stream,
		buf:        buf,
		sampleRate: c.SampleRate,
		channels:   channels,
	}, nil
}

func inputDevice(index int) (*portaudio.DeviceInfo, error) {
	if index <= 0 {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if index >= len(devices) || devices[index].MaxInputChannels == 0 {
		return nil, fmt.Errorf("no input device at index %d", index)
	}
	return devices[index], nil
}

func micError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") {
		return &DeviceError{Kind: PermissionDenied, Device: DeviceMicrophone, Err: err}
	}
	return &DeviceError{Kind: Unavailable, Device: DeviceMicrophone, Err: err}
}

type portaudioTrack struct {
	stream     *portaudio.Stream
	buf        []int16
	sampleRate int
	channels   int

	mu      sync.Mutex
	stopped bool
}

func (t *portaudioTrack) Read(ctx context.Context) (Samples, error) {
	if err := ctx.Err(); err != nil {
		return Samples{}, err
	}
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return Samples{}, ErrTrackStopped
	}

	if err := t.stream.Read(); err != nil {
		t.mu.Lock()
		stopped = t.stopped
		t.mu.Unlock()
		if stopped {
			return Samples{}, ErrTrackStopped
		}
		// 入力オーバーフローは読み捨てて続行する
		if err == portaudio.InputOverflowed {
			return Samples{SampleRate: t.sampleRate, Channels: t.channels}, nil
		}
		return Samples{}, fmt.Errorf("マイクの読み取りに失敗: %w", err)
	}

	data := make([]int16, len(t.buf))
	copy(data, t.buf)
	return Samples{Data: data, SampleRate: t.sampleRate, Channels: t.channels}, nil
}

func (t *portaudioTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	// Abort でブロック中の Read を解除してから閉じる
	if err := t.stream.Abort(); err != nil {
		_ = t.stream.Close()
		return err
	}
	return t.stream.Close()
}
