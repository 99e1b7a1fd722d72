package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interview-live-go/internal/types"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeMic struct {
	log      *eventLog
	feed     chan Samples
	stopped  chan struct{}
	stopOnce sync.Once
	stops    int
	mu       sync.Mutex
}

func (m *fakeMic) Read(ctx context.Context) (Samples, error) {
	select {
	case <-ctx.Done():
		return Samples{}, ctx.Err()
	case <-m.stopped:
		return Samples{}, ErrTrackStopped
	case s := <-m.feed:
		return s, nil
	}
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	m.stopOnce.Do(func() {
		m.log.add("stop:mic")
		close(m.stopped)
	})
	return nil
}

type fakeVideo struct {
	log  *eventLog
	name string
}

func (v *fakeVideo) Snapshot(context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (v *fakeVideo) Stop() error {
	v.log.add("stop:" + v.name)
	return nil
}

type fakeDevices struct {
	log       *eventLog
	mics      []*fakeMic
	facings   []Facing
	cameraErr error
	screenErr error
	micGate   chan struct{}
	mu        sync.Mutex
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{log: &eventLog{}}
}

func (d *fakeDevices) OpenMicrophone(ctx context.Context, _ AudioConstraints) (AudioTrack, error) {
	if d.micGate != nil {
		select {
		case <-d.micGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.log.add("open:mic")
	m := &fakeMic{log: d.log, feed: make(chan Samples, 8), stopped: make(chan struct{})}
	d.mu.Lock()
	d.mics = append(d.mics, m)
	d.mu.Unlock()
	return m, nil
}

func (d *fakeDevices) OpenCamera(_ context.Context, c VideoConstraints) (VideoTrack, error) {
	if d.cameraErr != nil {
		return nil, d.cameraErr
	}
	d.log.add("open:camera")
	d.mu.Lock()
	d.facings = append(d.facings, c.Facing)
	d.mu.Unlock()
	return &fakeVideo{log: d.log, name: "camera"}, nil
}

func (d *fakeDevices) OpenScreen(context.Context, VideoConstraints) (VideoTrack, error) {
	if d.screenErr != nil {
		return nil, d.screenErr
	}
	d.log.add("open:screen")
	return &fakeVideo{log: d.log, name: "screen"}, nil
}

func (d *fakeDevices) lastMic() *fakeMic {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mics[len(d.mics)-1]
}

func testOptions() Options {
	return Options{
		Audio: AudioConstraints{SampleRate: 16000, Channels: 1, BufferSize: 4},
	}
}

func TestAdapter_AudioFramesAndIdempotentStop(t *testing.T) {
	devs := newFakeDevices()
	a := NewAdapter(devs, testOptions())

	h, err := a.Start(context.Background(), types.ModeAudio)
	require.NoError(t, err)
	assert.Nil(t, h.Video())
	assert.Equal(t, types.ModeAudio, a.Mode())

	// 6 サンプル入れると 4 サンプルのフレームが 1 つ出て、2 サンプルが持ち越される
	devs.lastMic().feed <- Samples{Data: []int16{1, 2, 3, 4, 5, 6}, SampleRate: 16000, Channels: 1}
	select {
	case f := <-h.Frames():
		assert.Len(t, f.PCM, 8)
		assert.Equal(t, uint64(1), f.Seq)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}

	devs.lastMic().feed <- Samples{Data: []int16{7, 8}, SampleRate: 16000, Channels: 1}
	select {
	case f := <-h.Frames():
		assert.Equal(t, []byte{5, 0, 6, 0, 7, 0, 8, 0}, f.PCM)
	case <-time.After(time.Second):
		t.Fatal("carried-over frame not delivered")
	}

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.Equal(t, types.CaptureMode(""), a.Mode())

	_, ok := <-h.Frames()
	assert.False(t, ok, "frames channel should be closed after stop")
	assert.Equal(t, 1, devs.lastMic().stops)
}

func TestAdapter_StartTwice(t *testing.T) {
	a := NewAdapter(newFakeDevices(), testOptions())
	_, err := a.Start(context.Background(), types.ModeAudio)
	require.NoError(t, err)
	defer a.Stop()

	_, err = a.Start(context.Background(), types.ModeAudio)
	assert.ErrorIs(t, err, ErrAlreadyCapturing)
}

func TestAdapter_SwitchModeReleasesOldTracksFirst(t *testing.T) {
	devs := newFakeDevices()
	a := NewAdapter(devs, testOptions())

	_, err := a.Start(context.Background(), types.ModeCamera)
	require.NoError(t, err)

	h, err := a.SwitchMode(context.Background(), types.ModeScreen)
	require.NoError(t, err)
	require.NotNil(t, h.Video())
	assert.Equal(t, types.ModeScreen, a.Mode())

	assert.Equal(t, []string{
		"open:mic", "open:camera",
		"stop:mic", "stop:camera",
		"open:mic", "open:screen",
	}, devs.log.list())

	require.NoError(t, a.Stop())
}

func TestAdapter_Flip(t *testing.T) {
	devs := newFakeDevices()
	a := NewAdapter(devs, testOptions())

	_, err := a.Start(context.Background(), types.ModeAudio)
	require.NoError(t, err)
	_, err = a.Flip(context.Background())
	assert.ErrorIs(t, err, ErrNotCamera)

	_, err = a.SwitchMode(context.Background(), types.ModeCamera)
	require.NoError(t, err)
	_, err = a.Flip(context.Background())
	require.NoError(t, err)
	_, err = a.Flip(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []Facing{FacingUser, FacingEnvironment, FacingUser}, devs.facings)
	require.NoError(t, a.Stop())

	_, err = a.Flip(context.Background())
	assert.ErrorIs(t, err, ErrNotCamera)
}

func TestAdapter_PermissionDeniedReleasesMicrophone(t *testing.T) {
	devs := newFakeDevices()
	devs.cameraErr = &DeviceError{Kind: PermissionDenied, Device: DeviceCamera, Err: errors.New("not authorized")}
	a := NewAdapter(devs, testOptions())

	_, err := a.Start(context.Background(), types.ModeCamera)
	require.Error(t, err)

	de, ok := AsDeviceError(err)
	require.True(t, ok)
	assert.Equal(t, PermissionDenied, de.Kind)
	assert.False(t, de.Kind.DisablesFeature())
	assert.Equal(t, []string{"open:mic", "stop:mic"}, devs.log.list())

	// 拒否の後でも再試行できる
	devs.cameraErr = nil
	_, err = a.Start(context.Background(), types.ModeCamera)
	require.NoError(t, err)
	require.NoError(t, a.Stop())
}

func TestAdapter_StopDuringAcquisitionDiscardsResult(t *testing.T) {
	devs := newFakeDevices()
	devs.micGate = make(chan struct{})
	a := NewAdapter(devs, testOptions())

	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := a.Start(context.Background(), types.ModeAudio)
		done <- result{h, err}
	}()

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.acquiring > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, a.Stop())
	close(devs.micGate)

	r := <-done
	assert.Nil(t, r.h)
	assert.ErrorIs(t, r.err, ErrCanceled)
	assert.Equal(t, []string{"open:mic", "stop:mic"}, devs.log.list())
	assert.Equal(t, types.CaptureMode(""), a.Mode())
}

func TestAdapter_StopDuringAcquisitionBlocksNextStart(t *testing.T) {
	devs := newFakeDevices()
	devs.micGate = make(chan struct{})
	a := NewAdapter(devs, testOptions())

	done := make(chan error, 1)
	go func() {
		_, err := a.Start(context.Background(), types.ModeAudio)
		done <- err
	}()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.acquiring > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, a.Stop())
	// 破棄される取得が終わるまでは同じデバイスを二重に開かない
	_, err := a.Start(context.Background(), types.ModeAudio)
	assert.ErrorIs(t, err, ErrAlreadyCapturing)

	close(devs.micGate)
	assert.ErrorIs(t, <-done, ErrCanceled)

	h, err := a.Start(context.Background(), types.ModeAudio)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.NoError(t, a.Stop())
}

func TestAdapter_StartWithCanceledContextOpensNothing(t *testing.T) {
	devs := newFakeDevices()
	a := NewAdapter(devs, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Start(ctx, types.ModeAudio)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Empty(t, devs.log.list())

	// 後続の取得は妨げない
	_, err = a.Start(context.Background(), types.ModeAudio)
	require.NoError(t, err)
	require.NoError(t, a.Stop())
}

func TestAdapter_UnavailableScreenStaysDisabled(t *testing.T) {
	devs := newFakeDevices()
	devs.screenErr = &DeviceError{Kind: Unavailable, Device: DeviceScreen, Err: errors.New("no display")}
	a := NewAdapter(devs, testOptions())

	_, err := a.Start(context.Background(), types.ModeAudio)
	require.NoError(t, err)

	_, err = a.SwitchMode(context.Background(), types.ModeScreen)
	de, ok := AsDeviceError(err)
	require.True(t, ok)
	assert.Equal(t, Unavailable, de.Kind)
	assert.ErrorIs(t, a.Available(types.ModeScreen), de)
	assert.NoError(t, a.Available(types.ModeCamera))

	_, err = a.Start(context.Background(), types.ModeAudio)
	require.NoError(t, err)
	before := devs.log.list()

	// 無効なモードへの切替は現在のトラックに触れない
	_, err = a.SwitchMode(context.Background(), types.ModeScreen)
	_, ok = AsDeviceError(err)
	require.True(t, ok)
	assert.Equal(t, before, devs.log.list())
	assert.Equal(t, types.ModeAudio, a.Mode())

	_, err = a.Start(context.Background(), types.ModeScreen)
	assert.ErrorIs(t, err, ErrAlreadyCapturing)
	require.NoError(t, a.Stop())
	_, err = a.Start(context.Background(), types.ModeScreen)
	_, ok = AsDeviceError(err)
	assert.True(t, ok)
}

func TestAdapter_FailedFlipKeepsFacing(t *testing.T) {
	devs := newFakeDevices()
	a := NewAdapter(devs, testOptions())

	_, err := a.Start(context.Background(), types.ModeCamera)
	require.NoError(t, err)

	devs.cameraErr = &DeviceError{Kind: Unavailable, Device: DeviceCamera, Err: errors.New("no rear camera")}
	_, err = a.Flip(context.Background())
	require.Error(t, err)
	assert.Equal(t, FacingUser, a.Facing())
	assert.NoError(t, a.Available(types.ModeCamera))

	devs.cameraErr = nil
	_, err = a.Start(context.Background(), types.ModeCamera)
	require.NoError(t, err)
	_, err = a.Flip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FacingEnvironment, a.Facing())
	require.NoError(t, a.Stop())
}

func TestAdapter_DropsWhenConsumerIsSlow(t *testing.T) {
	devs := newFakeDevices()
	opts := testOptions()
	opts.FrameQueue = 1
	a := NewAdapter(devs, opts)

	h, err := a.Start(context.Background(), types.ModeAudio)
	require.NoError(t, err)

	devs.lastMic().feed <- Samples{Data: make([]int16, 12), SampleRate: 16000, Channels: 1}
	require.Eventually(t, func() bool { return h.Dropped() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, a.Stop())
}

func TestClassifyFFmpegError(t *testing.T) {
	err := classifyFFmpegError(DeviceCamera, errors.New("exit status 1"), "[avfoundation] Failed: not authorized to capture video")
	de, ok := AsDeviceError(err)
	require.True(t, ok)
	assert.Equal(t, PermissionDenied, de.Kind)

	err = classifyFFmpegError(DeviceCamera, errors.New("exit status 1"), "/dev/video3: No such file or directory")
	de, ok = AsDeviceError(err)
	require.True(t, ok)
	assert.Equal(t, Unavailable, de.Kind)
	assert.True(t, de.Kind.DisablesFeature())
	assert.Contains(t, de.Error(), "camera: unavailable")
}

func TestCameraIndex(t *testing.T) {
	assert.Equal(t, 0, cameraIndex(VideoConstraints{Facing: FacingUser}))
	assert.Equal(t, 1, cameraIndex(VideoConstraints{Facing: FacingEnvironment}))
	assert.Equal(t, 3, cameraIndex(VideoConstraints{Facing: FacingEnvironment, Device: "2"}))
}
