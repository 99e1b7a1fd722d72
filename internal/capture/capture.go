package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"interview-live-go/internal/metrics"
	"interview-live-go/internal/types"
)

const defaultFrameQueue = 16

// Options は Adapter の固定制約です。
type Options struct {
	Audio  AudioConstraints
	Camera VideoConstraints
	Screen VideoConstraints

	// FrameQueue は Frames チャネルの容量です。満杯時は新しいフレームを破棄します。
	FrameQueue int
	Logger     *slog.Logger
}

// Adapter はローカルデバイスの取得と解放を管理します。
// 同時に存在するキャプチャは 1 つだけで、モード切替は旧トラックの停止後に新しいトラックを取得します。
// Unavailable で失敗したカメラ・画面はそのモードごと無効になり、以後の取得は試みません。
type Adapter struct {
	devices Devices
	opts    Options
	logger  *slog.Logger

	mu sync.Mutex

	// epoch は Stop と新しい取得のたびに進み、古い取得結果を破棄するために使います。
	epoch uint64

	// acquiring は完了していない取得の数です。破棄される取得も finish まで数えます。
	acquiring int
	current   *Handle
	mode      types.CaptureMode
	facing    Facing
	disabled  map[DeviceKind]*DeviceError
}

// NewAdapter は Adapter を作成します。
func NewAdapter(devices Devices, opts Options) *Adapter {
	if opts.FrameQueue <= 0 {
		opts.FrameQueue = defaultFrameQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	facing := opts.Camera.Facing
	if facing == "" {
		facing = FacingUser
	}
	return &Adapter{
		devices:  devices,
		opts:     opts,
		logger:   logger.With("component", "capture"),
		facing:   facing,
		disabled: make(map[DeviceKind]*DeviceError),
	}
}

// Start は指定モードのデバイスを取得し、キャプチャハンドルを返します。
// ctx が既に終了していれば何も開かずに ErrCanceled を返します。
func (a *Adapter) Start(ctx context.Context, mode types.CaptureMode) (*Handle, error) {
	a.mu.Lock()
	if a.current != nil || a.acquiring > 0 {
		a.mu.Unlock()
		return nil, ErrAlreadyCapturing
	}
	if err := a.unavailableLocked(mode); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if ctx.Err() != nil {
		a.mu.Unlock()
		return nil, ErrCanceled
	}
	a.epoch++
	myEpoch := a.epoch
	a.acquiring++
	facing := a.facing
	a.mu.Unlock()

	return a.finish(ctx, myEpoch, mode, facing, false)(a.acquire(ctx, mode, facing))
}

// SwitchMode は現在のトラックをすべて停止してから、新しいモードで取得し直します。
// 無効になったモードへの切替は現在のトラックに触れずに DeviceError を返します。
func (a *Adapter) SwitchMode(ctx context.Context, mode types.CaptureMode) (*Handle, error) {
	return a.reacquire(ctx, mode, false)
}

// Flip はカメラの向きを反転して取得し直します。カメラモード以外では ErrNotCamera を返します。
// 向きは取得に成功した場合だけ切り替わります。
func (a *Adapter) Flip(ctx context.Context) (*Handle, error) {
	return a.reacquire(ctx, types.ModeCamera, true)
}

// Available はモードが利用可能かを返します。無効になっている場合は記録した DeviceError です。
func (a *Adapter) Available(mode types.CaptureMode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unavailableLocked(mode)
}

func (a *Adapter) unavailableLocked(mode types.CaptureMode) error {
	var kind DeviceKind
	switch mode {
	case types.ModeCamera:
		kind = DeviceCamera
	case types.ModeScreen:
		kind = DeviceScreen
	default:
		return nil
	}
	if de, ok := a.disabled[kind]; ok {
		return de
	}
	return nil
}

func (a *Adapter) reacquire(ctx context.Context, mode types.CaptureMode, flip bool) (*Handle, error) {
	a.mu.Lock()
	if flip && (a.current == nil || a.mode != types.ModeCamera) {
		a.mu.Unlock()
		return nil, ErrNotCamera
	}
	if a.acquiring > 0 {
		a.mu.Unlock()
		return nil, ErrAlreadyCapturing
	}
	if err := a.unavailableLocked(mode); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if ctx.Err() != nil {
		a.mu.Unlock()
		return nil, ErrCanceled
	}
	facing := a.facing
	if flip {
		facing = facing.Flip()
	}
	old := a.current
	a.current = nil
	a.epoch++
	myEpoch := a.epoch
	a.acquiring++
	a.mu.Unlock()

	// 旧トラックを解放してからでないと device busy になる
	if old != nil {
		if err := old.stop(); err != nil {
			a.logger.Warn("旧トラックの停止に失敗", "error", err)
		}
	}
	a.logger.Info("キャプチャを切り替えます", "mode", mode, "facing", facing)
	return a.finish(ctx, myEpoch, mode, facing, flip)(a.acquire(ctx, mode, facing))
}

// finish は取得結果を、取得開始時のエポックと ctx がまだ有効な場合にだけ反映します。
func (a *Adapter) finish(ctx context.Context, myEpoch uint64, mode types.CaptureMode, facing Facing, flip bool) func(*Handle, error) (*Handle, error) {
	return func(h *Handle, err error) (*Handle, error) {
		a.mu.Lock()
		a.acquiring--
		if a.epoch != myEpoch || ctx.Err() != nil {
			a.mu.Unlock()
			if h != nil {
				_ = h.stop()
			}
			return nil, ErrCanceled
		}
		if err != nil {
			// 反転先のカメラがないだけならカメラモード自体は無効にしない
			if de, ok := AsDeviceError(err); ok && de.Kind.DisablesFeature() && de.Device != DeviceMicrophone && !flip {
				a.disabled[de.Device] = de
				a.logger.Warn("利用できないため無効にしました", "device", de.Device, "error", de.Err)
			}
			a.mu.Unlock()
			return nil, err
		}
		a.current = h
		a.mode = mode
		a.facing = facing
		a.mu.Unlock()
		return h, nil
	}
}

// Stop はすべてのトラックを解放します。停止済みの場合は何もしません。
// 取得中に呼ばれた場合、その取得結果は破棄され、破棄が終わるまで次の取得は始められません。
func (a *Adapter) Stop() error {
	a.mu.Lock()
	a.epoch++
	h := a.current
	a.current = nil
	a.mu.Unlock()

	if h == nil {
		return nil
	}
	a.logger.Info("キャプチャを停止します", "mode", h.mode)
	return h.stop()
}

// Mode は現在のキャプチャモードを返します。キャプチャしていない場合は空です。
func (a *Adapter) Mode() types.CaptureMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ""
	}
	return a.mode
}

// Facing は現在のカメラの向きを返します。
func (a *Adapter) Facing() Facing {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.facing
}

func (a *Adapter) acquire(ctx context.Context, mode types.CaptureMode, facing Facing) (*Handle, error) {
	mic, err := a.devices.OpenMicrophone(ctx, a.opts.Audio)
	if err != nil {
		return nil, fmt.Errorf("マイクの取得に失敗: %w", err)
	}

	var video VideoTrack
	switch mode {
	case types.ModeCamera:
		c := a.opts.Camera
		c.Facing = facing
		video, err = a.devices.OpenCamera(ctx, c)
	case types.ModeScreen:
		video, err = a.devices.OpenScreen(ctx, a.opts.Screen)
	}
	if err != nil {
		_ = mic.Stop()
		return nil, fmt.Errorf("映像ソースの取得に失敗: %w", err)
	}

	h := newHandle(mode, mic, video, a.opts, a.logger)
	go h.run()
	a.logger.Info("キャプチャを開始しました", "mode", mode, "sample_rate", a.opts.Audio.SampleRate, "buffer_size", a.opts.Audio.BufferSize)
	return h, nil
}

// Handle は 1 回分のキャプチャです。音声は 1 つのワーカーゴルーチンが正規化して Frames に流します。
type Handle struct {
	mode   types.CaptureMode
	audio  AudioTrack
	video  VideoTrack
	norm   *normalizer
	logger *slog.Logger

	frames chan Frame
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error

	errMu   sync.Mutex
	err     error
	dropped atomic.Uint64
	dropLog rate.Sometimes
}

func newHandle(mode types.CaptureMode, audio AudioTrack, video VideoTrack, opts Options, logger *slog.Logger) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		mode:    mode,
		audio:   audio,
		video:   video,
		norm:    newNormalizer(opts.Audio.SampleRate, opts.Audio.BufferSize),
		logger:  logger,
		frames:  make(chan Frame, opts.FrameQueue),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		dropLog: rate.Sometimes{Interval: time.Second},
	}
}

// Mode はこのハンドルのキャプチャモードです。
func (h *Handle) Mode() types.CaptureMode { return h.mode }

// Frames は正規化済み音声フレームを返します。キャプチャ終了時にクローズされます。
func (h *Handle) Frames() <-chan Frame { return h.frames }

// Video は映像トラックを返します。音声のみのモードでは nil です。
func (h *Handle) Video() VideoTrack { return h.video }

// Done はワーカーが終了するとクローズされます。
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err はデバイス側の理由でワーカーが終了した場合のエラーです。
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

// Dropped は消費側が追いつかず破棄したフレーム数です。
func (h *Handle) Dropped() uint64 { return h.dropped.Load() }

func (h *Handle) run() {
	defer close(h.done)
	defer close(h.frames)

	for {
		samples, err := h.audio.Read(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil || errors.Is(err, ErrTrackStopped) {
				return
			}
			h.errMu.Lock()
			h.err = err
			h.errMu.Unlock()
			h.logger.Error("マイクの読み取りに失敗", "error", err)
			return
		}
		for _, f := range h.norm.push(samples) {
			select {
			case h.frames <- f:
			default:
				n := h.dropped.Add(1)
				metrics.ChunksDropped.WithLabelValues("capture_queue_full").Inc()
				h.dropLog.Do(func() {
					h.logger.Warn("音声フレームを破棄しました", "dropped", n)
				})
			}
		}
	}
}

// stop はトラックを解放し、ワーカーの終了を待ちます。
func (h *Handle) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		var errs []error
		if err := h.audio.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("マイクの停止に失敗: %w", err))
		}
		if h.video != nil {
			if err := h.video.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("映像ソースの停止に失敗: %w", err))
			}
		}
		<-h.done
		h.stopErr = errors.Join(errs...)
	})
	return h.stopErr
}
