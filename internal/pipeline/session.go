// Package pipeline は取得・送信・精算を 1 つのライブ面接セッションとして束ねます。
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"interview-live-go/internal/accounting"
	"interview-live-go/internal/capture"
	"interview-live-go/internal/encoder"
	"interview-live-go/internal/gemini"
	"interview-live-go/internal/metrics"
	"interview-live-go/internal/types"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotRunning     = errors.New("session is not running")
)

// Capturer はデバイスの取得と解放です。*capture.Adapter が満たします。
type Capturer interface {
	Start(ctx context.Context, mode types.CaptureMode) (*capture.Handle, error)
	SwitchMode(ctx context.Context, mode types.CaptureMode) (*capture.Handle, error)
	Flip(ctx context.Context) (*capture.Handle, error)
	Available(mode types.CaptureMode) error
	Stop() error
}

// Live は Live API との接続です。*gemini.LiveClient が満たします。
type Live interface {
	Connect(ctx context.Context) error
	SendMediaChunk(chunk types.MediaChunk) bool
	Disconnect()
	ModelSpeaking() bool
}

// Deps はセッションが組み合わせる部品です。
type Deps struct {
	Capture    Capturer
	Accounting accounting.Service
	Logger     *slog.Logger

	// NewLive はセッションのコールバックを受け取り、未接続のクライアントを返します。
	NewLive func(cb gemini.Callbacks) Live
}

// Options はセッションごとの設定です。
type Options struct {
	Identity     string
	Context      accounting.SessionContext
	Encoder      encoder.Options
	CloseTimeout time.Duration
	EventBuffer  int

	// Meter のコールバックはセッションが上書きします。
	Meter accounting.MeterOptions
}

type pump struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Session は 1 回のライブ面接です。終了経路はすべて shutdown に集約され、
// デバイスの解放・切断・精算の終了はそれぞれ 1 度だけ行われます。
type Session struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	meter  *accounting.Meter
	live   Live
	enc    *encoder.Encoder

	switchMu sync.Mutex

	mu        sync.Mutex
	started   bool
	stopped   bool
	streaming bool
	mode      types.CaptureMode
	handle    *capture.Handle
	pump      *pump
	life      context.Context
	cancel    context.CancelFunc
	reason    Reason
	err       error
	summary   *accounting.CloseResult

	stopOnce sync.Once
	done     chan struct{}

	evMu     sync.Mutex
	evClosed bool
	events   chan Event
	dropLog  rate.Sometimes
}

// New はセッションを組み立てます。接続やデバイス取得は Start まで行いません。
func New(deps Deps, opts Options) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 128
	}

	s := &Session{
		deps:    deps,
		opts:    opts,
		logger:  logger.With("component", "session"),
		done:    make(chan struct{}),
		events:  make(chan Event, opts.EventBuffer),
		dropLog: rate.Sometimes{Interval: 5 * time.Second},
	}

	mo := opts.Meter
	mo.Logger = logger
	mo.OnDeduct = func(r accounting.DeductResult) {
		s.emit(Event{Kind: EventCredits, Credits: r.RemainingCredits})
	}
	mo.OnExhausted = func(grace time.Duration) {
		s.emit(Event{Kind: EventWarning, Err: accounting.ErrExhausted, Grace: grace})
	}
	mo.OnForceStop = func() {
		s.shutdown(ReasonExhausted, accounting.ErrExhausted)
	}
	s.meter = accounting.NewMeter(deps.Accounting, mo)

	s.live = deps.NewLive(gemini.Callbacks{
		OnReady: s.onReady,
		OnText: func(text string) {
			s.emit(Event{Kind: EventText, Text: text})
		},
		OnTurnComplete: func() {
			s.emit(Event{Kind: EventTurnComplete})
		},
		OnTranscription: func(text string) {
			s.emit(Event{Kind: EventTranscription, Text: text})
		},
		OnSpeakingChange: func(speaking bool) {
			s.emit(Event{Kind: EventSpeaking, Speaking: speaking})
		},
		OnError: s.onLiveError,
		OnStateChange: func(state gemini.ConnectionState) {
			s.emit(Event{Kind: EventState, State: state})
		},
	})

	eo := opts.Encoder
	eo.Logger = logger
	eo.OnLevel = func(level int) {
		s.emit(Event{Kind: EventLevel, Level: level})
	}
	s.enc = encoder.New(eo, s.live)
	return s
}

// Start は残高確認、セッション開始、デバイス取得、接続の順に進めます。
// 残高がなければデバイスには触れません。途中で失敗した場合はそれまでに確保した資源を解放してからエラーを返します。
// ctx がキャンセルされるとセッションは終了します。
func (s *Session) Start(ctx context.Context, mode types.CaptureMode) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.started = true
	s.life, s.cancel = context.WithCancel(ctx)
	life := s.life
	s.mu.Unlock()

	go func() {
		select {
		case <-life.Done():
			s.shutdown(ReasonCanceled, ctx.Err())
		case <-s.done:
		}
	}()

	open, err := s.meter.Open(life, s.opts.Identity, s.opts.Context)
	if err != nil {
		return s.abort(ReasonAccounting, err)
	}
	s.emit(Event{Kind: EventCredits, Credits: open.RemainingCredits})

	h, err := s.deps.Capture.Start(life, mode)
	if errors.Is(err, capture.ErrCanceled) {
		return s.abort(ReasonCanceled, ctx.Err())
	}
	if err != nil {
		return s.abort(ReasonDevice, err)
	}
	if !s.install(h) {
		return ErrNotRunning
	}

	if err := s.live.Connect(life); err != nil {
		if errors.Is(err, gemini.ErrCanceled) {
			return ErrNotRunning
		}
		return s.abort(ReasonConnection, err)
	}
	s.logger.Info("セッションを開始しました", "mode", mode, "session_id", open.SessionID)
	return nil
}

// abort は Start 中の失敗でセッションを終了します。既に終了していれば ErrNotRunning を返します。
func (s *Session) abort(reason Reason, err error) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrNotRunning
	}
	s.shutdown(reason, err)
	return err
}

// onReady は setupComplete ごとに呼ばれます。送信と精算の開始は最初の 1 回だけです。
func (s *Session) onReady() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	first := !s.streaming
	s.streaming = true
	h := s.handle
	life := s.life
	s.mu.Unlock()

	s.emit(Event{Kind: EventReady})
	if !first {
		s.logger.Info("再接続後のセットアップが完了しました")
		return
	}
	if h != nil {
		s.startPump(h)
	}
	s.meter.Start(life)
}

func (s *Session) startPump(h *capture.Handle) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.life)
	p := &pump{cancel: cancel, done: make(chan struct{})}
	s.pump = p
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.enc.Run(gctx, h, s.live)
	})
	g.Go(func() error {
		select {
		case <-h.Done():
			return h.Err()
		case <-gctx.Done():
			return nil
		}
	})
	go func() {
		defer close(p.done)
		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.shutdown(ReasonDevice, err)
		}
	}()
}

func (s *Session) onLiveError(err error) {
	var connErr *gemini.ConnectionError
	if errors.As(err, &connErr) {
		s.shutdown(ReasonConnection, err)
		return
	}
	// 文字起こしの失敗などはターンを失うだけで続行する
	s.logger.Warn("Live API のエラー", "error", err)
	s.emit(Event{Kind: EventWarning, Err: err})
}

// install は取得したハンドルをセッションに登録します。既に終了していればデバイスを解放して false を返します。
func (s *Session) install(h *capture.Handle) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		// shutdown の解放より後に取得が完了した
		if err := s.deps.Capture.Stop(); err != nil {
			s.logger.Warn("デバイスの解放に失敗", "error", err)
		}
		return false
	}
	s.handle = h
	s.mode = h.Mode()
	s.mu.Unlock()
	return true
}

// SwitchMode は送信を止め、旧トラックを解放してから新しいモードで取得し直します。
// 無効になったモードでは何も変えずに DeviceError を返します。
// 映像デバイスの取得に失敗した場合は元のモードに戻して続行し、その DeviceError を返します。
func (s *Session) SwitchMode(ctx context.Context, mode types.CaptureMode) error {
	return s.reacquire(mode, func() (*capture.Handle, error) {
		return s.deps.Capture.SwitchMode(ctx, mode)
	}, false)
}

// Flip はカメラの向きを反転します。カメラモード以外では capture.ErrNotCamera です。
func (s *Session) Flip(ctx context.Context) error {
	return s.reacquire(types.ModeCamera, func() (*capture.Handle, error) {
		return s.deps.Capture.Flip(ctx)
	}, true)
}

func (s *Session) reacquire(mode types.CaptureMode, acquire func() (*capture.Handle, error), flip bool) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	switch {
	case !s.started || s.stopped || s.handle == nil:
		s.mu.Unlock()
		return ErrNotRunning
	case flip && s.mode != types.ModeCamera:
		s.mu.Unlock()
		return capture.ErrNotCamera
	}
	if err := s.deps.Capture.Available(mode); err != nil {
		s.mu.Unlock()
		s.emit(Event{Kind: EventWarning, Err: err})
		return err
	}
	prev := s.mode
	p := s.pump
	s.pump = nil
	s.handle = nil
	s.mu.Unlock()

	if p != nil {
		p.cancel()
		<-p.done
	}

	h, err := acquire()
	if err != nil {
		if errors.Is(err, capture.ErrCanceled) {
			return ErrNotRunning
		}
		de, ok := capture.AsDeviceError(err)
		if !ok || de.Device == capture.DeviceMicrophone {
			return s.abort(ReasonDevice, err)
		}
		s.logger.Warn("キャプチャの切り替えに失敗したため元のモードに戻します", "mode", mode, "previous", prev, "error", err)
		s.emit(Event{Kind: EventWarning, Err: err})
		if h, err = s.restore(prev); err != nil {
			return err
		}
		if !s.resume(h) {
			return ErrNotRunning
		}
		return de
	}
	if !s.resume(h) {
		return ErrNotRunning
	}
	return nil
}

// restore は切り替えに失敗したとき、直前のモードで取得し直します。
func (s *Session) restore(prev types.CaptureMode) (*capture.Handle, error) {
	s.mu.Lock()
	life := s.life
	s.mu.Unlock()

	h, err := s.deps.Capture.Start(life, prev)
	if err != nil {
		if errors.Is(err, capture.ErrCanceled) {
			return nil, ErrNotRunning
		}
		return nil, s.abort(ReasonDevice, err)
	}
	return h, nil
}

// resume はハンドルを登録し、ストリーミング中なら送信を再開します。
func (s *Session) resume(h *capture.Handle) bool {
	if !s.install(h) {
		return false
	}
	s.mu.Lock()
	streaming := s.streaming
	s.mu.Unlock()
	if streaming {
		s.startPump(h)
	}
	return true
}

// Stop は利用者による終了です。何度呼んでも終了処理は 1 度だけです。
func (s *Session) Stop() {
	s.shutdown(ReasonManual, nil)
}

func (s *Session) shutdown(reason Reason, cause error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.reason = reason
		s.err = cause
		p := s.pump
		s.pump = nil
		s.handle = nil
		life, cancel := s.life, s.cancel
		s.mu.Unlock()

		metrics.SessionTeardowns.WithLabelValues(string(reason)).Inc()
		if cause != nil {
			s.logger.Warn("セッションを終了します", "reason", reason, "error", cause)
		} else {
			s.logger.Info("セッションを終了します", "reason", reason)
		}

		// 進行中の取得・接続・精算を打ち切る
		if cancel != nil {
			cancel()
		}
		if p != nil {
			p.cancel()
		}
		if err := s.deps.Capture.Stop(); err != nil {
			s.logger.Warn("デバイスの解放に失敗", "error", err)
		}
		s.live.Disconnect()

		base := context.Background()
		if life != nil {
			base = context.WithoutCancel(life)
		}
		closeCtx, cancelClose := context.WithTimeout(base, s.opts.CloseTimeout)
		summary, err := s.meter.Close(closeCtx)
		cancelClose()
		if err != nil {
			s.logger.Error("セッションの精算終了に失敗", "error", err)
		}

		s.mu.Lock()
		s.summary = summary
		s.mu.Unlock()

		s.emit(Event{Kind: EventStopped, Reason: reason, Err: cause, Summary: summary})
		s.evMu.Lock()
		s.evClosed = true
		close(s.events)
		s.evMu.Unlock()
		close(s.done)
	})
}

func (s *Session) emit(e Event) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- e:
	default:
		s.dropLog.Do(func() {
			s.logger.Warn("イベントキューが満杯のため破棄しました", "kind", e.Kind)
		})
	}
}

// Events はセッションのイベントです。EventStopped の後にクローズされます。
func (s *Session) Events() <-chan Event { return s.events }

// Done は終了処理が完了するとクローズされます。
func (s *Session) Done() <-chan struct{} { return s.done }

// Err は終了の原因です。利用者による終了では nil です。
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reason は終了の理由です。
func (s *Session) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Summary は最終精算です。終了前やセッション開始前に終わった場合は nil です。
func (s *Session) Summary() *accounting.CloseResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Mode は現在のキャプチャモードです。
func (s *Session) Mode() types.CaptureMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}
