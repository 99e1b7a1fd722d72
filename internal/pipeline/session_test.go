package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interview-live-go/internal/accounting"
	"interview-live-go/internal/capture"
	"interview-live-go/internal/encoder"
	"interview-live-go/internal/gemini"
	"interview-live-go/internal/transcribe"
	"interview-live-go/internal/types"
)

// --- accounting ---

type ledger struct {
	mu      sync.Mutex
	pricing accounting.Pricing
	credits float64
	opens   int
	closes  int
	minutes int
}

func newLedger(credits float64) *ledger {
	return &ledger{pricing: accounting.DefaultPricing(), credits: credits}
}

func (l *ledger) OpenSession(context.Context, string, accounting.SessionContext) (*accounting.OpenResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.credits <= 0 {
		return nil, accounting.ErrInsufficientCredits
	}
	l.opens++
	return &accounting.OpenResult{SessionID: fmt.Sprintf("s%d", l.opens), StartTime: time.Now(), RemainingCredits: l.credits}, nil
}

func (l *ledger) DeductTime(_ context.Context, _ string, req accounting.DeductRequest) (*accounting.DeductResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cost := l.pricing.CreditsForMinutes(req.Minutes)
	if l.credits < cost {
		return nil, fmt.Errorf("deduct: %w", accounting.ErrExhausted)
	}
	l.credits = l.pricing.Round(l.credits - cost)
	l.minutes += req.Minutes
	return &accounting.DeductResult{CreditsUsed: cost, RemainingCredits: l.credits}, nil
}

func (l *ledger) CloseSession(_ context.Context, _, sessionID string) (*accounting.CloseResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return &accounting.CloseResult{SessionID: sessionID, DurationMinutes: l.minutes, RemainingCredits: l.credits - 0.01}, nil
}

func (l *ledger) Balance(context.Context, string) (*accounting.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &accounting.Balance{Plan: "free", Credits: l.credits}, nil
}

func (l *ledger) counts() (opens, closes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens, l.closes
}

// --- devices ---

type fakeMic struct {
	feed    chan capture.Samples
	fail    chan error
	stopped chan struct{}
	once    sync.Once
}

func newFakeMic() *fakeMic {
	return &fakeMic{
		feed:    make(chan capture.Samples, 8),
		fail:    make(chan error, 1),
		stopped: make(chan struct{}),
	}
}

func (m *fakeMic) Read(ctx context.Context) (capture.Samples, error) {
	select {
	case <-ctx.Done():
		return capture.Samples{}, ctx.Err()
	case <-m.stopped:
		return capture.Samples{}, capture.ErrTrackStopped
	case err := <-m.fail:
		return capture.Samples{}, err
	case s := <-m.feed:
		return s, nil
	}
}

func (m *fakeMic) Stop() error {
	m.once.Do(func() { close(m.stopped) })
	return nil
}

func (m *fakeMic) isStopped() bool {
	select {
	case <-m.stopped:
		return true
	default:
		return false
	}
}

type fakeVideo struct{}

func (fakeVideo) Snapshot(context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (fakeVideo) Stop() error { return nil }

type fakeDevices struct {
	mu        sync.Mutex
	mics      []*fakeMic
	videos    int
	cameraErr error
	screenErr error
}

func (d *fakeDevices) setCameraErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cameraErr = err
}

func (d *fakeDevices) OpenMicrophone(context.Context, capture.AudioConstraints) (capture.AudioTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := newFakeMic()
	d.mics = append(d.mics, m)
	return m, nil
}

func (d *fakeDevices) OpenCamera(context.Context, capture.VideoConstraints) (capture.VideoTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cameraErr != nil {
		return nil, d.cameraErr
	}
	d.videos++
	return fakeVideo{}, nil
}

func (d *fakeDevices) OpenScreen(context.Context, capture.VideoConstraints) (capture.VideoTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.screenErr != nil {
		return nil, d.screenErr
	}
	d.videos++
	return fakeVideo{}, nil
}

func (d *fakeDevices) opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mics) + d.videos
}

func (d *fakeDevices) micCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mics)
}

func (d *fakeDevices) lastMic() *fakeMic {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.mics) == 0 {
		return nil
	}
	return d.mics[len(d.mics)-1]
}

func frame() capture.Samples {
	return capture.Samples{Data: make([]int16, 160), SampleRate: 16000, Channels: 1}
}

// --- live ---

type fakeLive struct {
	cb         gemini.Callbacks
	connectErr error
	speaking   atomic.Bool

	mu          sync.Mutex
	connects    int
	disconnects int
	chunks      []types.MediaChunk
}

func (f *fakeLive) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	go f.cb.OnReady()
	return nil
}

func (f *fakeLive) SendMediaChunk(chunk types.MediaChunk) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return true
}

func (f *fakeLive) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeLive) ModelSpeaking() bool { return f.speaking.Load() }

func (f *fakeLive) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeLive) sent(mime types.MimeType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.chunks {
		if c.MimeType == mime {
			n++
		}
	}
	return n
}

// --- events ---

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(s *Session) *recorder {
	r := &recorder{}
	go func() {
		for e := range s.Events() {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) find(match func(Event) bool) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if match(e) {
			return e, true
		}
	}
	return Event{}, false
}

func (r *recorder) has(kind EventKind) bool {
	_, ok := r.find(func(e Event) bool { return e.Kind == kind })
	return ok
}

type fixture struct {
	devices *fakeDevices
	adapter *capture.Adapter
	live    *fakeLive
	ledger  *ledger
	session *Session
}

func newFixture(t *testing.T, credits float64, mo accounting.MeterOptions) *fixture {
	return newFixtureWith(t, credits, mo, nil)
}

// newFixtureWith は wrap が nil でなければ Adapter を包んだ Capturer をセッションに渡します。
func newFixtureWith(t *testing.T, credits float64, mo accounting.MeterOptions, wrap func(Capturer) Capturer) *fixture {
	t.Helper()
	f := &fixture{
		devices: &fakeDevices{},
		live:    &fakeLive{},
		ledger:  newLedger(credits),
	}
	f.adapter = capture.NewAdapter(f.devices, capture.Options{
		Audio: capture.AudioConstraints{SampleRate: 16000, Channels: 1, BufferSize: 160},
	})
	var c Capturer = f.adapter
	if wrap != nil {
		c = wrap(f.adapter)
	}
	f.session = New(Deps{
		Capture:    c,
		Accounting: f.ledger,
		NewLive: func(cb gemini.Callbacks) Live {
			f.live.cb = cb
			return f.live
		},
	}, Options{
		Identity: "user-1",
		Context:  accounting.SessionContext{JobPreparationID: "job-1"},
		Encoder: encoder.Options{
			CameraInterval: 10 * time.Millisecond,
			ScreenInterval: 20 * time.Millisecond,
			CameraQuality:  80,
			ScreenQuality:  60,
			MaxWidth:       64,
		},
		Meter: mo,
	})
	t.Cleanup(f.session.Stop)
	return f
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("セッションが終了しませんでした")
	}
}

func (f *fixture) waitStreaming(t *testing.T, r *recorder) {
	t.Helper()
	require.Eventually(t, func() bool { return r.has(EventReady) }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_InsufficientCreditsAcquiresNothing(t *testing.T) {
	f := newFixture(t, 0, accounting.MeterOptions{})

	err := f.session.Start(context.Background(), types.ModeCamera)
	require.ErrorIs(t, err, accounting.ErrInsufficientCredits)

	waitDone(t, f.session)
	assert.Zero(t, f.devices.opened())
	connects, _ := f.live.counts()
	assert.Zero(t, connects)
	opens, closes := f.ledger.counts()
	assert.Zero(t, opens)
	assert.Zero(t, closes)
	assert.Equal(t, ReasonAccounting, f.session.Reason())
	assert.Nil(t, f.session.Summary())
}

func TestSession_StreamsAfterReadyAndStopsOnce(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	r := record(f.session)

	require.NoError(t, f.session.Start(context.Background(), types.ModeAudio))
	f.waitStreaming(t, r)

	mic := f.devices.lastMic()
	mic.feed <- frame()
	mic.feed <- frame()
	require.Eventually(t, func() bool { return f.live.sent(types.MimeAudioPCM) == 2 }, 2*time.Second, 5*time.Millisecond)

	f.live.cb.OnText("- **Ownership**")
	f.live.cb.OnText("- **Ownership** I led the migration")
	require.Eventually(t, func() bool {
		_, ok := r.find(func(e Event) bool { return e.Kind == EventText && e.Text == "- **Ownership** I led the migration" })
		return ok
	}, time.Second, 5*time.Millisecond)

	f.session.Stop()
	f.session.Stop()
	waitDone(t, f.session)

	assert.True(t, mic.isStopped())
	_, disconnects := f.live.counts()
	assert.Equal(t, 1, disconnects)
	_, closes := f.ledger.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, ReasonManual, f.session.Reason())
	assert.NoError(t, f.session.Err())
	require.NotNil(t, f.session.Summary())
	assert.GreaterOrEqual(t, f.session.Summary().RemainingCredits, 0.0)

	assert.ErrorIs(t, f.session.Start(context.Background(), types.ModeAudio), ErrAlreadyStarted)
	assert.ErrorIs(t, f.session.SwitchMode(context.Background(), types.ModeCamera), ErrNotRunning)
}

func TestSession_ModelSpeechMutesMicrophone(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	r := record(f.session)

	require.NoError(t, f.session.Start(context.Background(), types.ModeAudio))
	f.waitStreaming(t, r)
	mic := f.devices.lastMic()

	f.live.speaking.Store(true)
	mic.feed <- frame()
	mic.feed <- frame()
	require.Eventually(t, func() bool {
		n := 0
		r.mu.Lock()
		for _, e := range r.events {
			if e.Kind == EventLevel {
				n++
			}
		}
		r.mu.Unlock()
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.live.sent(types.MimeAudioPCM))

	f.live.speaking.Store(false)
	mic.feed <- frame()
	require.Eventually(t, func() bool { return f.live.sent(types.MimeAudioPCM) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_ConnectionErrorTearsDown(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	r := record(f.session)

	require.NoError(t, f.session.Start(context.Background(), types.ModeAudio))
	f.waitStreaming(t, r)

	f.live.cb.OnError(&gemini.ConnectionError{Reason: gemini.ReconnectFailed, Err: errors.New("dial refused")})
	waitDone(t, f.session)

	assert.Equal(t, ReasonConnection, f.session.Reason())
	var connErr *gemini.ConnectionError
	require.ErrorAs(t, f.session.Err(), &connErr)
	assert.Equal(t, gemini.ReconnectFailed, connErr.Reason)
	assert.True(t, f.devices.lastMic().isStopped())
	_, closes := f.ledger.counts()
	assert.Equal(t, 1, closes)
}

func TestSession_DialFailureReleasesDevicesAndClosesOnce(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	f.live.connectErr = &gemini.ConnectionError{Reason: gemini.DialFailed, Err: errors.New("no route")}

	err := f.session.Start(context.Background(), types.ModeAudio)
	var connErr *gemini.ConnectionError
	require.ErrorAs(t, err, &connErr)

	waitDone(t, f.session)
	assert.True(t, f.devices.lastMic().isStopped())
	_, closes := f.ledger.counts()
	assert.Equal(t, 1, closes)
}

func TestSession_TranscriptionFailureIsOnlyAWarning(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	r := record(f.session)

	require.NoError(t, f.session.Start(context.Background(), types.ModeAudio))
	f.waitStreaming(t, r)

	f.live.cb.OnError(&transcribe.Failure{Backend: "genai", Err: errors.New("quota")})
	require.Eventually(t, func() bool { return r.has(EventWarning) }, time.Second, 5*time.Millisecond)

	select {
	case <-f.session.Done():
		t.Fatal("文字起こしの失敗でセッションが終了しました")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_PermissionDeniedAtStart(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	f.devices.cameraErr = &capture.DeviceError{Kind: capture.PermissionDenied, Device: capture.DeviceCamera}

	err := f.session.Start(context.Background(), types.ModeCamera)
	de, ok := capture.AsDeviceError(err)
	require.True(t, ok)
	assert.False(t, de.Kind.DisablesFeature())

	waitDone(t, f.session)
	assert.Equal(t, ReasonDevice, f.session.Reason())
	assert.True(t, f.devices.lastMic().isStopped())
	connects, _ := f.live.counts()
	assert.Zero(t, connects)
	opens, closes := f.ledger.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
}

func TestSession_DeviceFailureMidSession(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	r := record(f.session)

	require.NoError(t, f.session.Start(context.Background(), types.ModeAudio))
	f.waitStreaming(t, r)

	f.devices.lastMic().fail <- errors.New("device unplugged")
	waitDone(t, f.session)

	assert.Equal(t, ReasonDevice, f.session.Reason())
	assert.EqualError(t, f.session.Err(), "device unplugged")
	_, closes := f.ledger.counts()
	assert.Equal(t, 1, closes)
}

func TestSession_ExhaustionForcesStopAfterGrace(t *testing.T) {
	const grace = 60 * time.Millisecond
	f := newFixture(t, 0.02, accounting.MeterOptions{
		TickInterval: 5 * time.Millisecond,
		Minute:       20 * time.Millisecond,
		GracePeriod:  grace,
	})
	r := record(f.session)

	require.NoError(t, f.session.Start(context.Background(), types.ModeAudio))

	var warnedAt time.Time
	require.Eventually(t, func() bool {
		e, ok := r.find(func(e Event) bool { return e.Kind == EventWarning && errors.Is(e.Err, accounting.ErrExhausted) })
		if ok {
			warnedAt = time.Now()
			assert.Equal(t, grace, e.Grace)
		}
		return ok
	}, 3*time.Second, time.Millisecond)

	waitDone(t, f.session)
	assert.GreaterOrEqual(t, time.Since(warnedAt), grace/2)
	assert.Equal(t, ReasonExhausted, f.session.Reason())
	assert.ErrorIs(t, f.session.Err(), accounting.ErrExhausted)

	_, closes := f.ledger.counts()
	assert.Equal(t, 1, closes)
	require.NotNil(t, f.session.Summary())
	assert.Equal(t, 0.0, f.session.Summary().RemainingCredits)
}

func TestSession_ManualStopDuringGraceClosesOnce(t *testing.T) {
	const grace = 50 * time.Millisecond
	f := newFixture(t, 0.02, accounting.MeterOptions{
		TickInterval: 5 * time.Millisecond,
		Minute:       20 * time.Millisecond,
		GracePeriod:  grace,
	})
	r := record(f.session)

	require.NoError(t, f.session.Start(context.Background(), types.ModeAudio))
	require.Eventually(t, func() bool {
		_, ok := r.find(func(e Event) bool { return e.Kind == EventWarning && errors.Is(e.Err, accounting.ErrExhausted) })
		return ok
	}, 3*time.Second, time.Millisecond)

	f.session.Stop()
	waitDone(t, f.session)
	time.Sleep(2 * grace)

	assert.Equal(t, ReasonManual, f.session.Reason())
	_, closes := f.ledger.counts()
	assert.Equal(t, 1, closes)
}

func TestSession_ContextCancelTearsDown(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	r := record(f.session)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, f.session.Start(ctx, types.ModeAudio))
	f.waitStreaming(t, r)
	cancel()

	waitDone(t, f.session)
	assert.Equal(t, ReasonCanceled, f.session.Reason())
	assert.ErrorIs(t, f.session.Err(), context.Canceled)
	_, closes := f.ledger.counts()
	assert.Equal(t, 1, closes)
}

func TestSession_SwitchModeAndFlip(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	r := record(f.session)

	require.NoError(t, f.session.Start(context.Background(), types.ModeAudio))
	f.waitStreaming(t, r)
	first := f.devices.lastMic()

	assert.ErrorIs(t, f.session.Flip(context.Background()), capture.ErrNotCamera)

	require.NoError(t, f.session.SwitchMode(context.Background(), types.ModeCamera))
	assert.True(t, first.isStopped())
	assert.Equal(t, types.ModeCamera, f.session.Mode())
	require.Eventually(t, func() bool { return f.live.sent(types.MimeImageJPEG) >= 2 }, 2*time.Second, 5*time.Millisecond)

	second := f.devices.lastMic()
	second.feed <- frame()
	require.Eventually(t, func() bool { return f.live.sent(types.MimeAudioPCM) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.session.Flip(context.Background()))
	assert.True(t, second.isStopped())
	assert.Equal(t, types.ModeCamera, f.session.Mode())
}

// stopBeforeStart はデバイス取得の直前にセッションを終了させます。
type stopBeforeStart struct {
	Capturer
	session *Session

	// detach は取得をセッションの終了から切り離し、終了後に取得が完了する状況を作ります。
	detach bool
}

func (c *stopBeforeStart) Start(ctx context.Context, mode types.CaptureMode) (*capture.Handle, error) {
	c.session.Stop()
	if c.detach {
		ctx = context.WithoutCancel(ctx)
	}
	return c.Capturer.Start(ctx, mode)
}

func TestSession_DevicesAcquiredAfterTeardownAreReleased(t *testing.T) {
	for _, detach := range []bool{false, true} {
		t.Run(fmt.Sprintf("detach=%v", detach), func(t *testing.T) {
			w := &stopBeforeStart{detach: detach}
			f := newFixtureWith(t, 1, accounting.MeterOptions{}, func(c Capturer) Capturer {
				w.Capturer = c
				return w
			})
			w.session = f.session

			err := f.session.Start(context.Background(), types.ModeAudio)
			assert.ErrorIs(t, err, ErrNotRunning)
			waitDone(t, f.session)

			if detach {
				require.Equal(t, 1, f.devices.micCount())
				assert.True(t, f.devices.lastMic().isStopped(), "終了後に取得したマイクが解放されていません")
			} else {
				assert.Zero(t, f.devices.micCount())
			}
			assert.Equal(t, types.CaptureMode(""), f.adapter.Mode())
			connects, _ := f.live.counts()
			assert.Zero(t, connects)
			_, closes := f.ledger.counts()
			assert.Equal(t, 1, closes)

			// Adapter は次の取得を受け付ける
			_, err = f.adapter.Start(context.Background(), types.ModeAudio)
			require.NoError(t, err)
			require.NoError(t, f.adapter.Stop())
		})
	}
}

func TestSession_UnavailableScreenIsDisabledAndSessionContinues(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	f.devices.screenErr = &capture.DeviceError{Kind: capture.Unavailable, Device: capture.DeviceScreen, Err: errors.New("no display")}
	r := record(f.session)

	require.NoError(t, f.session.Start(context.Background(), types.ModeAudio))
	f.waitStreaming(t, r)

	err := f.session.SwitchMode(context.Background(), types.ModeScreen)
	de, ok := capture.AsDeviceError(err)
	require.True(t, ok)
	assert.True(t, de.Kind.DisablesFeature())
	assert.Equal(t, types.ModeAudio, f.session.Mode())
	require.Eventually(t, func() bool {
		_, ok := r.find(func(e Event) bool { return e.Kind == EventWarning && errors.Is(e.Err, de) })
		return ok
	}, time.Second, 5*time.Millisecond)

	// 元のモードで送信が続く
	restored := f.devices.lastMic()
	restored.feed <- frame()
	require.Eventually(t, func() bool { return f.live.sent(types.MimeAudioPCM) == 1 }, 2*time.Second, 5*time.Millisecond)

	// 2 回目は現在のトラックを止めずに拒否される
	mics := f.devices.micCount()
	err = f.session.SwitchMode(context.Background(), types.ModeScreen)
	_, ok = capture.AsDeviceError(err)
	require.True(t, ok)
	assert.Equal(t, mics, f.devices.micCount())
	assert.False(t, restored.isStopped())

	select {
	case <-f.session.Done():
		t.Fatal("無効なモードへの切替でセッションが終了しました")
	default:
	}
	assert.NoError(t, f.session.SwitchMode(context.Background(), types.ModeCamera))
}

func TestSession_PermissionDeniedSwitchCanBeRetried(t *testing.T) {
	f := newFixture(t, 1, accounting.MeterOptions{})
	r := record(f.session)

	require.NoError(t, f.session.Start(context.Background(), types.ModeAudio))
	f.waitStreaming(t, r)

	f.devices.setCameraErr(&capture.DeviceError{Kind: capture.PermissionDenied, Device: capture.DeviceCamera, Err: errors.New("not authorized")})
	err := f.session.SwitchMode(context.Background(), types.ModeCamera)
	de, ok := capture.AsDeviceError(err)
	require.True(t, ok)
	assert.False(t, de.Kind.DisablesFeature())
	assert.Equal(t, types.ModeAudio, f.session.Mode())

	f.devices.setCameraErr(nil)
	require.NoError(t, f.session.SwitchMode(context.Background(), types.ModeCamera))
	assert.Equal(t, types.ModeCamera, f.session.Mode())
	require.Eventually(t, func() bool { return f.live.sent(types.MimeImageJPEG) >= 1 }, 2*time.Second, 5*time.Millisecond)
}
