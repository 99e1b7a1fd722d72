package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"interview-live-go/internal/metrics"
)

// MeterOptions は Meter の計測間隔と通知先です。
type MeterOptions struct {
	TickInterval time.Duration
	GracePeriod  time.Duration
	Pricing      Pricing

	// Minute は課金単位の長さです。テストでは短くします。
	Minute time.Duration

	OnDeduct    func(DeductResult)
	OnExhausted func(grace time.Duration)

	// OnForceStop は残高切れの猶予が過ぎたときに 1 度だけ呼ばれます。取り消せません。
	OnForceStop func()

	Now    func() time.Time
	Logger *slog.Logger
}

// Meter は 1 セッション分の利用時間を精算します。
// 精算済みの分数 (ウォーターマーク) を超えた分だけを差し引くため、同じ分を二度引くことはありません。
type Meter struct {
	svc    Service
	opts   MeterOptions
	logger *slog.Logger

	mu        sync.Mutex
	identity  string
	sessionID string
	started   time.Time
	watermark int
	remaining float64
	exhausted bool
	closed    bool
	stopTicks chan struct{}

	tickMu    sync.Mutex
	graceOnce sync.Once
	closeOnce sync.Once
	closeRes  *CloseResult
	closeErr  error
}

// NewMeter は Meter を作成します。
func NewMeter(svc Service, opts MeterOptions) *Meter {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 10 * time.Second
	}
	if opts.Minute <= 0 {
		opts.Minute = time.Minute
	}
	if opts.Pricing.MinutesPerCredit <= 0 {
		opts.Pricing = DefaultPricing()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		svc:    svc,
		opts:   opts,
		logger: logger.With("component", "meter"),
	}
}

// Open は残高を確認してからセッションを開きます。
// 残高が 0 以下なら ErrInsufficientCredits を返し、サービス側のセッションは作りません。
func (m *Meter) Open(ctx context.Context, identity string, sc SessionContext) (*OpenResult, error) {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, ErrSessionClosed
	case m.sessionID != "":
		m.mu.Unlock()
		return nil, errors.New("セッションは既に開始されています")
	}
	m.identity = identity
	m.mu.Unlock()

	bal, err := m.svc.Balance(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("残高の確認に失敗: %w", err)
	}
	if bal.Credits <= 0 {
		return nil, fmt.Errorf("%w: 残高 %s", ErrInsufficientCredits, m.opts.Pricing.Describe(bal.Credits))
	}

	res, err := m.svc.OpenSession(ctx, identity, sc)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		// 開始中に Close された場合はサービス側のセッションも閉じる
		m.mu.Unlock()
		if _, err := m.svc.CloseSession(context.WithoutCancel(ctx), identity, res.SessionID); err != nil {
			m.logger.Warn("破棄したセッションの終了に失敗", "session_id", res.SessionID, "error", err)
		}
		return nil, ErrSessionClosed
	}
	m.sessionID = res.SessionID
	m.started = m.opts.Now()
	m.remaining = res.RemainingCredits
	m.mu.Unlock()

	m.logger.Info("セッションを開始しました", "session_id", res.SessionID, "remaining", m.opts.Pricing.Describe(res.RemainingCredits))
	return res, nil
}

// Start は TickInterval ごとの精算を開始します。ctx の終了か Close で止まります。
func (m *Meter) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopTicks != nil || m.closed {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stopTicks = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				err := m.Tick(ctx, m.opts.Now())
				if err != nil && !errors.Is(err, ErrExhausted) && !errors.Is(err, ErrSessionClosed) {
					m.logger.Warn("利用時間の精算に失敗 (次回再試行します)", "error", err)
				}
			}
		}
	}()
}

// Tick は now までに経過した分のうち、未精算の分を差し引きます。
// サービスが残高切れを返した場合は猶予付きの強制停止を 1 度だけ予約し、ErrExhausted を返します。
func (m *Meter) Tick(ctx context.Context, now time.Time) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrSessionClosed
	case m.sessionID == "":
		m.mu.Unlock()
		return ErrNotOpen
	case m.exhausted:
		m.mu.Unlock()
		return nil
	}
	elapsed := int(now.Sub(m.started) / m.opts.Minute)
	delta := elapsed - m.watermark
	identity, sessionID := m.identity, m.sessionID
	m.mu.Unlock()

	if delta <= 0 {
		return nil
	}

	res, err := m.svc.DeductTime(ctx, identity, DeductRequest{SessionID: sessionID, Minutes: delta, UpTo: elapsed})
	if errors.Is(err, ErrExhausted) {
		m.mu.Lock()
		m.exhausted = true
		m.mu.Unlock()
		m.exhaust()
		return err
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.watermark = elapsed
	m.remaining = res.RemainingCredits
	m.mu.Unlock()

	metrics.MinutesDeducted.Add(float64(delta))
	m.logger.Info("利用時間を精算しました", "minutes", delta, "total_minutes", elapsed, "remaining", m.opts.Pricing.Describe(res.RemainingCredits))
	if m.opts.OnDeduct != nil {
		m.opts.OnDeduct(*res)
	}
	return nil
}

func (m *Meter) exhaust() {
	m.graceOnce.Do(func() {
		metrics.CreditExhaustions.Inc()
		grace := m.opts.GracePeriod
		m.logger.Warn("クレジットが不足しています。猶予後にセッションを終了します", "grace", grace)
		if m.opts.OnExhausted != nil {
			m.opts.OnExhausted(grace)
		}
		if m.opts.OnForceStop != nil {
			time.AfterFunc(grace, m.opts.OnForceStop)
		}
	})
}

// Close はセッションを終了して最終精算を返します。サービスの終了処理は 1 度だけ呼ばれ、
// 以降の呼び出しは同じ結果を返します。Open 前なら (nil, nil) です。
func (m *Meter) Close(ctx context.Context) (*CloseResult, error) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		if m.stopTicks != nil {
			close(m.stopTicks)
		}
		identity, sessionID := m.identity, m.sessionID
		m.mu.Unlock()

		if sessionID == "" {
			return
		}
		res, err := m.svc.CloseSession(ctx, identity, sessionID)
		if err != nil {
			m.closeErr = err
			m.logger.Error("セッションの終了に失敗", "session_id", sessionID, "error", err)
			return
		}
		res.RemainingCredits = m.opts.Pricing.Round(max(0, res.RemainingCredits))
		m.closeRes = res

		m.mu.Lock()
		m.remaining = res.RemainingCredits
		m.mu.Unlock()
		m.logger.Info("セッションを終了しました", "session_id", sessionID, "duration_min", res.DurationMinutes, "credits_used", res.CreditsUsed, "remaining", m.opts.Pricing.Describe(res.RemainingCredits))
	})
	return m.closeRes, m.closeErr
}

// SessionID は開始済みセッションの ID です。
func (m *Meter) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Watermark は精算済みの累計分数です。
func (m *Meter) Watermark() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

// Remaining は最後に知り得た残高です。
func (m *Meter) Remaining() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Exhausted は残高切れが報告されたかを返します。
func (m *Meter) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}
