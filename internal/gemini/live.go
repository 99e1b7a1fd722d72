// Package gemini は Gemini Live API (BidiGenerateContent) との双方向接続を管理します。
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"interview-live-go/internal/metrics"
	"interview-live-go/internal/transcribe"
	"interview-live-go/internal/types"
)

// ConnectionState は接続の状態です。
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// Callbacks は受信イベントの通知先です。nil のフィールドは無視されます。
// 1 つの接続に対する通知は受信ゴルーチンから順番に呼ばれます。
type Callbacks struct {
	// OnReady は setupComplete を受け取ったとき、接続ごとに 1 回だけ呼ばれます。
	OnReady func()

	// OnText は現在のターンでそれまでに蓄積した全文を受け取ります。
	OnText func(accumulated string)

	// OnTranscription はターン完了時にモデル音声を文字起こしした結果を受け取ります。
	OnTranscription func(text string)

	// OnSpeakingChange はモデル音声の発話開始・終了を受け取ります。
	OnSpeakingChange func(speaking bool)

	// OnTurnComplete は turnComplete を受け取り、蓄積テキストを破棄した後に呼ばれます。
	OnTurnComplete func()

	// OnError は ConnectionError や transcribe.Failure を受け取ります。
	OnError func(err error)

	OnStateChange func(state ConnectionState)
}

func (cb Callbacks) withDefaults() Callbacks {
	if cb.OnReady == nil {
		cb.OnReady = func() {}
	}
	if cb.OnText == nil {
		cb.OnText = func(string) {}
	}
	if cb.OnTranscription == nil {
		cb.OnTranscription = func(string) {}
	}
	if cb.OnSpeakingChange == nil {
		cb.OnSpeakingChange = func(bool) {}
	}
	if cb.OnTurnComplete == nil {
		cb.OnTurnComplete = func() {}
	}
	if cb.OnError == nil {
		cb.OnError = func(error) {}
	}
	if cb.OnStateChange == nil {
		cb.OnStateChange = func(ConnectionState) {}
	}
	return cb
}

// Options は LiveClient の依存です。
type Options struct {
	Dialer      Dialer
	Transcriber transcribe.Transcriber
	Callbacks   Callbacks
	Logger      *slog.Logger
}

// LiveClient は 1 セッション分の Live API 接続を所有します。
// setupComplete を受け取るまで送信チャンクはキューせずに捨てます。
type LiveClient struct {
	cfg         types.LiveAPIConfig
	dialer      Dialer
	transcriber transcribe.Transcriber
	cb          Callbacks
	logger      *slog.Logger
	sendLog     rate.Sometimes

	writeMu sync.Mutex

	mu            sync.Mutex
	state         ConnectionState
	conn          Conn
	gen           uint64
	setupComplete bool
	retrying      bool
	text          strings.Builder
	audio         [][]byte
	speaking      bool
	turns         int
	life          context.Context
	cancel        context.CancelFunc
}

// NewLiveClient は未接続のクライアントを作成します。
func NewLiveClient(cfg types.LiveAPIConfig, opts Options) *LiveClient {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = 24000
	}
	return &LiveClient{
		cfg:         cfg,
		dialer:      dialer,
		transcriber: opts.Transcriber,
		cb:          opts.Callbacks.withDefaults(),
		logger:      logger.With("component", "gemini"),
		sendLog:     rate.Sometimes{Interval: time.Second},
	}
}

// Connect はトランスポートを開いて setup メッセージを送ります。接続中・接続済みなら何もしません。
func (c *LiveClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.life == nil {
		c.life, c.cancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()
	return c.open(ctx, false)
}

func (c *LiveClient) open(ctx context.Context, retry bool) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.retrying = retry
	c.state = StateConnecting
	c.mu.Unlock()
	c.cb.OnStateChange(StateConnecting)

	connID := uuid.NewString()
	logger := c.logger.With("conn_id", connID)
	logger.Info("Live API に接続します", "model", c.cfg.Model, "retry", retry)

	var conn Conn
	endpoint, err := endpointWithKey(c.cfg.Endpoint, c.cfg.APIKey)
	if err == nil {
		conn, err = c.dialer.Dial(ctx, endpoint, nil)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrCanceled
	}
	if err != nil {
		c.state = StateDisconnected
		c.retrying = false
		c.mu.Unlock()
		c.cb.OnStateChange(StateDisconnected)
		reason := DialFailed
		if retry {
			reason = ReconnectFailed
			metrics.Reconnects.WithLabelValues("failed").Inc()
		}
		return &ConnectionError{Reason: reason, Err: err}
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.cb.OnStateChange(StateConnected)

	// setup は最初に 1 回だけ送る
	if err := c.writeJSON(conn, newSetupMessage(c.cfg)); err != nil {
		logger.Error("setup メッセージの送信に失敗", "error", err)
		_ = conn.Close()
	}
	go c.readLoop(gen, conn, logger)
	return nil
}

func (c *LiveClient) readLoop(gen uint64, conn Conn, logger *slog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, conn, err, logger)
			return
		}
		msg, err := parseServerMessage(data)
		if err != nil {
			logger.Warn("不正なメッセージを無視します", "error", err)
			continue
		}
		c.handleMessage(gen, msg, logger)
	}
}

func (c *LiveClient) handleMessage(gen uint64, msg *serverMessage, logger *slog.Logger) {
	var after []func()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}

	if msg.SetupComplete != nil && !c.setupComplete {
		c.setupComplete = true
		if c.retrying {
			c.retrying = false
			metrics.Reconnects.WithLabelValues("ok").Inc()
		}
		logger.Info("セットアップが完了しました")
		after = append(after, c.cb.OnReady)
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.Text != "" {
					c.text.WriteString(p.Text)
					acc := c.text.String()
					after = append(after, func() { c.cb.OnText(acc) })
				}
				if p.InlineData != nil && p.InlineData.isAudio() {
					b, err := p.InlineData.decode()
					if err != nil {
						logger.Warn("音声フラグメントを破棄しました", "error", err)
						continue
					}
					c.audio = append(c.audio, b)
					if !c.speaking {
						c.speaking = true
						after = append(after, func() { c.cb.OnSpeakingChange(true) })
					}
				}
			}
		}
		if sc.Interrupted && c.speaking {
			c.speaking = false
			after = append(after, func() { c.cb.OnSpeakingChange(false) })
		}
		if sc.TurnComplete {
			c.turns++
			fragments := c.audio
			c.audio = nil
			c.text.Reset()
			if c.speaking {
				c.speaking = false
				after = append(after, func() { c.cb.OnSpeakingChange(false) })
			}
			if len(fragments) > 0 && c.transcriber != nil {
				life := c.life
				after = append(after, func() { go c.transcribe(life, fragments, logger) })
			}
			after = append(after, c.cb.OnTurnComplete)
			metrics.TurnsCompleted.Inc()
		}
	}
	c.mu.Unlock()

	for _, f := range after {
		f()
	}
}

// transcribe はターンの音声を文字起こしします。life は呼び出し時点のセッションで、
// 完了時に終了していれば結果を捨てます。
func (c *LiveClient) transcribe(life context.Context, fragments [][]byte, logger *slog.Logger) {
	if life == nil {
		return
	}
	wav := transcribe.WrapPCMAsWAV(bytes.Join(fragments, nil), c.cfg.OutputSampleRate, 1)
	text, err := c.transcriber.Transcribe(life, wav, transcribe.MimeWAV)
	if life.Err() != nil {
		return
	}
	if err != nil {
		metrics.Transcriptions.WithLabelValues("failed").Inc()
		logger.Warn("文字起こしに失敗しました", "error", err)
		var f *transcribe.Failure
		if !errors.As(err, &f) {
			err = &transcribe.Failure{Backend: "unknown", Err: err}
		}
		c.cb.OnError(err)
		return
	}
	metrics.Transcriptions.WithLabelValues("ok").Inc()
	if text != "" {
		c.cb.OnTranscription(text)
	}
}

// handleClose は呼び出し側が意図しない切断を処理します。
// セットアップ済みの接続なら一定時間後に 1 回だけ再接続し、未完了なら ConnectionError を通知します。
func (c *LiveClient) handleClose(gen uint64, conn Conn, cause error, logger *slog.Logger) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	wasReady := c.setupComplete
	retry := c.retrying
	wasSpeaking := c.speaking
	c.setupComplete = false
	c.retrying = false
	c.speaking = false
	c.conn = nil
	c.state = StateDisconnected
	c.text.Reset()
	c.audio = nil
	life := c.life
	c.mu.Unlock()

	_ = conn.Close()
	if wasSpeaking {
		c.cb.OnSpeakingChange(false)
	}
	c.cb.OnStateChange(StateDisconnected)

	if wasReady {
		logger.Warn("接続が予期せず閉じられました。再接続します", "delay", c.cfg.ReconnectDelay, "error", cause)
		go c.reconnectAfter(life, gen)
		return
	}

	reason := HandshakeIncomplete
	if retry {
		reason = ReconnectFailed
		metrics.Reconnects.WithLabelValues("failed").Inc()
	}
	logger.Error("セットアップ完了前に接続が閉じられました", "reason", reason, "error", cause)
	c.cb.OnError(&ConnectionError{Reason: reason, Err: cause})
}

func (c *LiveClient) reconnectAfter(life context.Context, closedGen uint64) {
	if life == nil {
		return
	}
	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-life.Done():
		return
	case <-timer.C:
	}

	c.mu.Lock()
	stale := c.gen != closedGen || c.state != StateDisconnected
	c.mu.Unlock()
	if stale {
		return
	}
	if err := c.open(life, true); err != nil && !errors.Is(err, ErrCanceled) {
		c.logger.Error("再接続に失敗しました", "error", err)
		c.cb.OnError(err)
	}
}

// SendMediaChunk はチャンクを 1 つの realtime_input メッセージとして送信します。
// 未接続またはセットアップ未完了の場合は送らずに false を返します。
func (c *LiveClient) SendMediaChunk(chunk types.MediaChunk) bool {
	c.mu.Lock()
	conn := c.conn
	ready := c.state == StateConnected && c.setupComplete && conn != nil
	c.mu.Unlock()

	if !ready {
		metrics.ChunksDropped.WithLabelValues("not_ready").Inc()
		return false
	}
	if err := c.writeJSON(conn, newRealtimeInput(chunk)); err != nil {
		metrics.ChunksDropped.WithLabelValues("write_error").Inc()
		c.sendLog.Do(func() {
			c.logger.Warn("メディアチャンクの送信に失敗", "mime_type", chunk.MimeType, "error", err)
		})
		return false
	}
	metrics.ChunksSent.WithLabelValues(string(chunk.MimeType)).Inc()
	return true
}

func (c *LiveClient) writeJSON(conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("メッセージのエンコードに失敗: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect は正常終了のクローズを送り、蓄積中のターンを破棄します。再接続は行いません。
func (c *LiveClient) Disconnect() {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	c.conn = nil
	wasSpeaking := c.speaking
	prev := c.state
	c.speaking = false
	c.setupComplete = false
	c.retrying = false
	c.text.Reset()
	c.audio = nil
	c.state = StateDisconnected
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.life = nil
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, closeMessage(), time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		_ = conn.Close()
		c.logger.Info("Live API から切断しました")
	}
	if wasSpeaking {
		c.cb.OnSpeakingChange(false)
	}
	if prev != StateDisconnected {
		c.cb.OnStateChange(StateDisconnected)
	}
}

// State は現在の接続状態です。
func (c *LiveClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetupComplete は送信が許可されているかを返します。
func (c *LiveClient) SetupComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupComplete
}

// ModelSpeaking はモデル音声を受信中かを返します。encoder.Gate を満たします。
func (c *LiveClient) ModelSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Turns は完了したターン数です。
func (c *LiveClient) Turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns
}
