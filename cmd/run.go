package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"interview-live-go/internal/accounting"
	"interview-live-go/internal/capture"
	"interview-live-go/internal/config"
	"interview-live-go/internal/encoder"
	"interview-live-go/internal/gemini"
	"interview-live-go/internal/metrics"
	"interview-live-go/internal/pipeline"
	"interview-live-go/internal/services/live_processor"
	"interview-live-go/internal/transcribe"
	"interview-live-go/internal/types"
	"interview-live-go/internal/util"
)

// runFlags は run コマンドのフラグを保持するための構造体です。
var runFlags struct {
	mode        string
	promptFile  string
	jobID       string
	title       string
	identity    string
	modality    string
	metricsAddr string
	showLevel   bool
}

// runCmd はライブ面接セッションを開始するためのコマンドです。
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "ライブ面接セッションを開始します。",
	Long: `マイク (と任意でカメラ・画面) を Gemini Live API にストリーミングし、回答のポイントを表示します。
セッション中は標準入力から次のコマンドを受け付けます:

  a  音声のみに切り替え
  c  カメラに切り替え
  s  画面共有に切り替え
  f  カメラの向きを反転
  q  セッションを終了

マイク入力には PortAudio が必要です。"go build -tags portaudio" でビルドしてください。
存在しないカメラや画面はセッション中に無効になります。許可を拒否した場合は再度切り替えられます。`,
	RunE: runRunE,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runFlags.mode, "mode", "audio", "開始時のキャプチャモード (audio, camera, screen)")
	runCmd.Flags().StringVar(&runFlags.promptFile, "prompt-file", "", "システム指示を上書きするプロンプトファイルのパス")
	runCmd.Flags().StringVar(&runFlags.jobID, "job-id", "", "精算サービスに記録する求人準備 ID")
	runCmd.Flags().StringVar(&runFlags.title, "title", "", "精算サービスに記録する面接のタイトル")
	runCmd.Flags().StringVar(&runFlags.identity, "identity", os.Getenv("INTERVIEW_IDENTITY"), "精算サービス上の利用者 ID。環境変数 INTERVIEW_IDENTITY で設定可能。")
	runCmd.Flags().StringVar(&runFlags.modality, "modality", "", "応答形式を上書きします (text, audio)")
	runCmd.Flags().StringVar(&runFlags.metricsAddr, "metrics-addr", "", "Prometheus メトリクスの待ち受けアドレス (例: :9090)")
	runCmd.Flags().BoolVar(&runFlags.showLevel, "show-level", false, "マイクの入力レベルを表示する")
}

func runRunE(cmd *cobra.Command, args []string) error {
	// 1. フラグと設定の検証
	mode, err := types.ParseCaptureMode(runFlags.mode)
	if err != nil {
		return err
	}
	if err := checkMicrophone(capture.MicrophoneSupported); err != nil {
		return err
	}
	if runFlags.identity == "" {
		return errors.New("利用者 ID (--identity または INTERVIEW_IDENTITY) が設定されていません")
	}
	if cfg.Live.APIKey == "" {
		return errors.New("Gemini APIキー (live.api_key または GEMINI_API_KEY) が設定されていません")
	}
	liveCfg, err := liveConfig(cfg.Live, runFlags.modality)
	if err != nil {
		return err
	}
	if runFlags.promptFile != "" {
		prompt, err := util.LoadPromptFile(runFlags.promptFile)
		if err != nil {
			return fmt.Errorf("プロンプトファイルの読み込みに失敗: %w", err)
		}
		liveCfg.SystemInstruction = prompt
	}

	// OSシグナルハンドリング (Ctrl+Cなどで終了できるように)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. メトリクス
	addr := runFlags.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		exporter := metrics.NewExporter(addr, metrics.NewRegistry())
		exporter.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := exporter.Shutdown(shutdownCtx); err != nil {
				slog.Warn("メトリクスエクスポータの停止に失敗", "error", err)
			}
		}()
	}

	// 3. クライアントの初期化
	svc, err := newAccountingClient(ctx)
	if err != nil {
		return err
	}

	transcriber, err := transcribe.New(ctx, transcribe.Config{
		Backend: cfg.Transcription.Backend,
		APIKey:  cfg.Live.APIKey,
		Model:   cfg.Transcription.Model,
		BaseURL: cfg.Transcription.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("文字起こしクライアントの初期化に失敗: %w", err)
	}
	if c, ok := transcriber.(io.Closer); ok {
		defer c.Close()
	}
	slog.Info("Gemini API クライアントが正常に初期化されました。", "model", liveCfg.Model, "modalities", liveCfg.ResponseModalities)

	adapter := capture.NewAdapter(capture.SystemDevices{}, capture.Options{
		Audio: capture.AudioConstraints{
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         cfg.Audio.Channels,
			BufferSize:       cfg.Audio.BufferSize,
			EchoCancellation: cfg.Audio.EchoCancellation,
			NoiseSuppression: cfg.Audio.NoiseSuppression,
			AutoGain:         cfg.Audio.AutoGain,
			Device:           cfg.Audio.Device,
		},
		Camera: capture.VideoConstraints{Facing: capture.FacingUser, Device: cfg.Video.CameraDevice},
		Screen: capture.VideoConstraints{Device: cfg.Video.ScreenDevice},
	})

	// 4. セッションの構築
	pricing := pricingFromConfig(cfg.Pricing)
	session := pipeline.New(pipeline.Deps{
		Capture:    adapter,
		Accounting: svc,
		Logger:     slog.Default(),
		NewLive: func(cb gemini.Callbacks) pipeline.Live {
			return gemini.NewLiveClient(liveCfg, gemini.Options{Transcriber: transcriber, Callbacks: cb})
		},
	}, pipeline.Options{
		Identity: runFlags.identity,
		Context:  accounting.SessionContext{JobPreparationID: runFlags.jobID, Title: runFlags.title},
		Encoder: encoder.Options{
			CameraInterval: cfg.Video.CameraInterval,
			ScreenInterval: cfg.Video.ScreenInterval,
			CameraQuality:  cfg.Video.CameraQuality,
			ScreenQuality:  cfg.Video.ScreenQuality,
			MaxWidth:       cfg.Video.MaxWidth,
		},
		Meter: accounting.MeterOptions{
			TickInterval: cfg.Accounting.TickInterval,
			GracePeriod:  cfg.Accounting.GracePeriod,
			Minute:       cfg.Accounting.Minute,
			Pricing:      pricing,
		},
	})

	// 5. 表示とセッションの開始
	fmt.Println("--- Interview Live Go: ライブ面接セッション開始 ---")
	fmt.Printf("✅ モード: %s\n", mode)
	fmt.Printf("✅ 利用者: %s\n", runFlags.identity)

	processor := live_processor.NewProcessor(os.Stdout, pricing, runFlags.showLevel)
	shown := make(chan struct{})
	go func() {
		defer close(shown)
		processor.Run(context.WithoutCancel(ctx), session.Events())
	}()

	if err := session.Start(ctx, mode); err != nil {
		<-shown
		if errors.Is(err, accounting.ErrInsufficientCredits) {
			return fmt.Errorf("クレジットが不足しているためセッションを開始できません: %w", err)
		}
		if errors.Is(err, pipeline.ErrNotRunning) {
			return sessionResult(session)
		}
		return fmt.Errorf("セッションの開始に失敗: %w", err)
	}

	go readCommands(ctx, os.Stdin, os.Stdout, session)

	<-session.Done()
	<-shown
	return sessionResult(session)
}

// sessionResult は利用者による終了を正常終了として扱います。
func sessionResult(session *pipeline.Session) error {
	switch session.Reason() {
	case pipeline.ReasonManual, pipeline.ReasonCanceled:
		slog.Info("アプリケーションが正常に終了しました。")
		return nil
	}
	return session.Err()
}

// checkMicrophone はマイク入力なしでビルドされたバイナリを起動前に拒否します。
func checkMicrophone(supported bool) error {
	if supported {
		return nil
	}
	return errors.New("マイク入力なしでビルドされています (\"go build -tags portaudio\" で再ビルドしてください)")
}

// switchFailureMessage はキャプチャ切り替えの失敗を利用者向けの文言にします。
func switchFailureMessage(err error) string {
	de, ok := capture.AsDeviceError(err)
	switch {
	case errors.Is(err, capture.ErrNotCamera):
		return "⚠️ カメラの反転はカメラモードでのみ使えます。"
	case errors.Is(err, capture.ErrAlreadyCapturing):
		return "⚠️ 切り替え中です。しばらくしてから再度お試しください。"
	case !ok:
		return fmt.Sprintf("⚠️ キャプチャの切り替えに失敗しました: %v", err)
	case de.Kind.DisablesFeature():
		return fmt.Sprintf("⚠️ %s は利用できないため、このセッションでは無効になりました。", de.Device)
	}
	return fmt.Sprintf("⚠️ %s の利用が許可されませんでした。許可してから再度切り替えてください。", de.Device)
}

// readCommands は標準入力の 1 行コマンドでモード切替と終了を行います。
func readCommands(ctx context.Context, r io.Reader, w io.Writer, session *pipeline.Session) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var err error
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "a", "audio":
			err = session.SwitchMode(ctx, types.ModeAudio)
		case "c", "camera":
			err = session.SwitchMode(ctx, types.ModeCamera)
		case "s", "screen":
			err = session.SwitchMode(ctx, types.ModeScreen)
		case "f", "flip":
			err = session.Flip(ctx)
		case "q", "quit", "exit":
			session.Stop()
			return
		case "":
			continue
		default:
			fmt.Fprintln(w, "コマンドは a / c / s / f / q のいずれかです。")
			continue
		}
		if errors.Is(err, pipeline.ErrNotRunning) {
			return
		}
		if err != nil {
			slog.Warn("キャプチャの切り替えに失敗", "error", err)
			fmt.Fprintln(w, switchFailureMessage(err))
		}
	}
}

// liveConfig は設定ファイルの Live API 設定を接続設定に変換します。
func liveConfig(c config.LiveConfig, modality string) (types.LiveAPIConfig, error) {
	names := c.ResponseModalities
	if modality != "" {
		names = []string{modality}
	}
	modalities := make([]types.ResponseModality, 0, len(names))
	for _, n := range names {
		m := types.ResponseModality(strings.ToUpper(n))
		if m != types.ModalityText && m != types.ModalityAudio {
			return types.LiveAPIConfig{}, fmt.Errorf("不正な応答形式 %q (text, audio)", n)
		}
		modalities = append(modalities, m)
	}
	if len(modalities) == 0 {
		modalities = []types.ResponseModality{types.ModalityText}
	}
	return types.LiveAPIConfig{
		Endpoint:           c.Endpoint,
		APIKey:             c.APIKey,
		Model:              c.Model,
		SystemInstruction:  c.SystemInstruction,
		ResponseModalities: modalities,
		ReconnectDelay:     c.ReconnectDelay,
		OutputSampleRate:   c.OutputSampleRate,
	}, nil
}

func pricingFromConfig(c config.PricingConfig) accounting.Pricing {
	return accounting.Pricing{
		MinutesPerCredit: c.MinutesPerCredit,
		Precision:        c.Precision,
		Plans:            c.Plans,
	}
}

// newAccountingClient は保存済みトークンで精算サービスのクライアントを作成します。
func newAccountingClient(ctx context.Context) (*accounting.Client, error) {
	oc := accounting.OAuthConfig(cfg.Accounting, "")
	httpClient, err := accounting.HTTPClient(ctx, oc, cfg.Accounting.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("%w (先に \"interview_live auth\" を実行してください)", err)
	}
	return accounting.NewClient(cfg.Accounting.BaseURL, httpClient, slog.Default()), nil
}
