package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"interview-live-go/internal/config"
)

var (
	// コマンドラインフラグを保持する変数
	cfgFile   string
	logLevel  string
	logFormat string

	// cfg は PersistentPreRunE で読み込まれた設定です。
	cfg *config.Config
)

// rootCmd はアプリケーション全体のルートコマンドを定義します。
var rootCmd = &cobra.Command{
	Use:   "interview_live",
	Short: "Gemini Live APIを活用し、面接中の質問にリアルタイムで回答のヒントを表示するアシスタント",
	Long: `Interview Live Go は、マイク・カメラ・画面の入力を Gemini Live API にストリーミングし、
面接官の質問に対する回答のポイントをコンソールへ逐次表示します。

利用時間は 1 分単位でクレジット精算サービスに記録されます。
先に "interview_live auth" で精算サービスへのログインを済ませてください。`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute はルートコマンドを実行します。
func Execute() error {
	return rootCmd.Execute()
}

// init はフラグを設定します。
func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "設定ファイルのパス (既定: <設定ディレクトリ>/interview.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "ログレベル (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "ログ形式 (text, json)")
}

// loadConfig は .env、設定ファイル、環境変数を読み込み、ロガーを初期化します。
func loadConfig(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf(".env の読み込みに失敗: %w", err)
	}

	handler, err := newLogHandler(os.Stderr, logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))

	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

// newLogHandler はフラグで指定された形式とレベルの slog.Handler を返します。
func newLogHandler(w io.Writer, level, format string) (slog.Handler, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("不正なログレベル %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lv}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	}
	return nil, fmt.Errorf("不正なログ形式 %q (text, json)", format)
}
