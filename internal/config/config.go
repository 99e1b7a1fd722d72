package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultSystemInstruction は面接アシスタントとしての応答方針です。
// 質問と回答の区別はプロンプト上のヒューリスティックなので、設定やプロンプトファイルで差し替えられます。
const DefaultSystemInstruction = `You are an AI interview assistant helping users to pass job interviews.
Your role is to provide CONCISE, ACTIONABLE interview answers. Follow these guidelines:
1. ONLY RESPOND TO ACTUAL INTERVIEW QUESTIONS. If the user says something like "Tell me about yourself" or "What are your weaknesses?", provide an answer.
2. DO NOT provide answers when the user is practicing their own response. If they start speaking in paragraphs or giving their own answers, just listen without responding or acknowledge briefly with "I'm listening to your answer".
3. Use scannable bullet points with **bold keywords** at the beginning of each bullet point.
4. Limit responses to 3-5 bullet points maximum.
5. Focus on memorable phrases the user can quickly recall.
Questions typically end with a question mark or use question phrasing ("Can you tell me...", "How would you...").
Answers are typically longer and presented as statements. If in doubt, only respond to clear interview questions.`

// Config はアプリケーション全体の設定です。
type Config struct {
	Audio         AudioConfig         `mapstructure:"audio"`
	Video         VideoConfig         `mapstructure:"video"`
	Live          LiveConfig          `mapstructure:"live"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Accounting    AccountingConfig    `mapstructure:"accounting"`
	Pricing       PricingConfig       `mapstructure:"pricing"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

// AudioConfig はマイク取得の固定制約です。
type AudioConfig struct {
	SampleRate       int  `mapstructure:"sample_rate"`
	Channels         int  `mapstructure:"channels"`
	BufferSize       int  `mapstructure:"buffer_size"`
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	AutoGain         bool `mapstructure:"auto_gain"`
	Device           int  `mapstructure:"device"`
}

// VideoConfig はカメラ・画面キャプチャのサンプリング設定です。
type VideoConfig struct {
	CameraInterval time.Duration `mapstructure:"camera_interval"`
	ScreenInterval time.Duration `mapstructure:"screen_interval"`
	CameraQuality  int           `mapstructure:"camera_quality"`
	ScreenQuality  int           `mapstructure:"screen_quality"`
	MaxWidth       int           `mapstructure:"max_width"`
	CameraDevice   string        `mapstructure:"camera_device"`
	ScreenDevice   string        `mapstructure:"screen_device"`
}

// LiveConfig は Live API 接続の設定です。
type LiveConfig struct {
	Endpoint           string        `mapstructure:"endpoint"`
	APIKey             string        `mapstructure:"api_key"`
	Model              string        `mapstructure:"model"`
	ResponseModalities []string      `mapstructure:"response_modalities"`
	SystemInstruction  string        `mapstructure:"system_instruction"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	OutputSampleRate   int           `mapstructure:"output_sample_rate"`
}

// TranscriptionConfig はモデル音声の文字起こし設定です。
type TranscriptionConfig struct {
	Backend string `mapstructure:"backend"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// AccountingConfig はクレジット精算サービスとの連携設定です。
type AccountingConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenFile    string        `mapstructure:"token_file"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	AuthURL      string        `mapstructure:"auth_url"`
	TokenURL     string        `mapstructure:"token_url"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	Minute       time.Duration `mapstructure:"minute"`
}

// PricingConfig はプランとクレジット換算のプロダクト方針です。
type PricingConfig struct {
	MinutesPerCredit float64            `mapstructure:"minutes_per_credit"`
	Precision        int                `mapstructure:"precision"`
	Plans            map[string]float64 `mapstructure:"plans"`
}

// MetricsConfig は Prometheus エクスポータの設定です。空のアドレスは無効を意味します。
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default は元のアプリと同じ既定値を返します。
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			SampleRate:       16000,
			Channels:         1,
			BufferSize:       4096,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGain:         true,
		},
		Video: VideoConfig{
			CameraInterval: time.Second,
			ScreenInterval: 2 * time.Second,
			CameraQuality:  80,
			ScreenQuality:  60,
			MaxWidth:       1280,
		},
		Live: LiveConfig{
			Endpoint:           "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent",
			Model:              "models/gemini-2.0-flash-exp",
			ResponseModalities: []string{"TEXT"},
			SystemInstruction:  DefaultSystemInstruction,
			ReconnectDelay:     time.Second,
			OutputSampleRate:   24000,
		},
		Transcription: TranscriptionConfig{
			Backend: "genai",
			Model:   "gemini-2.0-flash",
		},
		Accounting: AccountingConfig{
			BaseURL:      "http://localhost:3000",
			TokenFile:    filepath.Join(configDir(), "token.json"),
			TickInterval: 10 * time.Second,
			GracePeriod:  5 * time.Second,
			Minute:       time.Minute,
		},
		Pricing: PricingConfig{
			MinutesPerCredit: 60,
			Precision:        2,
			Plans: map[string]float64{
				"free":    0.25,
				"basic":   3,
				"premium": 10,
			},
		},
	}
}

// Load は既定値、設定ファイル、環境変数の順に設定を読み込みます。
// cfgFile が空の場合は interview.yaml を設定ディレクトリとカレントディレクトリから探します。
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("interview")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("INTERVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定のデコードに失敗: %w", err)
	}

	// 従来どおり GEMINI_API_KEY も受け付ける
	if cfg.Live.APIKey == "" {
		cfg.Live.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults は AutomaticEnv がネストしたキーを解決できるよう、全キーを viper に登録します。
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("audio.sample_rate", cfg.Audio.SampleRate)
	v.SetDefault("audio.channels", cfg.Audio.Channels)
	v.SetDefault("audio.buffer_size", cfg.Audio.BufferSize)
	v.SetDefault("audio.echo_cancellation", cfg.Audio.EchoCancellation)
	v.SetDefault("audio.noise_suppression", cfg.Audio.NoiseSuppression)
	v.SetDefault("audio.auto_gain", cfg.Audio.AutoGain)
	v.SetDefault("audio.device", cfg.Audio.Device)

	v.SetDefault("video.camera_interval", cfg.Video.CameraInterval)
	v.SetDefault("video.screen_interval", cfg.Video.ScreenInterval)
	v.SetDefault("video.camera_quality", cfg.Video.CameraQuality)
	v.SetDefault("video.screen_quality", cfg.Video.ScreenQuality)
	v.SetDefault("video.max_width", cfg.Video.MaxWidth)
	v.SetDefault("video.camera_device", cfg.Video.CameraDevice)
	v.SetDefault("video.screen_device", cfg.Video.ScreenDevice)

	v.SetDefault("live.endpoint", cfg.Live.Endpoint)
	v.SetDefault("live.api_key", cfg.Live.APIKey)
	v.SetDefault("live.model", cfg.Live.Model)
	v.SetDefault("live.response_modalities", cfg.Live.ResponseModalities)
	v.SetDefault("live.system_instruction", cfg.Live.SystemInstruction)
	v.SetDefault("live.reconnect_delay", cfg.Live.ReconnectDelay)
	v.SetDefault("live.output_sample_rate", cfg.Live.OutputSampleRate)

	v.SetDefault("transcription.backend", cfg.Transcription.Backend)
	v.SetDefault("transcription.model", cfg.Transcription.Model)
	v.SetDefault("transcription.base_url", cfg.Transcription.BaseURL)

	v.SetDefault("accounting.base_url", cfg.Accounting.BaseURL)
	v.SetDefault("accounting.token_file", cfg.Accounting.TokenFile)
	v.SetDefault("accounting.client_id", cfg.Accounting.ClientID)
	v.SetDefault("accounting.client_secret", cfg.Accounting.ClientSecret)
	v.SetDefault("accounting.auth_url", cfg.Accounting.AuthURL)
	v.SetDefault("accounting.token_url", cfg.Accounting.TokenURL)
	v.SetDefault("accounting.tick_interval", cfg.Accounting.TickInterval)
	v.SetDefault("accounting.grace_period", cfg.Accounting.GracePeriod)
	v.SetDefault("accounting.minute", cfg.Accounting.Minute)

	v.SetDefault("pricing.minutes_per_credit", cfg.Pricing.MinutesPerCredit)
	v.SetDefault("pricing.precision", cfg.Pricing.Precision)
	v.SetDefault("pricing.plans", cfg.Pricing.Plans)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

// Validate は明らかに不正な値を拒否します。
func (c *Config) Validate() error {
	switch {
	case c.Audio.SampleRate <= 0:
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	case c.Audio.Channels <= 0:
		return fmt.Errorf("audio.channels must be positive, got %d", c.Audio.Channels)
	case c.Audio.BufferSize <= 0:
		return fmt.Errorf("audio.buffer_size must be positive, got %d", c.Audio.BufferSize)
	case c.Video.CameraInterval <= 0 || c.Video.ScreenInterval <= 0:
		return errors.New("video capture intervals must be positive")
	case c.Live.OutputSampleRate <= 0:
		return fmt.Errorf("live.output_sample_rate must be positive, got %d", c.Live.OutputSampleRate)
	case c.Live.ReconnectDelay < 0:
		return errors.New("live.reconnect_delay must not be negative")
	case c.Accounting.TickInterval <= 0:
		return errors.New("accounting.tick_interval must be positive")
	case c.Accounting.GracePeriod < 0:
		return errors.New("accounting.grace_period must not be negative")
	case c.Accounting.Minute <= 0:
		return errors.New("accounting.minute must be positive")
	case c.Pricing.MinutesPerCredit <= 0:
		return errors.New("pricing.minutes_per_credit must be positive")
	}
	return nil
}

// configDir は設定ファイルとトークンを置くディレクトリを返します。
func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "interview-live")
	}
	return "."
}

// Dir は設定ディレクトリのパスを公開します。
func Dir() string {
	return configDir()
}
