package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Legacy は github.com/google/generative-ai-go を使うバックエンドです。
type Legacy struct {
	client *genai.Client
	model  string
	prompt string
}

// NewLegacy は generative-ai-go のクライアントを作成します。
func NewLegacy(ctx context.Context, cfg Config) (*Legacy, error) {
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("Gemini クライアントの初期化に失敗: %w", err)
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	slog.Info("文字起こしクライアントを初期化しました", "backend", "legacy", "model", cfg.Model)
	return &Legacy{client: client, model: cfg.Model, prompt: prompt}, nil
}

func (l *Legacy) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	if mimeType == "" {
		mimeType = MimeWAV
	}

	model := l.client.GenerativeModel(l.model)
	// 書き起こしなので揺らぎは不要
	model.SetTemperature(0)

	resp, err := model.GenerateContent(ctx, genai.Blob{MIMEType: mimeType, Data: audio}, genai.Text(l.prompt))
	if err != nil {
		return "", &Failure{Backend: "legacy", Err: err}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &Failure{Backend: "legacy", Err: errors.New("no candidates")}
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// Close は基盤のクライアントを閉じます。
func (l *Legacy) Close() error {
	return l.client.Close()
}
