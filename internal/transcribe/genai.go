package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// GenAI は google.golang.org/genai の GenerateContent で文字起こしを行います。
type GenAI struct {
	client *genai.Client
	model  string
	prompt string
}

// NewGenAI は Gemini API バックエンドのクライアントを作成します。
func NewGenAI(ctx context.Context, cfg Config) (*GenAI, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai クライアントの初期化に失敗: %w", err)
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	slog.Info("文字起こしクライアントを初期化しました", "backend", "genai", "model", cfg.Model)
	return &GenAI{client: client, model: cfg.Model, prompt: prompt}, nil
}

func (g *GenAI) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	if mimeType == "" {
		mimeType = MimeWAV
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(audio, mimeType),
			genai.NewPartFromText(g.prompt),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", &Failure{Backend: "genai", Err: err}
	}
	return strings.TrimSpace(resp.Text()), nil
}
