package gemini

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"interview-live-go/internal/types"
)

// 送信側は snake_case、受信側は camelCase で届く。

type setupMessage struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generation_config"`
	SystemInstruction *instruction     `json:"system_instruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []types.ResponseModality `json:"response_modalities"`
}

type instruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

func newSetupMessage(cfg types.LiveAPIConfig) setupMessage {
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []types.ResponseModality{types.ModalityText}
	}
	msg := setupMessage{Setup: setupBody{
		Model:            cfg.Model,
		GenerationConfig: generationConfig{ResponseModalities: modalities},
	}}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &instruction{Parts: []textPart{{Text: cfg.SystemInstruction}}}
	}
	return msg
}

func newRealtimeInput(chunk types.MediaChunk) realtimeInputMessage {
	return realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{MimeType: string(chunk.MimeType), Data: chunk.Base64()}},
	}}
}

// serverMessage は受信メッセージです。setupComplete はキーの有無だけが意味を持ちます。
type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

func (d *inlineData) isAudio() bool {
	return strings.HasPrefix(d.MimeType, "audio/")
}

func (d *inlineData) decode() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil {
		return nil, fmt.Errorf("inlineData のデコードに失敗: %w", err)
	}
	return b, nil
}

func parseServerMessage(data []byte) (*serverMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("受信メッセージの解析に失敗: %w", err)
	}
	return &msg, nil
}
