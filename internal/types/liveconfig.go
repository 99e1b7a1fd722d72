package types

import "time"

// ResponseModality は Live API に要求する応答の形式です。
type ResponseModality string

const (
	ModalityText  ResponseModality = "TEXT"
	ModalityAudio ResponseModality = "AUDIO"
)

// LiveAPIConfig は Live API の接続とセッション設定を保持します。
type LiveAPIConfig struct {
	// 接続先の WebSocket エンドポイント (APIキーはクエリに付与される)
	Endpoint string

	// Gemini APIキー (認証に使用)
	APIKey string

	// Live APIで使用するモデル名 (例: models/gemini-2.0-flash-exp)
	Model string

	// 応答ポリシーを記述したシステム指示。
	// 「質問にだけ答える」といった判定はプロンプト側の方針であり、ここでは文字列として保持するだけです。
	SystemInstruction string

	// Live APIで受け取りたい出力形式 (TEXT または AUDIO)
	ResponseModalities []ResponseModality

	// 異常切断後、再接続を試みるまでの待ち時間
	ReconnectDelay time.Duration

	// モデルが返す PCM 音声のサンプルレート (通常 24000Hz)
	OutputSampleRate int
}

// WantsAudio は応答形式に AUDIO が含まれるかを返します。
func (c LiveAPIConfig) WantsAudio() bool {
	for _, m := range c.ResponseModalities {
		if m == ModalityAudio {
			return true
		}
	}
	return false
}
