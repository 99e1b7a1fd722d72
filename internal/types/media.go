package types

import (
	"encoding/base64"
	"fmt"
)

// MimeType は送信するメディアチャンクの種類です。
type MimeType string

const (
	MimeAudioPCM  MimeType = "audio/pcm"
	MimeImageJPEG MimeType = "image/jpeg"
)

// MediaChunk はエンコーダが生成し、プロトコルクライアントが即座に送信する 1 単位のメディアです。
// 永続化はされず、順序は到着順のみで表現されます。
type MediaChunk struct {
	MimeType MimeType
	Data     []byte
}

// Base64 はペイロードを転送用の base64 文字列に変換します。
func (c MediaChunk) Base64() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}

// CaptureMode は取得するデバイスの組み合わせです。
type CaptureMode string

const (
	ModeAudio  CaptureMode = "audio"
	ModeCamera CaptureMode = "camera"
	ModeScreen CaptureMode = "screen"
)

// HasVideo は音声以外に映像トラックを伴うモードかを返します。
func (m CaptureMode) HasVideo() bool {
	return m == ModeCamera || m == ModeScreen
}

// ParseCaptureMode はフラグ文字列を CaptureMode に変換します。
func ParseCaptureMode(s string) (CaptureMode, error) {
	switch CaptureMode(s) {
	case ModeAudio, ModeCamera, ModeScreen:
		return CaptureMode(s), nil
	case "audio-only", "":
		return ModeAudio, nil
	}
	return "", fmt.Errorf("unknown capture mode %q (audio, camera, screen)", s)
}
