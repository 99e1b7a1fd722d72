// Package transcribe はモデルが返した音声をテキストに変換する外部機能のアダプタです。
package transcribe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// MimeWAV は Transcriber に渡す音声の既定形式です。
const MimeWAV = "audio/wav"

// DefaultPrompt は文字起こしを依頼する指示文です。
const DefaultPrompt = "Transcribe this audio verbatim. Return only the spoken words without commentary."

// ErrEmptyAudio は空の音声が渡されたことを示します。
var ErrEmptyAudio = errors.New("transcribe: empty audio")

// Transcriber は完成した音声バッファをテキストに変換します。
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Func は関数を Transcriber として扱うためのアダプタです。
type Func func(ctx context.Context, audio []byte, mimeType string) (string, error)

func (f Func) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f(ctx, audio, mimeType)
}

// Failure はバックエンドでの文字起こし失敗です。セッションは継続されます。
type Failure struct {
	Backend string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("transcribe (%s): %v", f.Backend, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Config はバックエンドの選択と接続情報です。
type Config struct {
	// Backend は "genai" (google.golang.org/genai) か "legacy" (generative-ai-go) です。
	Backend string
	APIKey  string
	Model   string
	BaseURL string
	Prompt  string
}

// New は Backend に応じた Transcriber を作成します。
func New(ctx context.Context, cfg Config) (Transcriber, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("transcribe: API key is required")
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	switch cfg.Backend {
	case "", "genai":
		return NewGenAI(ctx, cfg)
	case "legacy":
		return NewLegacy(ctx, cfg)
	}
	return nil, fmt.Errorf("transcribe: unknown backend %q (genai, legacy)", cfg.Backend)
}

const wavHeaderSize = 44

// WrapPCMAsWAV は PCM16LE に 44 バイトの WAV ヘッダを付けて再生可能なバッファにします。
func WrapPCMAsWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	wav := make([]byte, wavHeaderSize+len(pcm))

	copy(wav[0:4], "RIFF")
	binary.LittleEndian.PutUint32(wav[4:8], uint32(36+len(pcm)))
	copy(wav[8:12], "WAVE")

	copy(wav[12:16], "fmt ")
	binary.LittleEndian.PutUint32(wav[16:20], 16)
	binary.LittleEndian.PutUint16(wav[20:22], 1) // linear PCM
	binary.LittleEndian.PutUint16(wav[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(wav[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(wav[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(wav[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(wav[34:36], bitsPerSample)

	copy(wav[36:40], "data")
	binary.LittleEndian.PutUint32(wav[40:44], uint32(len(pcm)))
	copy(wav[44:], pcm)
	return wav
}
