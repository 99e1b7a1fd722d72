// Package encoder はキャプチャしたフレームを送信用のメディアチャンクに変換します。
package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"interview-live-go/internal/capture"
	"interview-live-go/internal/metrics"
	"interview-live-go/internal/types"
)

// Source は Encoder が読み取るキャプチャです。*capture.Handle が満たします。
type Source interface {
	Mode() types.CaptureMode
	Frames() <-chan capture.Frame
	Video() capture.VideoTrack
}

// Sink はチャンクの送り先です。送信されなかった場合は false を返します。
type Sink interface {
	SendMediaChunk(chunk types.MediaChunk) bool
}

// Gate はモデルが発話中かを返します。発話中はマイク音声を転送しません。
type Gate interface {
	ModelSpeaking() bool
}

// Options は映像サンプリングの調整値です。
type Options struct {
	CameraInterval time.Duration
	ScreenInterval time.Duration
	CameraQuality  int
	ScreenQuality  int
	MaxWidth       int

	// OnLevel はフレームごとの入力レベル (0-100) を受け取ります。
	OnLevel func(level int)
	Logger  *slog.Logger
}

// Encoder は音声フレームを到着順に転送し、映像を一定間隔でサンプリングします。
type Encoder struct {
	opts    Options
	gate    Gate
	logger  *slog.Logger
	snapLog rate.Sometimes
}

// New は Encoder を作成します。gate が nil の場合は常に転送します。
func New(opts Options, gate Gate) *Encoder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{
		opts:    opts,
		gate:    gate,
		logger:  logger.With("component", "encoder"),
		snapLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Run はソースのフレームが尽きるか ctx がキャンセルされるまでチャンクを送り続けます。
func (e *Encoder) Run(ctx context.Context, src Source, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	visualDone := make(chan struct{})
	if video := src.Video(); video != nil {
		go func() {
			defer close(visualDone)
			e.runVisual(ctx, src.Mode(), video, sink)
		}()
	} else {
		close(visualDone)
	}

	err := e.runAudio(ctx, src.Frames(), sink)
	cancel()
	<-visualDone
	return err
}

func (e *Encoder) runAudio(ctx context.Context, frames <-chan capture.Frame, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if e.opts.OnLevel != nil {
				e.opts.OnLevel(f.Level)
			}
			if e.gate != nil && e.gate.ModelSpeaking() {
				metrics.ChunksDropped.WithLabelValues("model_speaking").Inc()
				continue
			}
			sink.SendMediaChunk(types.MediaChunk{MimeType: types.MimeAudioPCM, Data: f.PCM})
		}
	}
}

func (e *Encoder) runVisual(ctx context.Context, mode types.CaptureMode, video capture.VideoTrack, sink Sink) {
	interval, quality := e.Interval(mode), e.Quality(mode)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("映像のサンプリングを開始します", "mode", mode, "interval", interval, "quality", quality)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapCtx, cancel := context.WithTimeout(ctx, interval)
			img, err := video.Snapshot(snapCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.snapLog.Do(func() {
					e.logger.Warn("フレームの取得に失敗", "mode", mode, "error", err)
				})
				continue
			}
			data, err := EncodeJPEG(img, e.opts.MaxWidth, quality)
			if err != nil {
				e.logger.Warn("フレームのエンコードに失敗", "error", err)
				continue
			}
			sink.SendMediaChunk(types.MediaChunk{MimeType: types.MimeImageJPEG, Data: data})
		}
	}
}

// Interval はモードごとのサンプリング間隔です。画面は帯域節約のため長めです。
func (e *Encoder) Interval(mode types.CaptureMode) time.Duration {
	if mode == types.ModeScreen {
		return e.opts.ScreenInterval
	}
	return e.opts.CameraInterval
}

// Quality はモードごとの JPEG 品質です。
func (e *Encoder) Quality(mode types.CaptureMode) int {
	if mode == types.ModeScreen {
		return e.opts.ScreenQuality
	}
	return e.opts.CameraQuality
}

// EncodeJPEG は画像を maxWidth 以下に縮小して JPEG に変換します。
func EncodeJPEG(img image.Image, maxWidth, quality int) ([]byte, error) {
	img = downscale(img, maxWidth)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("JPEG エンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

func downscale(src image.Image, maxWidth int) image.Image {
	b := src.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return src
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
