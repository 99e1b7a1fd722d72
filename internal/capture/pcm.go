package capture

import (
	"encoding/binary"
	"math"
)

// Frame は正規化済み (モノラル・目標サンプルレート) の固定長 PCM16LE フレームです。
type Frame struct {
	PCM   []byte
	Level int // 0-100 の RMS レベル
	Seq   uint64
}

// normalizer はデバイスのサンプル列をモノラル・目標レートに変換し、固定長に切り出します。
type normalizer struct {
	targetRate int
	bufferSize int
	pending    []int16
	seq        uint64
}

func newNormalizer(targetRate, bufferSize int) *normalizer {
	return &normalizer{
		targetRate: targetRate,
		bufferSize: bufferSize,
		pending:    make([]int16, 0, bufferSize*2),
	}
}

// push はサンプルを取り込み、満たされたフレームを返します。端数は次回に持ち越します。
func (n *normalizer) push(s Samples) []Frame {
	mono := downmix(s.Data, s.Channels)
	if s.SampleRate > 0 && s.SampleRate != n.targetRate {
		mono = resample(mono, s.SampleRate, n.targetRate)
	}
	n.pending = append(n.pending, mono...)

	var frames []Frame
	for len(n.pending) >= n.bufferSize {
		chunk := n.pending[:n.bufferSize]
		n.seq++
		frames = append(frames, Frame{
			PCM:   samplesToBytes(chunk),
			Level: level(chunk),
			Seq:   n.seq,
		})
		n.pending = n.pending[n.bufferSize:]
	}
	// 持ち越し分を先頭に詰め直してバッファの肥大化を防ぐ
	if cap(n.pending) > n.bufferSize*4 {
		rest := make([]int16, len(n.pending), n.bufferSize*2)
		copy(rest, n.pending)
		n.pending = rest
	}
	return frames
}

// downmix はインターリーブされた多チャンネルを平均してモノラルにします。
func downmix(data []int16, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(data))
		copy(out, data)
		return out
	}
	frames := len(data) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(data[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// resample は線形補間でサンプルレートを変換します。
func resample(in []int16, fromRate, toRate int) []int16 {
	if len(in) == 0 || fromRate == toRate {
		return in
	}
	outLen := int(float64(len(in)) * float64(toRate) / float64(fromRate))
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac)
	}
	return out
}

// level は RMS を 0-100 に正規化した入力レベルです。
func level(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	l := int(math.Round(rms * 100))
	if l > 100 {
		l = 100
	}
	return l
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
