// Package capture はローカルのマイク・カメラ・画面を取得し、正規化した PCM フレームを供給します。
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// DeviceKind は取得対象のデバイス種別です。
type DeviceKind string

const (
	DeviceMicrophone DeviceKind = "microphone"
	DeviceCamera     DeviceKind = "camera"
	DeviceScreen     DeviceKind = "screen"
)

// ErrorKind はデバイス取得失敗の分類です。
type ErrorKind int

const (
	// PermissionDenied はユーザーが許可を拒否、または選択をキャンセルしたことを示します。
	PermissionDenied ErrorKind = iota + 1
	// Unavailable は該当デバイスや機能そのものが存在しないことを示します。
	Unavailable
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

// DisablesFeature は機能を恒久的に無効化すべきかを返します。
// ユーザーの拒否は再試行できるので false です。
func (k ErrorKind) DisablesFeature() bool {
	return k == Unavailable
}

// DeviceError はデバイス取得の失敗です。
type DeviceError struct {
	Kind   ErrorKind
	Device DeviceKind
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Device, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// AsDeviceError は err チェーンから DeviceError を取り出します。
func AsDeviceError(err error) (*DeviceError, bool) {
	var de *DeviceError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

var (
	ErrAlreadyCapturing = errors.New("capture already in progress")
	ErrNotCamera        = errors.New("flip is only available in camera mode")
	ErrTrackStopped     = errors.New("track stopped")
	ErrCanceled         = errors.New("capture was stopped while acquiring devices")
)

// Facing はカメラの向きです。デスクトップではデバイス番号の切り替えに対応します。
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Flip は逆向きを返します。
func (f Facing) Flip() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// AudioConstraints はマイクに要求する固定の制約です。
type AudioConstraints struct {
	SampleRate       int
	Channels         int
	BufferSize       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
	Device           int
}

// VideoConstraints はカメラ・画面に要求する制約です。
type VideoConstraints struct {
	Facing Facing
	Device string
	Width  int
	Height int
}

// Samples はデバイスから読み出した生のインターリーブ PCM16 です。
type Samples struct {
	Data       []int16
	SampleRate int
	Channels   int
}

// AudioTrack は開いているマイクのストリームです。
type AudioTrack interface {
	// Read は次のサンプル列が得られるまでブロックします。
	Read(ctx context.Context) (Samples, error)
	Stop() error
}

// VideoTrack は開いている映像ソースです。
type VideoTrack interface {
	// Snapshot は現在のフレームを 1 枚取得します。
	Snapshot(ctx context.Context) (image.Image, error)
	Stop() error
}

// Devices はプラットフォームのデバイス取得を抽象化します。
type Devices interface {
	OpenMicrophone(ctx context.Context, c AudioConstraints) (AudioTrack, error)
	OpenCamera(ctx context.Context, c VideoConstraints) (VideoTrack, error)
	OpenScreen(ctx context.Context, c VideoConstraints) (VideoTrack, error)
}
