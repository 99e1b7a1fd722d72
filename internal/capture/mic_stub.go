//go:build !portaudio

package capture

import (
	"context"
	"errors"
)

// MicrophoneSupported はマイク入力付きでビルドされているかを示します。
const MicrophoneSupported = false

// OpenMicrophone は portaudio なしでビルドされた場合、常に Unavailable を返します。
func (d SystemDevices) OpenMicrophone(_ context.Context, _ AudioConstraints) (AudioTrack, error) {
	return nil, &DeviceError{
		Kind:   Unavailable,
		Device: DeviceMicrophone,
		Err:    errors.New("built without portaudio support (rebuild with -tags portaudio)"),
	}
}
