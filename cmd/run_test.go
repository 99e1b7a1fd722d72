package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interview-live-go/internal/capture"
	"interview-live-go/internal/config"
	"interview-live-go/internal/types"
)

func TestLiveConfig_Modalities(t *testing.T) {
	base := config.Default().Live
	base.ResponseModalities = []string{"text"}

	got, err := liveConfig(base, "")
	require.NoError(t, err)
	assert.Equal(t, []types.ResponseModality{types.ModalityText}, got.ResponseModalities)
	assert.Equal(t, base.Model, got.Model)

	got, err = liveConfig(base, "audio")
	require.NoError(t, err)
	assert.True(t, got.WantsAudio())

	_, err = liveConfig(base, "video")
	assert.Error(t, err)

	base.ResponseModalities = nil
	got, err = liveConfig(base, "")
	require.NoError(t, err)
	assert.Equal(t, []types.ResponseModality{types.ModalityText}, got.ResponseModalities)
}

func TestNewLogHandler(t *testing.T) {
	var buf bytes.Buffer

	h, err := newLogHandler(&buf, "warn", "json")
	require.NoError(t, err)
	logger := slog.New(h)
	logger.Info("表示されない")
	logger.Warn("表示される", "k", 1)
	assert.NotContains(t, buf.String(), "表示されない")
	assert.Contains(t, buf.String(), `"msg":"表示される"`)

	_, err = newLogHandler(&buf, "verbose", "text")
	assert.Error(t, err)
	_, err = newLogHandler(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestPricingFromConfig(t *testing.T) {
	p := pricingFromConfig(config.Default().Pricing)
	credits, ok := p.Plan("basic")
	require.True(t, ok)
	assert.Equal(t, 3.0, credits)
	assert.Equal(t, 0.02, p.CreditsForMinutes(1))
}

func TestCheckMicrophone(t *testing.T) {
	assert.NoError(t, checkMicrophone(true))
	err := checkMicrophone(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-tags portaudio")
}

func TestSwitchFailureMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "unavailable disables the mode",
			err:  fmt.Errorf("切り替えに失敗: %w", &capture.DeviceError{Kind: capture.Unavailable, Device: capture.DeviceScreen}),
			want: "screen は利用できないため、このセッションでは無効になりました。",
		},
		{
			name: "permission denied can be retried",
			err:  &capture.DeviceError{Kind: capture.PermissionDenied, Device: capture.DeviceCamera},
			want: "camera の利用が許可されませんでした。許可してから再度切り替えてください。",
		},
		{name: "flip outside camera", err: capture.ErrNotCamera, want: "カメラモードでのみ"},
		{name: "other", err: errors.New("boom"), want: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, switchFailureMessage(tt.err), tt.want)
		})
	}
}
