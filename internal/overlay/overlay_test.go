package overlay

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

func grayFrame(w, h int) *types.Frame {
	bgr := make([]byte, w*h*3)
	for i := range bgr {
		bgr[i] = 128
	}
	return &types.Frame{Width: w, Height: h, BGR: bgr}
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestRenderKeepsGeometry(t *testing.T) {
	data, err := New(80).Render(grayFrame(160, 120), types.Detection{}, types.PostureUnknown)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 160, 120), decode(t, data).Bounds())
}

func TestRenderRejectsInvalidFrame(t *testing.T) {
	_, err := New(80).Render(&types.Frame{Width: 4, Height: 4, BGR: make([]byte, 5)}, types.Detection{}, types.PostureGood)
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = New(80).Render(nil, types.Detection{}, types.PostureGood)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestRenderDrawsLabelBackgroundAndJoints(t *testing.T) {
	det := types.Detection{UserPresent: true, Landmarks: &types.Landmarks{
		Nose:          types.Point{X: 0.5, Y: 0.3, Confidence: 1},
		LeftShoulder:  types.Point{X: 0.4, Y: 0.5, Confidence: 1},
		RightShoulder: types.Point{X: 0.6, Y: 0.5, Confidence: 1},
	}}
	img := decode(t, mustRender(t, grayFrame(200, 200), det, types.PostureBad))

	// Label background in the top-left corner is dark.
	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Less(t, r>>8, uint32(40))
	assert.Less(t, g>>8, uint32(40))
	assert.Less(t, b>>8, uint32(40))

	// The nose joint is drawn in the bad-posture colour.
	r, g, _, _ = img.At(100, 60).RGBA()
	assert.Greater(t, r>>8, uint32(180))
	assert.Less(t, g>>8, uint32(120))
}

func TestLabelText(t *testing.T) {
	assert.Equal(t, "NO USER", label(types.PostureUnknown, false))
	assert.Equal(t, "GOOD POSTURE", label(types.PostureGood, true))
	assert.Equal(t, "BAD POSTURE", label(types.PostureBad, true))
}

func mustRender(t *testing.T, f *types.Frame, det types.Detection, p types.PostureState) []byte {
	t.Helper()
	data, err := New(95).Render(f, det, p)
	require.NoError(t, err)
	return data
}
