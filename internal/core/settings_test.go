package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawSettings_EmptyAppliesDefaults(t *testing.T) {
	s := RawSettings{}.Normalize(2)

	assert.Equal(t, 2, s.FileIndex)
	assert.Equal(t, 1, s.Copies)
	assert.Equal(t, "all", s.Pages)
	assert.Equal(t, OrientationPortrait, s.Orientation)
	assert.Equal(t, 100, s.ScalePercent)
	assert.Equal(t, ScaleFit, s.Scale)
	assert.Equal(t, 0, s.MarginPercent)
}

func TestRawSettings_Clamping(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, s Settings)
	}{
		{
			name:  "scale above range",
			input: `{"scale_percent": 150}`,
			check: func(t *testing.T, s Settings) { assert.Equal(t, 100, s.ScalePercent) },
		},
		{
			name:  "scale zero",
			input: `{"scale_percent": 0}`,
			check: func(t *testing.T, s Settings) { assert.Equal(t, 1, s.ScalePercent) },
		},
		{
			name:  "negative copies",
			input: `{"copies": -4}`,
			check: func(t *testing.T, s Settings) { assert.Equal(t, 1, s.Copies) },
		},
		{
			name:  "too many copies",
			input: `{"copies": 5000}`,
			check: func(t *testing.T, s Settings) { assert.Equal(t, 100, s.Copies) },
		},
		{
			name:  "margin capped",
			input: `{"margin_percent": 80}`,
			check: func(t *testing.T, s Settings) { assert.Equal(t, 49, s.MarginPercent) },
		},
		{
			name:  "numbers as strings",
			input: `{"copies": "3", "scale_percent": "75%", "margin_percent": "5.8"}`,
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 3, s.Copies)
				assert.Equal(t, 75, s.ScalePercent)
				assert.Equal(t, 5, s.MarginPercent)
			},
		},
		{
			name:  "unknown enums fall back",
			input: `{"orientation": "diagonal", "scale": "stretch", "type": "docx"}`,
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, OrientationPortrait, s.Orientation)
				assert.Equal(t, ScaleFit, s.Scale)
				assert.Equal(t, FileType(""), s.Type)
			},
		},
		{
			name:  "case insensitive enums",
			input: `{"orientation": "Landscape", "scale": "GRAYSCALE", "type": "PDF"}`,
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, OrientationLandscape, s.Orientation)
				assert.Equal(t, ScaleGrayscale, s.Scale)
				assert.Equal(t, TypePDF, s.Type)
			},
		},
		{
			name:  "invalid pages fall back to all",
			input: `{"pages": "3-1"}`,
			check: func(t *testing.T, s Settings) { assert.Equal(t, "all", s.Pages) },
		},
		{
			name:  "pages trimmed",
			input: `{"pages": " 1-3, 5 "}`,
			check: func(t *testing.T, s Settings) { assert.Equal(t, "1-3,5", s.Pages) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw RawSettings
			require.NoError(t, json.Unmarshal([]byte(tt.input), &raw))
			tt.check(t, raw.Normalize(1))
		})
	}
}

func TestFlexInt_RejectsGarbage(t *testing.T) {
	var raw RawSettings
	err := json.Unmarshal([]byte(`{"copies": "two"}`), &raw)
	require.Error(t, err)
}

func TestDecodeSettings(t *testing.T) {
	s, err := DecodeSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(1), s)

	s, err = DecodeSettings([]byte(`{"file_index":2,"copies":2,"pages":"1-2","orientation":"landscape"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, s.FileIndex)
	assert.Equal(t, 2, s.Copies)
	assert.Equal(t, []string{"1-2"}, s.PageList())
	assert.Equal(t, OrientationLandscape, s.Orientation)

	_, err = DecodeSettings([]byte(`{not json`))
	require.Error(t, err)
}

func TestSettings_NormalizeRoundTrip(t *testing.T) {
	s := Settings{FileIndex: 3, Copies: 0, ScalePercent: 250, Scale: "bogus"}.Normalize()

	assert.Equal(t, 3, s.FileIndex)
	assert.Equal(t, 1, s.Copies)
	assert.Equal(t, 100, s.ScalePercent)
	assert.Equal(t, ScaleFit, s.Scale)
	assert.Equal(t, "all", s.Pages)
	assert.Nil(t, s.PageList())
}

func TestNormalizePages(t *testing.T) {
	valid := map[string]string{
		"":        "all",
		"ALL":     "all",
		"2":       "2",
		"1-3,5":   "1-3,5",
		"4-":      "4-",
		" 7 - 9 ": "7-9",
	}
	for in, want := range valid {
		got, err := NormalizePages(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"0", "a-b", "5-2", "1,,2", "-3"} {
		_, err := NormalizePages(in)
		assert.Error(t, err, in)
	}
}

func TestTypeForName(t *testing.T) {
	assert.Equal(t, TypePDF, TypeForName("report.PDF"))
	assert.Equal(t, TypeImage, TypeForName("photo.jpeg"))
	assert.Equal(t, FileType(""), TypeForName("notes.txt"))
}
