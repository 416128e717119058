package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

type FileType string

const (
	TypeImage FileType = "image"
	TypePDF   FileType = "pdf"
)

type Orientation string

const (
	OrientationPortrait  Orientation = "portrait"
	OrientationLandscape Orientation = "landscape"
)

type ScaleMode string

const (
	ScaleFit       ScaleMode = "fit"
	ScaleFill      ScaleMode = "fill"
	ScaleGrayscale ScaleMode = "grayscale"
)

const (
	PagesAll = "all"

	MinCopies        = 1
	MaxCopies        = 100
	MinScalePercent  = 1
	MaxScalePercent  = 100
	MaxMarginPercent = 49
)

// Settings are the per-file print settings after defaults and clamping.
type Settings struct {
	FileIndex     int         `json:"file_index"`
	Type          FileType    `json:"type,omitempty"`
	Copies        int         `json:"copies"`
	Pages         string      `json:"pages"`
	Orientation   Orientation `json:"orientation"`
	ScalePercent  int         `json:"scale_percent"`
	Scale         ScaleMode   `json:"scale"`
	MarginPercent int         `json:"margin_percent"`
}

func DefaultSettings(fileIndex int) Settings {
	if fileIndex < 1 {
		fileIndex = 1
	}
	return Settings{
		FileIndex:     fileIndex,
		Copies:        1,
		Pages:         PagesAll,
		Orientation:   OrientationPortrait,
		ScalePercent:  100,
		Scale:         ScaleFit,
		MarginPercent: 0,
	}
}

// Normalize re-applies defaults and clamps to an already typed value.
func (s Settings) Normalize() Settings {
	return s.Raw().Normalize(s.FileIndex)
}

// Raw converts s back to loose form, dropping zero values so they pick up
// defaults again.
func (s Settings) Raw() RawSettings {
	var r RawSettings
	if s.FileIndex != 0 {
		r.FileIndex = flexPtr(s.FileIndex)
	}
	if s.Type != "" {
		r.Type = strPtr(string(s.Type))
	}
	if s.Copies != 0 {
		r.Copies = flexPtr(s.Copies)
	}
	if s.Pages != "" {
		r.Pages = strPtr(s.Pages)
	}
	if s.Orientation != "" {
		r.Orientation = strPtr(string(s.Orientation))
	}
	if s.ScalePercent != 0 {
		r.ScalePercent = flexPtr(s.ScalePercent)
	}
	if s.Scale != "" {
		r.Scale = strPtr(string(s.Scale))
	}
	r.MarginPercent = flexPtr(s.MarginPercent)
	return r
}

// PageList splits Pages into its comma separated selections, nil for "all".
func (s Settings) PageList() []string {
	if s.Pages == "" || s.Pages == PagesAll {
		return nil
	}
	return strings.Split(s.Pages, ",")
}

// RawSettings is the loose form accepted from the instruction resolver and
// API clients. Every field is optional.
type RawSettings struct {
	FileIndex     *FlexInt `json:"file_index,omitempty"`
	Type          *string  `json:"type,omitempty"`
	Copies        *FlexInt `json:"copies,omitempty"`
	Pages         *string  `json:"pages,omitempty"`
	Orientation   *string  `json:"orientation,omitempty"`
	ScalePercent  *FlexInt `json:"scale_percent,omitempty"`
	Scale         *string  `json:"scale,omitempty"`
	MarginPercent *FlexInt `json:"margin_percent,omitempty"`
}

// Normalize applies defaults to missing fields and clamps numeric ones.
// Unknown enum values fall back to their defaults.
func (r RawSettings) Normalize(fileIndex int) Settings {
	s := DefaultSettings(fileIndex)

	if r.FileIndex != nil && int(*r.FileIndex) >= 1 {
		s.FileIndex = int(*r.FileIndex)
	}
	if r.Type != nil {
		switch t := FileType(strings.ToLower(strings.TrimSpace(*r.Type))); t {
		case TypeImage, TypePDF:
			s.Type = t
		}
	}
	if r.Copies != nil {
		s.Copies = clamp(int(*r.Copies), MinCopies, MaxCopies)
	}
	if r.Pages != nil {
		if pages, err := NormalizePages(*r.Pages); err == nil {
			s.Pages = pages
		}
	}
	if r.Orientation != nil {
		switch o := Orientation(strings.ToLower(strings.TrimSpace(*r.Orientation))); o {
		case OrientationPortrait, OrientationLandscape:
			s.Orientation = o
		}
	}
	if r.ScalePercent != nil {
		s.ScalePercent = clamp(int(*r.ScalePercent), MinScalePercent, MaxScalePercent)
	}
	if r.Scale != nil {
		switch m := ScaleMode(strings.ToLower(strings.TrimSpace(*r.Scale))); m {
		case ScaleFit, ScaleFill, ScaleGrayscale:
			s.Scale = m
		}
	}
	if r.MarginPercent != nil {
		s.MarginPercent = clamp(int(*r.MarginPercent), 0, MaxMarginPercent)
	}
	return s
}

// DecodeSettings parses a stored settings blob. Fields that fail to parse
// are defaulted rather than rejected.
func DecodeSettings(data []byte) (Settings, error) {
	var raw RawSettings
	if len(bytes.TrimSpace(data)) == 0 {
		return DefaultSettings(1), nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return DefaultSettings(1), fmt.Errorf("decode settings: %w", err)
	}
	return raw.Normalize(1), nil
}

// NormalizePages validates a page selection such as "1-3,5,8-". The result
// has whitespace removed; empty input and "all" both mean every page.
func NormalizePages(pages string) (string, error) {
	p := strings.ToLower(strings.Join(strings.Fields(pages), ""))
	if p == "" || p == PagesAll {
		return PagesAll, nil
	}

	for _, part := range strings.Split(p, ",") {
		if part == "" {
			return "", fmt.Errorf("empty page selection in %q", pages)
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 1 {
			return "", fmt.Errorf("invalid page %q", part)
		}
		if !isRange || hi == "" {
			continue
		}
		last, err := strconv.Atoi(hi)
		if err != nil || last < first {
			return "", fmt.Errorf("invalid page range %q", part)
		}
	}
	return p, nil
}

// TypeForName infers the settings type from a file name.
func TypeForName(name string) FileType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return TypePDF
	case ".jpg", ".jpeg", ".png", ".bmp", ".gif":
		return TypeImage
	}
	return ""
}

// FlexInt decodes from a JSON number or a numeric string. Fractions are
// truncated.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	text = strings.TrimSuffix(text, "%")

	if n, err := strconv.Atoi(text); err == nil {
		*f = FlexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", data)
	}
	*f = FlexInt(int(v))
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func flexPtr(v int) *FlexInt {
	f := FlexInt(v)
	return &f
}

func strPtr(v string) *string {
	return &v
}
