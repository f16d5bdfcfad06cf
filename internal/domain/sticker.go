package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MinSteps     = 10
	MaxSteps     = 50
	DefaultSteps = 20

	DefaultSize = 768

	// MaxPromptLength is counted in runes.
	MaxPromptLength = 1000

	OutputFormatPNG      = "png"
	DefaultOutputQuality = 100
	DefaultNumImages     = 1
)

// Size is a supported square sticker edge length in pixels.
type Size int

const (
	SizeSmall  Size = 576
	SizeMedium Size = 768
	SizeLarge  Size = 1152
)

// SupportedSizes lists the sizes accepted by the sticker model.
var SupportedSizes = []Size{SizeSmall, SizeMedium, SizeLarge}

// ParseSize accepts either a pixel value ("768") or a label ("medium").
func ParseSize(s string) (Size, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "small", "576":
		return SizeSmall, nil
	case "medium", "768", "":
		return SizeMedium, nil
	case "large", "1152":
		return SizeLarge, nil
	}
	return 0, NewValidationError("parse size", fmt.Sprintf("unsupported size %q", s))
}

func (s Size) valid() bool {
	for _, supported := range SupportedSizes {
		if s == supported {
			return true
		}
	}
	return false
}

// GenerationRequest represents the parameters sent to the sticker model
type GenerationRequest struct {
	Prompt         string `json:"prompt"`
	Steps          int    `json:"steps"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	OutputFormat   string `json:"output_format"`
	OutputQuality  int    `json:"output_quality"`
	NegativePrompt string `json:"negative_prompt"`
	NumberOfImages int    `json:"number_of_images"`
}

// NewGenerationRequest builds a validated request with the fixed output settings.
// A zero steps or size selects the default.
func NewGenerationRequest(prompt string, steps int, size Size) (GenerationRequest, error) {
	if steps == 0 {
		steps = DefaultSteps
	}
	if size == 0 {
		size = DefaultSize
	}

	req := GenerationRequest{
		Prompt:         strings.TrimSpace(prompt),
		Steps:          steps,
		Width:          int(size),
		Height:         int(size),
		OutputFormat:   OutputFormatPNG,
		OutputQuality:  DefaultOutputQuality,
		NumberOfImages: DefaultNumImages,
	}
	if err := req.Validate(); err != nil {
		return GenerationRequest{}, err
	}
	return req, nil
}

// WithNegativePrompt returns a copy carrying the given negative prompt.
func (r GenerationRequest) WithNegativePrompt(negative string) GenerationRequest {
	r.NegativePrompt = strings.TrimSpace(negative)
	return r
}

// Validate checks the local preconditions for submission.
func (r GenerationRequest) Validate() error {
	const op = "validate request"

	if strings.TrimSpace(r.Prompt) == "" {
		return NewValidationError(op, "prompt is required")
	}
	if n := utf8.RuneCountInString(r.Prompt); n > MaxPromptLength {
		return NewValidationError(op, fmt.Sprintf("prompt is %d characters, maximum is %d", n, MaxPromptLength))
	}
	if r.Steps < MinSteps || r.Steps > MaxSteps {
		return NewValidationError(op, fmt.Sprintf("steps must be between %d and %d, got %d", MinSteps, MaxSteps, r.Steps))
	}
	if r.Width != r.Height {
		return NewValidationError(op, fmt.Sprintf("width and height must match, got %dx%d", r.Width, r.Height))
	}
	if !Size(r.Width).valid() {
		return NewValidationError(op, fmt.Sprintf("unsupported size %d", r.Width))
	}
	if r.OutputFormat != OutputFormatPNG {
		return NewValidationError(op, fmt.Sprintf("unsupported output format %q", r.OutputFormat))
	}
	if r.OutputQuality != DefaultOutputQuality {
		return NewValidationError(op, fmt.Sprintf("output quality must be %d", DefaultOutputQuality))
	}
	if r.NumberOfImages != DefaultNumImages {
		return NewValidationError(op, fmt.Sprintf("number of images must be %d", DefaultNumImages))
	}
	return nil
}

// TruncatePrompt safely truncates a string to the specified length while preserving UTF-8 characters
func TruncatePrompt(s string, length int) string {
	if utf8.RuneCountInString(s) <= length {
		return s
	}

	var size, n int
	for i := 0; i < length && n < len(s); i++ {
		_, size = utf8.DecodeRuneInString(s[n:])
		n += size
	}

	return s[:n]
}
