// Package sticker renders the QR codes printed on booth signs.
package sticker

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 320

const stampPath = "/stamp"

var filenameCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	// ErrInvalidBaseURL indicates a base URL that is not absolute.
	ErrInvalidBaseURL = errors.New("sticker: base url must be absolute")
	// ErrEmptyCode indicates a booth without a code.
	ErrEmptyCode = errors.New("sticker: booth code is required")
	// ErrUnsafeCode indicates a booth code that cannot be used as a file name.
	ErrUnsafeCode = errors.New("sticker: booth code is not a safe file name")
)

// BoothURL returns the link a booth sticker encodes: {base}/stamp?booth={code}.
func BoothURL(baseURL, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrEmptyCode
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return "", ErrInvalidBaseURL
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + stampPath
	parsed.RawQuery = url.Values{"booth": []string{code}}.Encode()
	parsed.Fragment = ""
	return parsed.String(), nil
}

// Sticker is one rendered booth code.
type Sticker struct {
	Code string
	Name string
	URL  string
	PNG  []byte
}

// Filename is the name the sticker is written under. Codes are limited to
// letters, digits, '-' and '_' so the file stays inside its directory.
func (s Sticker) Filename() (string, error) {
	if !filenameCodePattern.MatchString(s.Code) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeCode, s.Code)
	}
	return s.Code + ".png", nil
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	BaseURL string
	Size    int
}

// Generator renders stickers for a booth catalog.
type Generator struct {
	baseURL string
	size    int
}

// NewGenerator validates cfg.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if _, err := BoothURL(cfg.BaseURL, "probe"); err != nil {
		return nil, err
	}
	size := cfg.Size
	if size <= 0 {
		size = DefaultSize
	}
	return &Generator{baseURL: cfg.BaseURL, size: size}, nil
}

// Generate renders one sticker per active booth, in catalog order.
func (g *Generator) Generate(booths []backend.Booth) ([]Sticker, error) {
	stickers := make([]Sticker, 0, len(booths))
	for _, booth := range booths {
		if !booth.IsActive {
			continue
		}
		if !filenameCodePattern.MatchString(booth.Code) {
			return nil, fmt.Errorf("%w: %q", ErrUnsafeCode, booth.Code)
		}
		link, err := BoothURL(g.baseURL, booth.Code)
		if err != nil {
			return nil, fmt.Errorf("sticker %q: %w", booth.Code, err)
		}
		png, err := qrcode.Encode(link, qrcode.Medium, g.size)
		if err != nil {
			return nil, fmt.Errorf("sticker %q: encode: %w", booth.Code, err)
		}
		stickers = append(stickers, Sticker{Code: booth.Code, Name: booth.Name, URL: link, PNG: png})
	}
	return stickers, nil
}

// WriteDir writes every sticker as {code}.png into dir, creating it if needed.
func WriteDir(dir string, stickers []Sticker) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sticker: create %s: %w", dir, err)
	}
	for _, sticker := range stickers {
		name, err := sticker.Filename()
		if err != nil {
			return err
		}
		target := filepath.Join(dir, name)
		if err := os.WriteFile(target, sticker.PNG, 0o644); err != nil {
			return fmt.Errorf("sticker: write %s: %w", target, err)
		}
	}
	return nil
}
