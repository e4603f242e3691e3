// Package pairing turns raw pairing challenges from the transport into
// artifacts a caller can display: a PNG QR code, a terminal rendering of the
// same code, and the raw code text, together with the artifact's validity
// window.
package pairing

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
)

// ErrEmptyChallenge is returned when the transport hands over an empty challenge.
var ErrEmptyChallenge = errors.New("empty pairing challenge")

// Encodings reported in Artifact.CodeEncoding.
const (
	EncodingText   = "text"
	EncodingBase64 = "base64"
)

// Defaults for Config.
const (
	DefaultTTL       = 60 * time.Second
	DefaultImageSize = 256
)

// Artifact is the display-ready form of one pairing challenge.
type Artifact struct {
	// Code is the challenge payload encoded in the QR code. Challenges
	// that are not valid UTF-8 are carried base64 encoded so they survive
	// JSON; the QR code itself always holds the raw bytes.
	Code string `json:"code"`

	// CodeEncoding is EncodingText or EncodingBase64.
	CodeEncoding string `json:"code_encoding"`

	// Image is a data URL holding the QR code as PNG.
	Image string `json:"image"`

	// Text is the QR code drawn with block characters for terminals.
	Text string `json:"text,omitempty"`

	// IssuedAt is when the artifact was rendered.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the artifact stops being displayable.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the artifact's validity window has passed.
func (a *Artifact) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Config holds configuration for the Coordinator.
type Config struct {
	// TTL is how long an artifact stays displayable.
	// Default: 60 seconds.
	TTL time.Duration

	// ImageSize is the PNG edge length in pixels.
	// Default: 256.
	ImageSize int

	// Level is the QR error correction level.
	// Default: qrcode.Medium.
	Level qrcode.RecoveryLevel

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time

	// Logger receives render diagnostics.
	Logger zerolog.Logger
}

// Coordinator renders pairing challenges into artifacts.
// It holds no per-session state and is safe for concurrent use.
type Coordinator struct {
	config Config
}

// NewCoordinator creates a Coordinator with defaults applied.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = DefaultImageSize
	}
	if cfg.Level == 0 {
		cfg.Level = qrcode.Medium
	}
	if cfg.TimeNow == nil {
		cfg.TimeNow = time.Now
	}
	return &Coordinator{config: cfg}
}

// TTL returns the configured validity window.
func (c *Coordinator) TTL() time.Duration {
	return c.config.TTL
}

// Render converts one challenge into an artifact.
func (c *Coordinator) Render(challenge []byte) (*Artifact, error) {
	if len(challenge) == 0 {
		return nil, ErrEmptyChallenge
	}

	// Non-UTF-8 payloads go into the symbol in byte mode unchanged.
	qr, err := qrcode.New(string(challenge), c.config.Level)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}

	png, err := qr.PNG(c.config.ImageSize)
	if err != nil {
		return nil, fmt.Errorf("render png: %w", err)
	}

	now := c.config.TimeNow()
	artifact := &Artifact{
		Code:         string(challenge),
		CodeEncoding: EncodingText,
		Image:        "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		Text:         qr.ToString(false),
		IssuedAt:     now,
		ExpiresAt:    now.Add(c.config.TTL),
	}
	if !utf8.Valid(challenge) {
		artifact.Code = base64.StdEncoding.EncodeToString(challenge)
		artifact.CodeEncoding = EncodingBase64
	}

	c.config.Logger.Debug().
		Int("png_bytes", len(png)).
		Time("expires_at", artifact.ExpiresAt).
		Msg("pairing: rendered artifact")

	return artifact, nil
}

// RenderAsync renders challenge in its own goroutine and hands the result
// to deliver. deliver decides whether the result is still wanted.
func (c *Coordinator) RenderAsync(challenge []byte, deliver func(*Artifact, error)) {
	// Copy so the transport may reuse its buffer.
	payload := append([]byte(nil), challenge...)
	go func() {
		deliver(c.Render(payload))
	}()
}
