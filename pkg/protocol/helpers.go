package protocol

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// ErrNotDataURI is returned when a string is not a base64 data URI.
var ErrNotDataURI = errors.New("not a base64 data URI")

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewFrameMessage creates a frame message from an encoded still image.
// The settings snapshot is copied so the message reflects capture time.
func NewFrameMessage(ts time.Time, mime string, data []byte, settings QuerySettings) *FrameMessage {
	return &FrameMessage{
		Type:      TypeFrame,
		Timestamp: FormatTimestamp(ts),
		Image:     DataURI(mime, data),
		Settings:  settings.Clone(),
	}
}

// DataURI encodes data as "data:<mime>;base64,<payload>".
func DataURI(mime string, data []byte) string {
	if mime == "" {
		mime = "image/jpeg"
	}
	var b strings.Builder
	b.Grow(len(mime) + 13 + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(mime)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

// ParseDataURI splits a base64 data URI into its MIME type and payload.
func ParseDataURI(uri string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, ErrNotDataURI
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrNotDataURI
	}
	mime, ok = strings.CutSuffix(header, ";base64")
	if !ok {
		return "", nil, ErrNotDataURI
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, err
	}
	return mime, data, nil
}

// Best returns the highest scoring match, preferring the earliest on ties.
func Best(matches []Match) *Match {
	if len(matches) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[best].Score {
			best = i
		}
	}
	m := matches[best]
	return &m
}
