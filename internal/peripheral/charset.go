package peripheral

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Charset selects how incoming bytes are turned into text.
type Charset string

const (
	CharsetASCII Charset = "ascii"
	CharsetUTF8  Charset = "utf-8"
)

// ParseCharset maps a configuration value to a Charset.
func ParseCharset(s string) (Charset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ascii", "us-ascii":
		return CharsetASCII, nil
	case "utf-8", "utf8", "":
		return CharsetUTF8, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCharset, s)
	}
}

// Decode converts raw bytes to text. ASCII replaces every byte above 0x7F
// with '?'; UTF-8 replaces invalid sequences with U+FFFD.
func (c Charset) Decode(data []byte) string {
	switch c {
	case CharsetASCII:
		out := make([]byte, len(data))
		for i, b := range data {
			if b > 0x7F {
				b = '?'
			}
			out[i] = b
		}
		return string(out)
	default:
		if utf8.Valid(data) {
			return string(data)
		}
		return strings.ToValidUTF8(string(data), "�")
	}
}
