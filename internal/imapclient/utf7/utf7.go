// Package utf7 implements the modified UTF-7 encoding IMAP uses for
// mailbox names (RFC 3501 §5.1.3): UTF-16BE text is base64-encoded with
// '/' replaced by ',' and no padding, delimited by '&' and '-'. This is
// a direct port of the original encoder/decoder's algorithm, not the
// standard RFC 2152 UTF-7 the net package doesn't provide.
package utf7

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf16"
)

// modifiedB64 is the modified base64 alphabet: standard base64 with '/'
// swapped for ',' and no padding.
var modifiedB64 = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,").WithPadding(base64.NoPadding)

// Encode converts a plain UTF-8 mailbox name to its modified UTF-7
// wire form.
func Encode(s string) string {
	var out strings.Builder
	var run []rune

	flush := func() {
		if len(run) == 0 {
			return
		}
		out.WriteByte('&')
		out.WriteString(modifiedB64.EncodeToString(utf16BEBytes(run)))
		out.WriteByte('-')
		run = run[:0]
	}

	for _, r := range s {
		switch {
		case r >= 0x20 && r <= 0x25 || r >= 0x27 && r <= 0x7e:
			flush()
			out.WriteRune(r)
		case r == '&':
			flush()
			out.WriteString("&-")
		default:
			run = append(run, r)
		}
	}
	flush()
	return out.String()
}

// utf16BEBytes encodes runes as big-endian UTF-16 code units.
func utf16BEBytes(runes []rune) []byte {
	units := utf16.Encode(runes)
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		buf[2*i] = byte(u >> 8)
		buf[2*i+1] = byte(u)
	}
	return buf
}

// Decode converts a modified UTF-7 wire-form mailbox name back to
// plain UTF-8.
func Decode(s string) (string, error) {
	var out strings.Builder
	var b64 strings.Builder
	inB64 := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '&' && !inB64:
			inB64 = true
		case c == '-' && inB64:
			if b64.Len() == 0 {
				out.WriteByte('&')
			} else {
				decoded, err := decodeModifiedB64(b64.String())
				if err != nil {
					return "", err
				}
				out.WriteString(decoded)
				b64.Reset()
			}
			inB64 = false
		case inB64:
			b64.WriteByte(c)
		default:
			out.WriteByte(c)
		}
	}

	if inB64 {
		decoded, err := decodeModifiedB64(b64.String())
		if err != nil {
			return "", err
		}
		out.WriteString(decoded)
	}

	return out.String(), nil
}

func decodeModifiedB64(s string) (string, error) {
	raw, err := modifiedB64.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("utf7: decoding modified base64: %w", err)
	}
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("utf7: odd-length utf-16be payload")
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return string(utf16.Decode(units)), nil
}
