// Package codec implements the Yate external-module wire encoding: escaping
// of field bytes and colon-delimited joining/splitting of records.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDecode is the sentinel wrapped by every decode failure. Callers can
// match it with errors.Is without caring about the offending byte.
var ErrDecode = errors.New("yate: invalid field encoding")

// DecodeError reports a malformed escape sequence encountered while
// unescaping a field.
type DecodeError struct {
	Byte byte // the upcode byte that failed validation
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("yate: invalid upcode %#x after %%", e.Byte)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// EncodeField escapes a single field for the wire: every byte below 0x20 or
// equal to ':' becomes "%X" (X = byte+0x40), '%' becomes "%%", everything
// else passes through unchanged.
func EncodeField(field string) string {
	var b strings.Builder
	b.Grow(len(field))
	for i := 0; i < len(field); i++ {
		c := field[i]
		switch {
		case c < 0x20 || c == ':':
			b.WriteByte('%')
			b.WriteByte(c + 0x40)
		case c == '%':
			b.WriteString("%%")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// DecodeField is the inverse of EncodeField. It fails with a *DecodeError if
// an escape sequence names an upcode below 0x40 (i.e. would decode to a
// negative or otherwise invalid byte).
func DecodeField(field string) (string, error) {
	var b strings.Builder
	b.Grow(len(field))
	escaped := false
	for i := 0; i < len(field); i++ {
		c := field[i]
		if escaped {
			if c == '%' {
				b.WriteByte('%')
			} else {
				if c < 0x40 {
					return "", &DecodeError{Byte: c}
				}
				b.WriteByte(c - 0x40)
			}
			escaped = false
			continue
		}
		if c == '%' {
			escaped = true
			continue
		}
		b.WriteByte(c)
	}
	if escaped {
		// A trailing '%' with nothing following is itself an invalid upcode;
		// there is no byte to report, so use '%' itself for a sensible message.
		return "", &DecodeError{Byte: '%'}
	}
	return b.String(), nil
}

// EncodeJoin escapes each field and joins them with ':', producing one
// complete wire record (without the trailing newline).
func EncodeJoin(fields ...string) string {
	encoded := make([]string, len(fields))
	for i, f := range fields {
		encoded[i] = EncodeField(f)
	}
	return strings.Join(encoded, ":")
}

// DecodeSplit splits a raw wire record on ':' and decodes each field.
func DecodeSplit(line string) ([]string, error) {
	parts := strings.Split(line, ":")
	out := make([]string, len(parts))
	for i, p := range parts {
		dec, err := DecodeField(p)
		if err != nil {
			return nil, fmt.Errorf("decoding field %d: %w", i, err)
		}
		out[i] = dec
	}
	return out, nil
}
