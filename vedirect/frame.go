package vedirect

import (
	"strings"

	"github.com/juju/errors"
)

type Field struct {
	Label string
	Value string
}

// ParseFields accepts "label=value" words, e.g. "V=12560 SOC=500 PID=0xA389".
func ParseFields(s string) ([]Field, error) {
	words := strings.Fields(s)
	fs := make([]Field, 0, len(words))
	for _, w := range words {
		i := strings.IndexByte(w, '=')
		if i <= 0 {
			return nil, errors.NotValidf("field='%s' expected label=value", w)
		}
		fs = append(fs, Field{Label: w[:i], Value: w[i+1:]})
	}
	return fs, nil
}

// AppendFrame appends fields and trailing checksum field to dst.
// Checksum byte makes 8-bit sum of all frame bytes zero.
func AppendFrame(dst []byte, fields ...Field) []byte {
	start := len(dst)
	for _, f := range fields {
		dst = append(dst, '\r', '\n')
		dst = append(dst, f.Label...)
		dst = append(dst, '\t')
		dst = append(dst, f.Value...)
	}
	dst = append(dst, '\r', '\n')
	dst = append(dst, checksumLabel...)
	dst = append(dst, '\t')
	var sum uint8
	for _, b := range dst[start:] {
		sum += b
	}
	return append(dst, -sum)
}
