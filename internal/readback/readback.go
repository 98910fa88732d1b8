// Package readback encodes the initial buffer contents, decodes what the
// GPU left in mapped memory and describes how it differs from the
// identity sequence.
package readback

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const linePrefix = "buffer content : "

// Fill returns count slots holding sentinel.
func Fill(count int, sentinel int32) []int32 {
	values := make([]int32, count)
	for i := range values {
		values[i] = sentinel
	}
	return values
}

func Encode(values []int32, order binary.ByteOrder) ([]byte, error) {
	buf := &bytes.Buffer{}
	err := binary.Write(buf, order, values)
	if err != nil {
		return nil, errors.Wrap(err, "encode buffer contents")
	}
	return buf.Bytes(), nil
}

// Decode reads count signed 32-bit integers from mapped memory.
func Decode(data []byte, order binary.ByteOrder, count int) ([]int32, error) {
	size := count * 4
	if len(data) < size {
		return nil, errors.Newf("mapped range holds %d bytes, need %d for %d slots", len(data), size, count)
	}

	values := make([]int32, count)
	err := binary.Read(bytes.NewReader(data[:size]), order, values)
	if err != nil {
		return nil, errors.Wrap(err, "decode buffer contents")
	}
	return values, nil
}

// Line renders values the way the diagnostic prints them, every value
// followed by a single space.
func Line(values []int32) string {
	var sb strings.Builder
	sb.WriteString(linePrefix)
	for _, v := range values {
		sb.WriteString(strconv.FormatInt(int64(v), 10))
		sb.WriteByte(' ')
	}
	return sb.String()
}
