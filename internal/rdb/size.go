package rdb

import (
	"encoding/binary"
	"fmt"
)

// opcodes and value-type tags used by the subset of the format this
// package implements.
const (
	opSelectDB   = 0xFE
	opResizeDB   = 0xFB
	opExpireMS   = 0xFC
	opExpireSec  = 0xFD
	opEOF        = 0xFF
	typeString   = 0x00
	encInt8      = 0xC0
	encInt16     = 0xC1
	encInt32     = 0xC2
	sizeMode6Bit = 0x00
	sizeMode14   = 0x01
	sizeMode32   = 0x02
	sizeModeEnc  = 0x03
)

// writeSize appends the RDB length encoding for n: 6 bits, 14 bits, or a
// 32-bit big-endian form, choosing the smallest that fits.
func writeSize(buf []byte, n int) []byte {
	switch {
	case n < 1<<6:
		return append(buf, byte(n))
	case n < 1<<14:
		return append(buf, byte(sizeMode14<<6)|byte(n>>8), byte(n))
	default:
		b := make([]byte, 5)
		b[0] = sizeMode32 << 6
		binary.BigEndian.PutUint32(b[1:], uint32(n))
		return append(buf, b...)
	}
}

// readSize decodes a length field starting at data[0], returning the
// value and the number of bytes consumed. isIntEnc reports whether the
// special integer encoding (mode 11) applied and which width.
func readSize(data []byte) (n int, consumed int, isIntEnc bool, intWidth int, err error) {
	if len(data) == 0 {
		return 0, 0, false, 0, fmt.Errorf("rdb: truncated size field")
	}
	first := data[0]
	mode := (first & 0xC0) >> 6
	switch mode {
	case sizeMode6Bit:
		return int(first & 0x3F), 1, false, 0, nil
	case sizeMode14:
		if len(data) < 2 {
			return 0, 0, false, 0, fmt.Errorf("rdb: truncated 14-bit size field")
		}
		return int(first&0x3F)<<8 | int(data[1]), 2, false, 0, nil
	case sizeMode32:
		if len(data) < 5 {
			return 0, 0, false, 0, fmt.Errorf("rdb: truncated 32-bit size field")
		}
		return int(binary.BigEndian.Uint32(data[1:5])), 5, false, 0, nil
	default: // sizeModeEnc
		switch first {
		case encInt8:
			return 0, 1, true, 1, nil
		case encInt16:
			return 0, 1, true, 2, nil
		case encInt32:
			return 0, 1, true, 4, nil
		default:
			return 0, 0, false, 0, fmt.Errorf("rdb: unsupported special encoding 0x%02x", first)
		}
	}
}

// writeString appends a size-encoded byte string.
func writeString(buf []byte, s []byte) []byte {
	buf = writeSize(buf, len(s))
	return append(buf, s...)
}

// readString decodes a size-encoded string (or special integer encoding,
// rendered as decimal ASCII) starting at data[0].
func readString(data []byte) (value []byte, consumed int, err error) {
	n, used, isIntEnc, width, err := readSize(data)
	if err != nil {
		return nil, 0, err
	}
	if isIntEnc {
		rest := data[used:]
		if len(rest) < width {
			return nil, 0, fmt.Errorf("rdb: truncated integer encoding")
		}
		var iv int64
		switch width {
		case 1:
			iv = int64(int8(rest[0]))
		case 2:
			iv = int64(int16(binary.LittleEndian.Uint16(rest)))
		case 4:
			iv = int64(int32(binary.LittleEndian.Uint32(rest)))
		}
		return []byte(fmt.Sprintf("%d", iv)), used + width, nil
	}
	rest := data[used:]
	if len(rest) < n {
		return nil, 0, fmt.Errorf("rdb: truncated string payload")
	}
	return rest[:n], used + n, nil
}
