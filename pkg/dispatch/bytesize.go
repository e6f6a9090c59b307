package dispatch

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a quantity of bytes parsed from a human string such as
// "10M" or "512K". Suffixes are base 1024: K, M, G.
type ByteSize int64

const (
	byteSizeKB ByteSize = 1 << (10 * (iota + 1))
	byteSizeMB
	byteSizeGB
)

// ParseByteSize parses strings of the form "<integer>[K|M|G]". A bare
// integer is interpreted as a byte count.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("dispatch: empty byte size")
	}

	mult := ByteSize(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = byteSizeKB
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = byteSizeMB
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = byteSizeGB
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dispatch: invalid byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("dispatch: negative byte size %q", s)
	}

	return ByteSize(n) * mult, nil
}

// Bytes returns the size as a plain int64 byte count.
func (b ByteSize) Bytes() int64 { return int64(b) }

func (b ByteSize) String() string {
	switch {
	case b >= byteSizeGB && b%byteSizeGB == 0:
		return fmt.Sprintf("%dG", b/byteSizeGB)
	case b >= byteSizeMB && b%byteSizeMB == 0:
		return fmt.Sprintf("%dM", b/byteSizeMB)
	case b >= byteSizeKB && b%byteSizeKB == 0:
		return fmt.Sprintf("%dK", b/byteSizeKB)
	default:
		return fmt.Sprintf("%d", int64(b))
	}
}

// alignUp rounds n up to the next multiple of alignment, which must be
// a power of two.
func alignUp(n, alignment int32) int32 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// isPowerOfTwo reports whether n is a positive power of two.
func isPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n int64) int64 {
	if n <= 1 {
		return 1
	}
	p := int64(1)
	for p < n {
		p <<= 1
	}
	return p
}
