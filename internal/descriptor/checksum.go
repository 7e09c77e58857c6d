package descriptor

import (
	"strings"

	"github.com/klingon-exchange/walletbridge/internal/failure"
)

const (
	inputCharset    = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

func polymod(c uint64, val uint64) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ val
	if c0&1 != 0 {
		c ^= 0xf5dee51989
	}
	if c0&2 != 0 {
		c ^= 0xa9fdca3312
	}
	if c0&4 != 0 {
		c ^= 0x1bab10e32d
	}
	if c0&8 != 0 {
		c ^= 0x3706b1677a
	}
	if c0&16 != 0 {
		c ^= 0x644d626ffd
	}
	return c
}

// Checksum computes the 8-character descriptor checksum of s.
func Checksum(s string) (string, error) {
	c := uint64(1)
	cls, clscount := uint64(0), 0
	for _, ch := range s {
		pos := strings.IndexRune(inputCharset, ch)
		if pos < 0 {
			return "", failure.New(failure.ValidationError, "invalid character %q in descriptor", ch)
		}
		c = polymod(c, uint64(pos&31))
		cls = cls*3 + uint64(pos>>5)
		clscount++
		if clscount == 3 {
			c = polymod(c, cls)
			cls, clscount = 0, 0
		}
	}
	if clscount > 0 {
		c = polymod(c, cls)
	}
	for i := 0; i < 8; i++ {
		c = polymod(c, 0)
	}
	c ^= 1

	out := make([]byte, 8)
	for j := 0; j < 8; j++ {
		out[j] = checksumCharset[(c>>(5*(7-j)))&31]
	}
	return string(out), nil
}

// AddChecksum appends #checksum to s.
func AddChecksum(s string) (string, error) {
	sum, err := Checksum(s)
	if err != nil {
		return "", err
	}
	return s + "#" + sum, nil
}

// splitChecksum separates a descriptor from its checksum and verifies it
// when present.
func splitChecksum(s string) (string, error) {
	body, sum, ok := strings.Cut(s, "#")
	if !ok {
		return body, nil
	}
	want, err := Checksum(body)
	if err != nil {
		return "", err
	}
	if sum != want {
		return "", failure.New(failure.ValidationError, "invalid descriptor checksum %q, expected %q", sum, want)
	}
	return body, nil
}
