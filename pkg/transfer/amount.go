package transfer

import "encoding/binary"

// Amount is an 8-byte big-endian unsigned value. Balances, transfer amounts
// and the offline spending limit all use it. Arithmetic runs byte by byte
// with an explicit carry so card and host agree on every edge.
type Amount [8]byte

// AmountFromUint64 encodes v.
func AmountFromUint64(v uint64) Amount {
	var a Amount
	binary.BigEndian.PutUint64(a[:], v)
	return a
}

// Uint64 decodes the amount for display.
func (a Amount) Uint64() uint64 {
	return binary.BigEndian.Uint64(a[:])
}

// Add returns a+b. overflow is true when the carry leaves the top byte; the
// sum is then truncated and must not be used.
func (a Amount) Add(b Amount) (sum Amount, overflow bool) {
	carry := 0
	for i := len(a) - 1; i >= 0; i-- {
		v := int(a[i]) + int(b[i]) + carry
		sum[i] = byte(v)
		carry = v >> 8
	}
	return sum, carry != 0
}

// Sub returns a-b. borrow is true when b > a.
func (a Amount) Sub(b Amount) (diff Amount, borrow bool) {
	br := 0
	for i := len(a) - 1; i >= 0; i-- {
		v := int(a[i]) - int(b[i]) - br
		br = 0
		if v < 0 {
			v += 256
			br = 1
		}
		diff[i] = byte(v)
	}
	return diff, br != 0
}

// Cmp compares a and b as unsigned integers: -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return CompareUnsigned(a[:], b[:])
}

// CompareUnsigned compares two equal-length big-endian byte strings.
func CompareUnsigned(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return 1
			}
			return -1
		}
	}
	return 0
}

// Counter is the 4-byte big-endian signed transfer counter. Zero marks an
// online transfer, positive values offline transfers and negative values
// remote (server-relayed) credits.
type Counter [4]byte

// CounterFromInt32 encodes v.
func CounterFromInt32(v int32) Counter {
	var c Counter
	binary.BigEndian.PutUint32(c[:], uint32(v))
	return c
}

func (c Counter) Int32() int32 { return int32(binary.BigEndian.Uint32(c[:])) }

func (c Counter) IsZero() bool { return c == Counter{} }
func (c Counter) IsNegative() bool { return c[0]&0x80 != 0 }
func (c Counter) IsPositive() bool { return !c.IsNegative() && !c.IsZero() }

// Inc returns c+1 with carry propagation; 0x7FFFFFFF wraps to the most
// negative value and -1 wraps to zero.
func (c Counter) Inc() Counter {
	out := c
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

// LessOrEqual reports c <= o as signed integers.
func (c Counter) LessOrEqual(o Counter) bool {
	return c.Int32() <= o.Int32()
}
