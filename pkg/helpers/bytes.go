package helpers

// ReverseBytes returns a reversed copy of b. Bitcoin displays hashes in the
// reverse of their wire order, and Electrum script hashes follow the same rule.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

// Zero overwrites b with zeros. Used to drop secret key material.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CloneBytes returns a copy of b, or nil when b is nil.
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
