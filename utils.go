package libiscsi

import (
	"net"
	"strings"
)

// checkLen rejects s when it does not fit a buffer of limit bytes.
func checkLen(what, s string, limit int) error {
	if len(s) >= limit {
		return newError(ErrInvalidArgument, "%s is too long (%d bytes, limit %d)", what, len(s), limit-1)
	}
	return nil
}

// SameAddress compares portal addresses, treating equivalent IP spellings
// ("fd00::1" and "FD00:0::1") as equal.
func SameAddress(a, b string) bool {
	ipa, ipb := net.ParseIP(a), net.ParseIP(b)
	if ipa != nil && ipb != nil {
		return ipa.Equal(ipb)
	}
	return strings.EqualFold(a, b)
}
