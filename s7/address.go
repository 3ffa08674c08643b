package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// WordAddress is a 16-bit word inside a data block.
type WordAddress struct {
	DB     int // Data block number
	Offset int // Byte offset of the word
}

// Regular expressions for parsing S7 word addresses
var (
	// DB1.DBW0
	reDBWord = regexp.MustCompile(`^DB(\d+)\.DBW(\d+)$`)

	// DB1.0 (offset only)
	reDBSimple = regexp.MustCompile(`^DB(\d+)\.(\d+)$`)
)

// ParseWordAddress parses a data block word address.
// Supported formats:
//   - DB1.DBW0 - Data Block word
//   - DB1.0    - Data Block with offset
func ParseWordAddress(addr string) (WordAddress, error) {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if addr == "" {
		return WordAddress{}, fmt.Errorf("empty address")
	}

	m := reDBWord.FindStringSubmatch(addr)
	if m == nil {
		m = reDBSimple.FindStringSubmatch(addr)
	}
	if m == nil {
		return WordAddress{}, fmt.Errorf("invalid S7 word address: %s", addr)
	}

	db, err := strconv.Atoi(m[1])
	if err != nil || db < 1 || db > 65535 {
		return WordAddress{}, fmt.Errorf("data block must be 1-65535: %s", addr)
	}
	offset, err := strconv.Atoi(m[2])
	if err != nil || offset > 65534 {
		return WordAddress{}, fmt.Errorf("offset out of range: %s", addr)
	}
	return WordAddress{DB: db, Offset: offset}, nil
}

// String returns the address in DBn.DBWm form.
func (a WordAddress) String() string {
	return fmt.Sprintf("DB%d.DBW%d", a.DB, a.Offset)
}
