package irqline

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ict/ebb/pkg/interfaces"
	"github.com/ict/ebb/pkg/stringx"
)

// A vector message names a class and an optional edge count:
// "netrx 3" is three back-to-back interrupts, "timer" is one.

// ParseVector decodes one vector message.
func ParseVector(msg []byte) (interfaces.Class, int, error) {
	fields := strings.Fields(string(msg))
	if len(fields) == 0 || len(fields) > 2 {
		return interfaces.INVALID, 0, errors.Errorf("malformed vector %q", string(msg))
	}

	c := interfaces.ParseClass(fields[0])
	if c == interfaces.INVALID {
		return interfaces.INVALID, 0, errors.Errorf("vector names unknown class %q", fields[0])
	}

	count := 1
	if len(fields) == 2 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 {
			return interfaces.INVALID, 0, errors.Errorf("vector carries bad count %q", fields[1])
		}
		count = n
	}
	return c, count, nil
}

// FormatVector encodes a vector message.
func FormatVector(c interfaces.Class, count int) []byte {
	if count <= 1 {
		return []byte(c.String())
	}
	return []byte(stringx.Concat(c.String(), " ", strconv.Itoa(count)))
}
