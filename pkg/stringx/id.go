package stringx

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateId returns a short random identifier for logging and naming.
func GenerateId() string {
	id := uuid.NewString()
	return strings.ReplaceAll(id, "-", "")[:12]
}
