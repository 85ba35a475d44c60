package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func ArchiveJobKey(jobID uuid.UUID) string {
	return fmt.Sprintf("archive:job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
