package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("factoryetl:job:%s", jobID)
}

// ProcessJobKey points at the most recent job of a process.
func ProcessJobKey(processID int64) string {
	return fmt.Sprintf("factoryetl:process:%d:job", processID)
}

// RateLimitKey counts trigger requests of one client.
func RateLimitKey(client string) string {
	return fmt.Sprintf("factoryetl:ratelimit:%s", client)
}
