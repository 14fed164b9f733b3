package cache

import (
	"fmt"

	"github.com/kiranshivaraju/listingintel/pkg/models"
)

func PollersKey(key models.JobKey) string {
	return fmt.Sprintf("pollers:%s:%s", key.Type, key.SubjectID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
