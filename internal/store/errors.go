package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
)

// permissionPrefixes are the Redis error prefixes that mean the caller lacks rights.
var permissionPrefixes = []string{"NOPERM", "NOAUTH", "WRONGPASS"}

// mapRedisError translates Redis failures into domain sentinels.
func mapRedisError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	if errors.Is(err, redis.ErrClosed) {
		return domain.ErrClosed
	}
	msg := err.Error()
	for _, p := range permissionPrefixes {
		if strings.HasPrefix(msg, p) {
			return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, msg)
		}
	}
	return err
}
