package redis

import "errors"

var (
	ErrEmptyConnectionURL           = errors.New("redis: connection url is empty, set REDIS_URL")
	ErrFailedToParseRedisConnString = errors.New("redis: invalid connection url")
	ErrRedisNotReady                = errors.New("redis: server did not answer ping")
	ErrHealthcheckFailed            = errors.New("redis: healthcheck failed")
)
