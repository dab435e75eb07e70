package chat

import "errors"

var (
	ErrRateLimited       = errors.New("rate limit exceeded, slow down")
	ErrBinaryUnsupported = errors.New("binary frames are not supported")
	ErrStoreFailed       = errors.New("message could not be stored")
	ErrUnknownTopic      = errors.New("topic does not exist")
	ErrForbiddenTopic    = errors.New("topic belongs to another user")
)
