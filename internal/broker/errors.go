package broker

import "errors"

var (
	ErrChannelDoesNotExist  = errors.New("broker: channel does not exist")
	ErrChannelAlreadyExists = errors.New("broker: channel already exists")
	ErrNilSubscriber        = errors.New("broker: subscriber cannot be nil")

	// errSubscriberDeliveryFailed marks a failed delivery in debug logs. It never leaves the package.
	errSubscriberDeliveryFailed = errors.New("subscriber delivery failed")
)
