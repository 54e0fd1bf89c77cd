package publisher

import "errors"

var (
	// ErrChannelTypeUnknown is returned when no type was requested and the
	// transport knows no established type for the channel.
	ErrChannelTypeUnknown = errors.New("channel type unknown")
	// ErrTypeConflict is returned when the requested type differs from the
	// type already established on the channel.
	ErrTypeConflict = errors.New("type conflict")
	// ErrBufferAttached is returned when a consistency buffer is attached a
	// second time.
	ErrBufferAttached = errors.New("consistency buffer already attached")
)
