package transport

// Capabilities describes the features supported by a channel backend.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsDelay indicates delayed visibility is handled by the broker.
	SupportsDelay bool

	// SupportsNativeDLQ indicates rejected messages are dead-lettered by the
	// broker through queue arguments.
	SupportsNativeDLQ bool

	// SupportsPriority indicates priority queues are honoured.
	SupportsPriority bool

	// SupportsReconnect indicates the channel re-establishes its connection and
	// replays consumers after a connection loss.
	SupportsReconnect bool

	// Durable indicates messages survive a process restart.
	Durable bool
}

// RequiresDelayEmulation returns true if delayed delivery has to be emulated
// in process.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// Predefined capability sets for the built-in channels.
var (
	AMQPCapabilities = Capabilities{
		Name:              "amqp",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsPriority:  true,
		SupportsReconnect: true,
		Durable:           true,
	}

	MemoryCapabilities = Capabilities{
		Name:              "memory",
		SupportsDelay:     false,
		SupportsNativeDLQ: true,
		SupportsPriority:  true,
		SupportsReconnect: false,
		Durable:           false,
	}
)
