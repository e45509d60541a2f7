package metadata

// Header names carried on every broker message. These keys are reserved.
const (
	// HeaderCorrelationID threads a causal chain across services.
	HeaderCorrelationID = "x-correlation-id"

	// HeaderAttemptCount counts dead-letter recovery attempts.
	HeaderAttemptCount = "x-attempt-count"

	// HeaderOriginalQueue names the queue a dead-lettered message came from.
	HeaderOriginalQueue = "x-original-queue"

	// HeaderDeathReason is why the broker dead-lettered the message.
	HeaderDeathReason = "x-death-reason"

	// HeaderDeathCount is how often the broker dead-lettered the message.
	HeaderDeathCount = "x-death-count"

	// HeaderFirstDeathQueue and HeaderFirstDeathReason are set by RabbitMQ.
	HeaderFirstDeathQueue  = "x-first-death-queue"
	HeaderFirstDeathReason = "x-first-death-reason"

	// HeaderPriority is the broker priority the message was published with.
	HeaderPriority = "x-message-priority"

	// HeaderMessageType mirrors the envelope type field for routing without decoding.
	HeaderMessageType = "x-message-type"

	// HeaderSource names the publishing service.
	HeaderSource = "x-source"

	// HeaderContentType is the payload media type.
	HeaderContentType = "content-type"
)

// DeathHeaders are removed before a dead letter is republished so the broker
// can record a fresh history.
var DeathHeaders = []string{
	HeaderOriginalQueue,
	HeaderDeathReason,
	HeaderDeathCount,
	HeaderFirstDeathQueue,
	HeaderFirstDeathReason,
	"x-last-death-queue",
	"x-last-death-reason",
	"x-last-death-exchange",
	"x-first-death-exchange",
}
