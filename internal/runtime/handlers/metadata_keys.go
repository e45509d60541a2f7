package handlers

// Envelope metadata keys. These keys are reserved and should not be used for
// custom metadata.
const (
	// MetadataKeyCorrelationID threads a causal chain across services.
	MetadataKeyCorrelationID = "correlationId"

	// MetadataKeyPriority is the task priority at enqueue time.
	MetadataKeyPriority = "priority"

	// MetadataKeySource names the publishing service.
	MetadataKeySource = "source"
)
