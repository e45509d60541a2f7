// Package transports imports every built-in transport for registration.
// Import it for side effects to make "amqp" and "memory" available to
// transport.Build.
package transports

import (
	_ "github.com/drblury/meshflow/transport/amqp"
	_ "github.com/drblury/meshflow/transport/memory"
)
