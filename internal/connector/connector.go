// Package connector defines how requests enter crafter. Email reaches the
// daemon through an HTTP bridge (an inbound-parse webhook of a mail
// provider or a small relay); replies leave through the same bridge.
package connector

import (
	"context"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

// InboundHandler processes one inbound request. Implementations typically
// hand it to the orchestrator queue and return immediately.
type InboundHandler func(ctx context.Context, req protocol.Request) error
