// Package channel defines the transport boundary: adapters turn platform
// updates into inbound events and deliver outbound messages.
package channel

import (
	"context"

	"chatflow/pkg/bus"
	"chatflow/pkg/inbound"
)

// Publish hands one normalized event to the engine. It reports false when
// the engine is shutting down.
type Publish func(context.Context, inbound.Event) bool

// Adapter bridges one external transport (for example Telegram) into chatflow.
type Adapter interface {
	Name() string
	// Run receives updates until ctx is done, publishing each one.
	Run(ctx context.Context, publish Publish) error
	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}
