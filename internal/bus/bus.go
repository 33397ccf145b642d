package bus

import (
	"fmt"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// New builds the configured event bus: in-process channels for a single
// node, NATS when alerts must cross instances.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
