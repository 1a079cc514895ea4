package bus

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/vatcalc/internal/domain"
)

// New builds the bus named by cfg.Type. An empty type means the in-process
// channel bus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
