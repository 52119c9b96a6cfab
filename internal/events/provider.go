package events

import (
	"fmt"
	"strings"

	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/events/bus"
)

// Provide builds the configured event bus: NATS when a URL is set, otherwise
// the in-memory bus. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}
	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
