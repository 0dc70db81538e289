// Package bus provides event bus implementations for Kestrel: in-process Go
// channels for a single node and NATS for several.
package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrBusClosed         = errors.New("bus is closed")
	ErrNamespaceRequired = errors.New("bus namespace is required")
)

// New creates a new event bus based on configuration.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// checkNamespace rejects namespaces that would break subject routing.
func checkNamespace(namespace string) error {
	if namespace == "" {
		return ErrNamespaceRequired
	}
	if strings.ContainsAny(namespace, ".*> \t\r\n") {
		return fmt.Errorf("invalid bus namespace %q", namespace)
	}
	return nil
}

func newMessage(namespace, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		Namespace: namespace,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}
