package sink

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/devblac/chain-feed/internal/config"
)

// Build constructs the sender for a configured sink.
func Build(s config.Sink, log *slog.Logger) (Sender, error) {
	if log == nil {
		log = slog.Default()
	}
	switch s.Type {
	case "slack":
		return NewSlackSender(s.WebhookURL, s.Template)
	case "teams":
		return NewTeamsSender(s.WebhookURL, s.Template)
	case "webhook":
		return NewWebhookSender(s.URL, s.Method, s.Template, nil)
	case "log":
		return NewLogSender(log.With("sink", s.ID)), nil
	case "mqtt":
		clientID := s.ClientID
		if clientID == "" {
			clientID = "chain-feed-" + s.ID
		}
		return NewMQTTSender(MQTTOptions{
			Broker:   s.Broker,
			Topic:    s.Topic,
			ClientID: clientID,
			Username: s.Username,
			Password: s.Password,
			QoS:      s.QoS,
		})
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", s.Type)
	}
}

// Close releases senders that hold connections.
func Close(senders map[string]Sender) {
	for _, s := range senders {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
