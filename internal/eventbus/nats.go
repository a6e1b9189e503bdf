package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	logx "pitwall/pkg/logx"
)

// Publisher is the subset of *nats.Conn used by the bridge.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge mirrors selected bus events to NATS subjects "<prefix>.<type>".
type NATSBridge struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	types  map[string]struct{}
	log    logx.Logger
}

type bridgeMessage struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// DialNATS connects to url and returns a bridge forwarding the given event types.
// An empty types list forwards everything.
func DialNATS(url, name, prefix string, types []string, log logx.Logger) (*NATSBridge, error) {
	if strings.TrimSpace(name) == "" {
		name = "pitwall"
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	b := NewNATSBridge(nc, prefix, types, log)
	b.conn = nc
	return b, nil
}

func NewNATSBridge(pub Publisher, prefix string, types []string, log logx.Logger) *NATSBridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "pitwall"
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &NATSBridge{pub: pub, prefix: prefix, types: set, log: log}
}

// Subject returns the NATS subject for an event type.
func (b *NATSBridge) Subject(typ string) string {
	return b.prefix + "." + typ
}

// Run forwards events from bus until ctx is done.
func (b *NATSBridge) Run(ctx context.Context, bus Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			b.forward(e)
		}
	}
}

func (b *NATSBridge) forward(e Event) {
	if len(b.types) > 0 {
		if _, ok := b.types[e.Type]; !ok {
			return
		}
	}
	payload, err := json.Marshal(bridgeMessage{Type: e.Type, Time: e.Time, Data: e.Data})
	if err != nil {
		b.log.Debug("nats payload encode failed", logx.String("type", e.Type), logx.Err(err))
		return
	}
	if err := b.pub.Publish(b.Subject(e.Type), payload); err != nil {
		b.log.Warn("nats publish failed", logx.String("type", e.Type), logx.Err(err))
	}
}

// Close drains the underlying connection if the bridge dialed it.
func (b *NATSBridge) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}
