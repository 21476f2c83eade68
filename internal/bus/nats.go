package bus

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/logging"
)

const (
	natsInboundSubject        = "tinycrab.inbound"
	natsOutboundSubjectPrefix = "tinycrab.outbound."
)

// NATSBridge mirrors a Bus's inbound/outbound traffic onto NATS subjects so
// a dispatch loop running in one process can serve inbound messages
// published by a different process, and so outbound replies reach
// subscribers running elsewhere. It is optional: the in-process Bus works
// standalone with no bridge attached, and is what every binary in this
// repository exercises by default.
type NATSBridge struct {
	conn   *nats.Conn
	bus    *Bus
	logger *logging.Logger

	outSub *nats.Subscription
}

// NewNATSBridge connects to url (e.g. "nats://127.0.0.1:4222") under
// clientName and subscribes to the shared inbound subject, feeding every
// message received there into b's inbound queue. Outbound messages are not
// forwarded automatically; they reach NATS only through PublishOutbound.
func NewNATSBridge(b *Bus, url, clientName string, log *logging.Logger) (*NATSBridge, error) {
	if log == nil {
		log = logging.Default()
	}
	conn, err := nats.Connect(url, nats.Name(clientName))
	if err != nil {
		return nil, fmt.Errorf("bus: connecting to nats: %w", err)
	}

	nb := &NATSBridge{
		conn:   conn,
		bus:    b,
		logger: log.WithFields(zap.String("component", "bus-nats-bridge")),
	}

	sub, err := conn.Subscribe(natsInboundSubject, nb.handleInbound)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: subscribing to inbound subject: %w", err)
	}
	nb.outSub = sub

	return nb, nil
}

func (nb *NATSBridge) handleInbound(msg *nats.Msg) {
	m, err := decodeMessage(msg.Data)
	if err != nil {
		nb.logger.Warn("dropping malformed inbound nats message", zap.Error(err))
		return
	}
	nb.bus.PublishInbound(m)
}

// PublishOutbound republishes m to NATS under a per-channel subject, in
// addition to whatever the caller already did with the local Bus. Call this
// from an OutboundHandler registered via Bus.Subscribe when the channel's
// subscribers may live in another process.
func (nb *NATSBridge) PublishOutbound(m Message) error {
	data, err := encodeMessage(m)
	if err != nil {
		return fmt.Errorf("bus: encoding outbound message: %w", err)
	}
	return nb.conn.Publish(natsOutboundSubjectPrefix+m.Channel, data)
}

// SubscribeRemote forwards NATS-delivered outbound messages on channel into
// cb, mirroring Bus.Subscribe for subscribers that live in another process.
func (nb *NATSBridge) SubscribeRemote(channel string, cb OutboundHandler) error {
	_, err := nb.conn.Subscribe(natsOutboundSubjectPrefix+channel, func(msg *nats.Msg) {
		m, err := decodeMessage(msg.Data)
		if err != nil {
			nb.logger.Warn("dropping malformed outbound nats message", zap.Error(err))
			return
		}
		cb(m)
	})
	return err
}

// PublishInboundRemote sends m to the shared inbound subject so whichever
// process is running the dispatch loop's ConsumeInbound picks it up next.
func (nb *NATSBridge) PublishInboundRemote(m Message) error {
	data, err := encodeMessage(m)
	if err != nil {
		return fmt.Errorf("bus: encoding inbound message: %w", err)
	}
	return nb.conn.Publish(natsInboundSubject, data)
}

// Close unsubscribes the bridge's inbound subscription and closes the NATS
// connection.
func (nb *NATSBridge) Close() error {
	if nb.outSub != nil {
		nb.outSub.Unsubscribe()
	}
	nb.conn.Close()
	return nil
}
