// Package mqtt builds MQTT 3.1.1 control packets and sends them over a
// duplex connection. Packets are encoded from the caller's arguments; the
// connection writes them as-is, outside the length-prefixed framing.
package mqtt

import (
	"sync/atomic"

	"github.com/256dpi/gomqtt/packet"
	"github.com/pkg/errors"

	"github.com/fesa6654/duplex"
)

// QOS is an MQTT quality of service level.
type QOS = packet.QOS

// Quality of service levels.
const (
	AtMostOnce  QOS = packet.QOSAtMostOnce
	AtLeastOnce QOS = packet.QOSAtLeastOnce
	ExactlyOnce QOS = packet.QOSExactlyOnce
)

// ErrEmptyTopic is returned when a topic or topic filter is empty.
var ErrEmptyTopic = errors.New("mqtt: empty topic")

// Encode serializes a packet into its wire form.
func Encode(pkt packet.Generic) ([]byte, error) {
	buf := make([]byte, pkt.Len())
	n, err := pkt.Encode(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "mqtt: encode %s", pkt.Type())
	}
	return buf[:n], nil
}

// PublishPacket encodes a PUBLISH packet. id is ignored for QoS 0.
func PublishPacket(id packet.ID, topic string, payload []byte, qos QOS, retain bool) ([]byte, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	pkt := packet.NewPublish()
	pkt.Message = packet.Message{
		Topic:   topic,
		Payload: payload,
		QOS:     qos,
		Retain:  retain,
	}
	if qos > AtMostOnce {
		pkt.ID = id
	}
	return Encode(pkt)
}

// SubscribePacket encodes a SUBSCRIBE packet for a single topic filter.
func SubscribePacket(id packet.ID, filter string, qos QOS) ([]byte, error) {
	if filter == "" {
		return nil, ErrEmptyTopic
	}

	pkt := packet.NewSubscribe()
	pkt.ID = id
	pkt.Subscriptions = []packet.Subscription{{Topic: filter, QOS: qos}}
	return Encode(pkt)
}

// UnsubscribePacket encodes an UNSUBSCRIBE packet for a single topic filter.
func UnsubscribePacket(id packet.ID, filter string) ([]byte, error) {
	if filter == "" {
		return nil, ErrEmptyTopic
	}

	pkt := packet.NewUnsubscribe()
	pkt.ID = id
	pkt.Topics = []string{filter}
	return Encode(pkt)
}

// PingPacket encodes a PINGREQ packet.
func PingPacket() []byte {
	buf, err := Encode(packet.NewPingreq())
	if err != nil {
		panic(err) // fixed two-byte packet
	}
	return buf
}

// DisconnectPacket encodes a DISCONNECT packet. Pass it to
// duplex.FarewellOption to have Close send it.
func DisconnectPacket() []byte {
	buf, err := Encode(packet.NewDisconnect())
	if err != nil {
		panic(err) // fixed two-byte packet
	}
	return buf
}

// Client sends MQTT control packets over a duplex connection.
// Packet identifiers are allocated per client.
type Client struct {
	conn   *duplex.Conn
	nextID atomic.Uint32
}

// NewClient wraps conn.
func NewClient(conn *duplex.Conn) *Client {
	return &Client{conn: conn}
}

// Conn returns the underlying connection.
func (c *Client) Conn() *duplex.Conn {
	return c.conn
}

// Publish sends an application message to topic.
func (c *Client) Publish(topic string, payload []byte, qos QOS) error {
	var id packet.ID
	if qos > AtMostOnce {
		id = c.packetID()
	}
	buf, err := PublishPacket(id, topic, payload, qos, false)
	if err != nil {
		return err
	}
	return c.conn.SendRaw(buf)
}

// Subscribe requests messages for filter at the given QoS.
func (c *Client) Subscribe(filter string, qos QOS) error {
	buf, err := SubscribePacket(c.packetID(), filter, qos)
	if err != nil {
		return err
	}
	return c.conn.SendRaw(buf)
}

// Unsubscribe cancels a subscription.
func (c *Client) Unsubscribe(filter string) error {
	buf, err := UnsubscribePacket(c.packetID(), filter)
	if err != nil {
		return err
	}
	return c.conn.SendRaw(buf)
}

// Ping sends a keep-alive request.
func (c *Client) Ping() error {
	return c.conn.SendRaw(PingPacket())
}

// Disconnect sends DISCONNECT and closes the connection. A connection
// created with duplex.FarewellOption(DisconnectPacket()) only needs Close.
func (c *Client) Disconnect() error {
	if err := c.conn.SendRaw(DisconnectPacket()); err != nil {
		return err
	}
	return c.conn.Close()
}

// packetID returns the next non-zero packet identifier.
func (c *Client) packetID() packet.ID {
	for {
		id := packet.ID(c.nextID.Add(1))
		if id != 0 {
			return id
		}
	}
}
