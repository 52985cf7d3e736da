package transport

import (
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Verb identifies the kind of frame exchanged with the broker.
type Verb uint8

// Frame verbs. Each maps to one MQTT 3.1.1 control packet.
const (
	VerbConnect Verb = iota + 1
	VerbConnAck
	VerbPublish
	VerbSubscribe
	VerbSubAck
	VerbPing
	VerbPingResp
	VerbDisconnect
)

// mqttProtocolLevel is the protocol level byte for MQTT 3.1.1.
const mqttProtocolLevel = 4

var verbNames = map[Verb]string{
	VerbConnect:    "CONNECT",
	VerbConnAck:    "CONNACK",
	VerbPublish:    "PUBLISH",
	VerbSubscribe:  "SUBSCRIBE",
	VerbSubAck:     "SUBACK",
	VerbPing:       "PINGREQ",
	VerbPingResp:   "PINGRESP",
	VerbDisconnect: "DISCONNECT",
}

func (v Verb) String() string {
	if name, ok := verbNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Verb(%d)", uint8(v))
}

// TopicQoS is one entry of a SUBSCRIBE frame.
type TopicQoS struct {
	Topic string
	QoS   byte
}

// Will is the last-will message registered with CONNECT.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Frame is the transport-level message model. Fields not relevant to a
// verb are left zero.
type Frame struct {
	Verb Verb

	// ID is the packet identifier (SUBSCRIBE, SUBACK).
	ID uint16

	// Status is the CONNACK return code; 0 means accepted.
	Status byte

	// Description is the human-readable CONNACK reason.
	Description string

	// Topics lists SUBSCRIBE filters. For SUBACK it carries the granted QoS
	// per filter, in request order, with empty topic names.
	Topics []TopicQoS

	// PUBLISH.
	Topic   string
	Payload []byte
	Retain  bool

	// CONNECT.
	ClientID     string
	Username     string
	Password     string
	KeepAlive    uint16
	CleanSession bool
	Will         *Will

	// CONNACK.
	SessionPresent bool
}

// Encode converts a frame into a paho control packet ready to write.
func Encode(f Frame) (packets.ControlPacket, error) {
	switch f.Verb {
	case VerbConnect:
		p := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
		p.ProtocolName = "MQTT"
		p.ProtocolVersion = mqttProtocolLevel
		p.CleanSession = f.CleanSession
		p.Keepalive = f.KeepAlive
		p.ClientIdentifier = f.ClientID
		if f.Username != "" {
			p.UsernameFlag = true
			p.Username = f.Username
		}
		if f.Password != "" {
			p.PasswordFlag = true
			p.Password = []byte(f.Password)
		}
		if f.Will != nil {
			p.WillFlag = true
			p.WillTopic = f.Will.Topic
			p.WillMessage = f.Will.Payload
			p.WillRetain = f.Will.Retain
		}
		return p, nil

	case VerbConnAck:
		p := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		p.ReturnCode = f.Status
		p.SessionPresent = f.SessionPresent
		return p, nil

	case VerbPublish:
		if f.Topic == "" {
			return nil, fmt.Errorf("%w: publish without topic", ErrProtocol)
		}
		p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		p.TopicName = f.Topic
		p.Payload = f.Payload
		p.Retain = f.Retain
		return p, nil

	case VerbSubscribe:
		if len(f.Topics) == 0 {
			return nil, fmt.Errorf("%w: subscribe without topics", ErrProtocol)
		}
		p := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
		p.MessageID = f.ID
		for _, t := range f.Topics {
			p.Topics = append(p.Topics, t.Topic)
			p.Qoss = append(p.Qoss, t.QoS)
		}
		return p, nil

	case VerbSubAck:
		p := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
		p.MessageID = f.ID
		for _, t := range f.Topics {
			p.ReturnCodes = append(p.ReturnCodes, t.QoS)
		}
		return p, nil

	case VerbPing:
		return packets.NewControlPacket(packets.Pingreq), nil

	case VerbPingResp:
		return packets.NewControlPacket(packets.Pingresp), nil

	case VerbDisconnect:
		return packets.NewControlPacket(packets.Disconnect), nil

	default:
		return nil, fmt.Errorf("%w: cannot encode %s", ErrProtocol, f.Verb)
	}
}

// Decode converts a paho control packet into a frame. Packet kinds with
// no frame equivalent yield ErrProtocol.
func Decode(cp packets.ControlPacket) (Frame, error) {
	switch p := cp.(type) {
	case *packets.ConnectPacket:
		f := Frame{
			Verb:         VerbConnect,
			ClientID:     p.ClientIdentifier,
			KeepAlive:    p.Keepalive,
			CleanSession: p.CleanSession,
		}
		if p.UsernameFlag {
			f.Username = p.Username
		}
		if p.PasswordFlag {
			f.Password = string(p.Password)
		}
		if p.WillFlag {
			f.Will = &Will{Topic: p.WillTopic, Payload: p.WillMessage, Retain: p.WillRetain}
		}
		return f, nil

	case *packets.ConnackPacket:
		return Frame{
			Verb:           VerbConnAck,
			Status:         p.ReturnCode,
			Description:    connackDescription(p.ReturnCode),
			SessionPresent: p.SessionPresent,
		}, nil

	case *packets.PublishPacket:
		return Frame{
			Verb:    VerbPublish,
			ID:      p.MessageID,
			Topic:   p.TopicName,
			Payload: p.Payload,
			Retain:  p.Retain,
		}, nil

	case *packets.SubscribePacket:
		f := Frame{Verb: VerbSubscribe, ID: p.MessageID}
		for i, topic := range p.Topics {
			var qos byte
			if i < len(p.Qoss) {
				qos = p.Qoss[i]
			}
			f.Topics = append(f.Topics, TopicQoS{Topic: topic, QoS: qos})
		}
		return f, nil

	case *packets.SubackPacket:
		f := Frame{Verb: VerbSubAck, ID: p.MessageID}
		for _, code := range p.ReturnCodes {
			f.Topics = append(f.Topics, TopicQoS{QoS: code})
		}
		return f, nil

	case *packets.PingreqPacket:
		return Frame{Verb: VerbPing}, nil

	case *packets.PingrespPacket:
		return Frame{Verb: VerbPingResp}, nil

	case *packets.DisconnectPacket:
		return Frame{Verb: VerbDisconnect}, nil

	default:
		return Frame{}, fmt.Errorf("%w: unsupported packet %s", ErrProtocol, cp.String())
	}
}

func connackDescription(code byte) string {
	if desc, ok := packets.ConnackReturnCodes[code]; ok {
		return desc
	}
	return fmt.Sprintf("Connection Refused: unknown return code %d", code)
}
