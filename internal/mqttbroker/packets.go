package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetPuback      = 4
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingreq     = 12
	packetDisconnect  = 14
)

const (
	connectFlagWill     = 1 << 2
	connectFlagPassword = 1 << 6
	connectFlagUsername = 1 << 7

	subackFailure = 0x80
)

type connectPacket struct {
	clientID string
	username string
}

func parseConnect(payload []byte) (connectPacket, error) {
	rd := packetReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectPacket{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectPacket{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&connectFlagWill != 0 {
		return connectPacket{}, fmt.Errorf("will messages not supported")
	}

	if _, err := rd.readUint16(); err != nil {
		return connectPacket{}, fmt.Errorf("read keepalive: %w", err)
	}

	var pkt connectPacket
	if pkt.clientID, err = rd.readString(); err != nil {
		return connectPacket{}, fmt.Errorf("read client id: %w", err)
	}
	if flags&connectFlagUsername != 0 {
		if pkt.username, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&connectFlagPassword != 0 {
		if _, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read password: %w", err)
		}
	}
	return pkt, nil
}

type publishPacket struct {
	topic    string
	qos      byte
	packetID uint16
	payload  []byte
}

func parsePublish(header byte, payload []byte) (publishPacket, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return publishPacket{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := packetReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return publishPacket{}, fmt.Errorf("read topic: %w", err)
	}

	pkt := publishPacket{topic: topic, qos: qos}
	if qos > 0 {
		if pkt.packetID, err = rd.readUint16(); err != nil {
			return publishPacket{}, fmt.Errorf("read packet id: %w", err)
		}
	}
	pkt.payload = rd.readBytes(rd.remaining())
	return pkt, nil
}

// parseTopicList reads the packet id and topic filters of SUBSCRIBE (withQoS) or
// UNSUBSCRIBE packets.
func parseTopicList(payload []byte, withQoS bool) (uint16, []string, error) {
	rd := packetReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	var filters []string
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		if withQoS {
			if _, err := rd.readByte(); err != nil {
				return 0, nil, fmt.Errorf("read requested qos: %w", err)
			}
		}
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return 0, nil, fmt.Errorf("no topic filters")
	}
	return packetID, filters, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic too long")
	}
	body := make([]byte, 0, 2+len(topic)+len(payload))
	body = appendString(body, topic)
	body = append(body, payload...)
	return buildPacket(packetPublish<<4, body), nil
}

func buildSubAck(packetID uint16, codes []byte) []byte {
	body := []byte{byte(packetID >> 8), byte(packetID)}
	body = append(body, codes...)
	return buildPacket(0x90, body)
}

func buildAck(typeByte byte, packetID uint16) []byte {
	return buildPacket(typeByte, []byte{byte(packetID >> 8), byte(packetID)})
}

func buildPacket(header byte, body []byte) []byte {
	length := encodeRemainingLength(len(body))
	packet := make([]byte, 0, 1+len(length)+len(body))
	packet = append(packet, header)
	packet = append(packet, length...)
	return append(packet, body...)
}

func appendString(b []byte, s string) []byte {
	b = append(b, byte(len(s)>>8), byte(len(s)))
	return append(b, s...)
}

type packetReader []byte

func (b *packetReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *packetReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *packetReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *packetReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *packetReader) remaining() int {
	return len(*b)
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
