package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

// Control packet types (MQTT 3.1.1 section 2.2.1).
const (
	packetConnect     byte = 1
	packetConnAck     byte = 2
	packetPublish     byte = 3
	packetSubscribe   byte = 8
	packetSubAck      byte = 9
	packetUnsubscribe byte = 10
	packetUnsubAck    byte = 11
	packetPingReq     byte = 12
	packetPingResp    byte = 13
	packetDisconnect  byte = 14
)

const (
	subAckFailure  byte = 0x80
	maxRemaining        = 268435455
	maxTopicLength      = 65535
)

func parsePublish(header byte, body []byte) (Message, error) {
	qos := (header >> 1) & 0x03
	if qos != 0 {
		return Message{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := packetReader(body)
	topic, err := rd.readString()
	if err != nil {
		return Message{}, fmt.Errorf("read topic: %w", err)
	}
	if err := validateTopicName(topic); err != nil {
		return Message{}, err
	}

	return Message{Topic: topic, Payload: rd.readBytes(rd.remaining())}, nil
}

func buildPublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > maxTopicLength {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + len(topic) + len(payload)
	if remaining > maxRemaining {
		return nil, fmt.Errorf("payload too large")
	}
	length := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(length)+remaining)
	packet = append(packet, packetPublish<<4)
	packet = append(packet, length...)
	packet = append(packet, byte(len(topic)>>8), byte(len(topic)))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func buildSubAck(packetID uint16, codes []byte) []byte {
	length := encodeRemainingLength(2 + len(codes))
	packet := make([]byte, 0, 1+len(length)+2+len(codes))
	packet = append(packet, packetSubAck<<4)
	packet = append(packet, length...)
	packet = append(packet, byte(packetID>>8), byte(packetID))
	return append(packet, codes...)
}

type packetReader []byte

func (p *packetReader) readByte() (byte, error) {
	if len(*p) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*p)[0]
	*p = (*p)[1:]
	return v, nil
}

func (p *packetReader) readUint16() (uint16, error) {
	if len(*p) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*p)[0])<<8 | uint16((*p)[1])
	*p = (*p)[2:]
	return v, nil
}

func (p *packetReader) readString() (string, error) {
	n, err := p.readUint16()
	if err != nil {
		return "", err
	}
	if len(*p) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*p)[:n])
	*p = (*p)[n:]
	return s, nil
}

func (p *packetReader) readBytes(n int) []byte {
	if len(*p) < n {
		n = len(*p)
	}
	out := make([]byte, n)
	copy(out, (*p)[:n])
	*p = (*p)[n:]
	return out
}

func (p *packetReader) remaining() int {
	return len(*p)
}

func readVarInt(r *bufio.Reader) (int, error) {
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
			return encoded
		}
	}
}
