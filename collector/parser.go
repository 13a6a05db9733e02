package collector

import (
	"encoding/binary"
	"errors"
)

// ResponseHeader is the part of a DNS response needed to decide whether the
// full message is worth unpacking.
type ResponseHeader struct {
	RCode   uint8
	QType   uint16
	ANCount uint16
}

// PeekResponse reads RCODE, ANCOUNT and the first question's QTYPE without
// unpacking the message. Compressed question names are rejected.
func PeekResponse(payload []byte) (ResponseHeader, error) {
	var h ResponseHeader
	if len(payload) < 12 {
		return h, errors.New("packet too short")
	}

	// flags at 2..3, RCODE is the low nibble of byte 3
	h.RCode = payload[3] & 0x0F
	qdcount := binary.BigEndian.Uint16(payload[4:6])
	h.ANCount = binary.BigEndian.Uint16(payload[6:8])
	if qdcount == 0 {
		return h, nil
	}

	pos := 12
	for {
		if pos >= len(payload) {
			return h, errors.New("buffer overflow parsing qname")
		}
		length := int(payload[pos])
		pos++
		if length == 0 {
			break
		}
		if length&0xC0 == 0xC0 {
			return h, errors.New("compression not supported in fast parser")
		}
		if pos+length > len(payload) {
			return h, errors.New("buffer overflow parsing label")
		}
		pos += length
	}

	// QTYPE (2) QCLASS (2)
	if pos+4 > len(payload) {
		return h, errors.New("buffer overflow reading qtype")
	}
	h.QType = binary.BigEndian.Uint16(payload[pos : pos+2])
	return h, nil
}
