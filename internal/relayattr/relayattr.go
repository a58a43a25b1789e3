// Package relayattr implements the wire attributes and message types of the
// early "Google TURN" draft dialect that RelayPort speaks: magic-cookie
// sentinel, no HMAC, family==1 addresses only.
//
// The attribute container (TLV layout, padding, transaction ID) is
// delegated to github.com/pion/stun/v2; only the 16-bit message type field
// is written directly rather than through stun.NewType, because that
// helper encodes the RFC 5389 method/class bit layout, which this draft
// predates and does not use (request/response/error/indication are a flat
// offset from the base method number here).
package relayattr

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/pion/stun/v2"
)

// Attribute type numbers for the legacy dialect. MappedAddress, Username
// and Data share their numeric value with the modern RFC 5766 registry
// (the early draft never renumbered them); MagicCookie, DestinationAddress,
// SourceAddress2 and Options are this dialect's own.
const (
	AttrMappedAddress      = stun.AttrMappedAddress // 0x0001
	AttrUsername           = stun.AttrUsername      // 0x0006
	AttrMagicCookie        = stun.AttrType(0x000f)
	AttrBandwidth          = stun.AttrType(0x0010)
	AttrDestinationAddress = stun.AttrType(0x0011)
	AttrSourceAddress2     = stun.AttrType(0x0012)
	AttrData               = stun.AttrData // 0x0013
	AttrOptions            = stun.AttrType(0x8001)
)

// Message type values, flat-numbered per the early draft: response adds
// 0x0100 to the request value, error response adds 0x0110, indication adds
// 0x0111 (Data has no request/response pair, only an indication).
const (
	TypeAllocateRequest      uint16 = 0x0003
	TypeAllocateResponse     uint16 = 0x0103
	TypeAllocateErrorResp    uint16 = 0x0113
	TypeSendRequest          uint16 = 0x0004
	TypeSendResponse         uint16 = 0x0104
	TypeDataIndication       uint16 = 0x0115
)

// MagicCookieValue is the fixed 4-byte sentinel TURN_MAGIC_COOKIE_VALUE
// that discriminates STUN-framed relay traffic from a raw relayed payload
// sharing the same socket.
var MagicCookieValue = [4]byte{0x72, 0xc6, 0x4b, 0xc6}

// magicCookieOffset is the byte offset of the MAGIC-COOKIE attribute's
// value within an encoded message: 20-byte STUN header + 4-byte attribute
// header for the first (and by convention always first) attribute. Valid
// only because every message that carries MAGIC-COOKIE puts it first; if a
// server ever reordered attributes this check would misfire. Not redesigned,
// per the open question in the core RelayPort spec.
const magicCookieOffset = 20 + 4

// HasMagicCookie reports whether b looks like a STUN message framed with
// the MAGIC-COOKIE attribute first, by checking the fixed byte offset
// rather than walking attributes.
func HasMagicCookie(b []byte) bool {
	if len(b) < magicCookieOffset+len(MagicCookieValue) {
		return false
	}
	return [4]byte(b[magicCookieOffset:magicCookieOffset+4]) == MagicCookieValue
}

// SetType writes a raw 16-bit message type directly into m.Raw[0:2],
// bypassing stun.MessageType's RFC 5389 bit layout.
type SetType uint16

// AddTo implements stun.Setter. Must run after the header has been
// written (stun.Message.Build calls WriteHeader before any setter, so
// this always holds when used with stun.Build).
func (t SetType) AddTo(m *stun.Message) error {
	if len(m.Raw) < 2 {
		return errHeaderNotWritten
	}
	binary.BigEndian.PutUint16(m.Raw[0:2], uint16(t))
	return nil
}

var errHeaderNotWritten = errors.New("relayattr: message header not written yet")

// ReadType returns the raw 16-bit message type of an already-decoded
// message, ignoring stun.Message.Type (which was populated by the RFC 5389
// inverse formula and does not reflect this dialect's numbering).
func ReadType(m *stun.Message) uint16 {
	if len(m.Raw) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(m.Raw[0:2])
}

// MagicCookie is the MAGIC-COOKIE attribute: a fixed 4-byte value with no
// other purpose than framing discrimination (see HasMagicCookie).
type MagicCookie struct{}

// AddTo implements stun.Setter.
func (MagicCookie) AddTo(m *stun.Message) error {
	m.Add(AttrMagicCookie, MagicCookieValue[:])
	return nil
}

// GetFrom implements stun.Getter.
func (MagicCookie) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrMagicCookie)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return errInvalidMagicCookie
	}
	return nil
}

var errInvalidMagicCookie = errors.New("relayattr: invalid MAGIC-COOKIE attribute length")

// Username is the USERNAME attribute: raw bytes, no null terminator, no
// SASLprep normalization (the long-term credential mechanism is a
// Non-goal).
type Username []byte

// AddTo implements stun.Setter.
func (u Username) AddTo(m *stun.Message) error {
	m.Add(AttrUsername, u)
	return nil
}

// GetFrom implements stun.Getter.
func (u *Username) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrUsername)
	if err != nil {
		return err
	}
	*u = append((*u)[:0], v...)
	return nil
}

// Data carries the relayed payload inside a Send request or Data
// indication.
type Data []byte

// AddTo implements stun.Setter.
func (d Data) AddTo(m *stun.Message) error {
	m.Add(AttrData, d)
	return nil
}

// GetFrom implements stun.Getter.
func (d *Data) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrData)
	if err != nil {
		return err
	}
	*d = append((*d)[:0], v...)
	return nil
}

// Options carries the OPTIONS attribute; bit 0 requests (or, in a
// response, acknowledges) per-destination locking.
type Options uint32

// OptionLock is bit 0 of OPTIONS: request/ack per-destination locking.
const OptionLock Options = 0x1

// AddTo implements stun.Setter.
func (o Options) AddTo(m *stun.Message) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(o))
	m.Add(AttrOptions, buf[:])
	return nil
}

// GetFrom implements stun.Getter.
func (o *Options) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrOptions)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return errInvalidOptions
	}
	*o = Options(binary.BigEndian.Uint32(v))
	return nil
}

var errInvalidOptions = errors.New("relayattr: invalid OPTIONS attribute length")

// legacyAddress is the pre-RFC5389 address TLV: 1 reserved byte, 1 family
// byte (always 1, IPv4, per the Non-goals), 2-byte port, 4-byte IPv4
// address. No XOR obfuscation.
type legacyAddress struct {
	attr stun.AttrType
	IP   net.IP
	Port int
}

func (a legacyAddress) addTo(m *stun.Message) error {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return errNotIPv4
	}
	buf := make([]byte, 8)
	buf[1] = 1 // family: IPv4
	binary.BigEndian.PutUint16(buf[2:4], uint16(a.Port))
	copy(buf[4:8], ip4)
	m.Add(a.attr, buf)
	return nil
}

func (a *legacyAddress) getFrom(m *stun.Message) error {
	v, err := m.Get(a.attr)
	if err != nil {
		return err
	}
	if len(v) != 8 {
		return errInvalidAddress
	}
	if v[1] != 1 {
		return errNotIPv4
	}
	a.Port = int(binary.BigEndian.Uint16(v[2:4]))
	a.IP = net.IPv4(v[4], v[5], v[6], v[7])
	return nil
}

var (
	errNotIPv4        = errors.New("relayattr: only family 1 (IPv4) addresses are supported")
	errInvalidAddress = errors.New("relayattr: invalid address attribute length")
)

// MappedAddress is the MAPPED-ADDRESS attribute of an Allocate response:
// the externally-visible address the server allocated for this client.
type MappedAddress struct {
	IP   net.IP
	Port int
}

// AddTo implements stun.Setter.
func (a MappedAddress) AddTo(m *stun.Message) error {
	return legacyAddress{attr: AttrMappedAddress, IP: a.IP, Port: a.Port}.addTo(m)
}

// GetFrom implements stun.Getter.
func (a *MappedAddress) GetFrom(m *stun.Message) error {
	var la legacyAddress
	la.attr = AttrMappedAddress
	if err := la.getFrom(m); err != nil {
		return err
	}
	a.IP, a.Port = la.IP, la.Port
	return nil
}

// DestinationAddress is the DESTINATION-ADDRESS attribute of a Send
// request: the external peer this payload is destined for.
type DestinationAddress struct {
	IP   net.IP
	Port int
}

// AddTo implements stun.Setter.
func (a DestinationAddress) AddTo(m *stun.Message) error {
	return legacyAddress{attr: AttrDestinationAddress, IP: a.IP, Port: a.Port}.addTo(m)
}

// GetFrom implements stun.Getter.
func (a *DestinationAddress) GetFrom(m *stun.Message) error {
	var la legacyAddress
	la.attr = AttrDestinationAddress
	if err := la.getFrom(m); err != nil {
		return err
	}
	a.IP, a.Port = la.IP, la.Port
	return nil
}

// SourceAddress2 is the SOURCE-ADDRESS2 attribute of a Data indication:
// the external peer this payload came from.
type SourceAddress2 struct {
	IP   net.IP
	Port int
}

// AddTo implements stun.Setter.
func (a SourceAddress2) AddTo(m *stun.Message) error {
	return legacyAddress{attr: AttrSourceAddress2, IP: a.IP, Port: a.Port}.addTo(m)
}

// GetFrom implements stun.Getter.
func (a *SourceAddress2) GetFrom(m *stun.Message) error {
	var la legacyAddress
	la.attr = AttrSourceAddress2
	if err := la.getFrom(m); err != nil {
		return err
	}
	a.IP, a.Port = la.IP, la.Port
	return nil
}
