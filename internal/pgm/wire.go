// Package pgm implements the protocol engine: wire encode/parse for
// SPM, ODATA, RDATA, NAK, NCF, POLL/POLR and their OPT_* extensions,
// the checksum, and the Transport root object that drives the timer
// wheel and dispatches between the sender and receiver roles.
//
// Wire layout. The 16-byte common header (source port, destination
// port, type, options, checksum, 6-byte GSI, TSDU length) is followed
// by a type-specific fixed body, then an optional OPT_* chain (always
// led by OPT_LENGTH when present), then payload for data-bearing
// types. All multi-byte fields are network byte order, per the spec.
package pgm

import (
	"encoding/binary"
	"net"

	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
)

// Type identifies the PGM packet type.
type Type byte

const (
	TypeSPM   Type = 0x00
	TypePoll  Type = 0x01
	TypePolr  Type = 0x02
	TypeODATA Type = 0x04
	TypeRDATA Type = 0x05
	TypeNAK   Type = 0x08
	TypeNNAK  Type = 0x09
	TypeNCF   Type = 0x0A
)

func (t Type) String() string {
	switch t {
	case TypeSPM:
		return "SPM"
	case TypePoll:
		return "POLL"
	case TypePolr:
		return "POLR"
	case TypeODATA:
		return "ODATA"
	case TypeRDATA:
		return "RDATA"
	case TypeNAK:
		return "NAK"
	case TypeNNAK:
		return "NNAK"
	case TypeNCF:
		return "NCF"
	default:
		return "UNKNOWN"
	}
}

const optsPresent byte = 0x01

const (
	headerLen  = 16
	afiIPv4    = 1
	afiIPv6    = 2
	nlaLenIPv4 = 4
	nlaLenIPv6 = 16
)

// Header is the 16-byte common header shared by every PGM packet.
type Header struct {
	SourcePort uint16
	DestPort   uint16
	Type       Type
	GSI        [6]byte
	TSDULength uint16
}

func (h Header) tsi(sourcePort uint16) skb.TSI {
	var t skb.TSI
	copy(t[:6], h.GSI[:])
	binary.BigEndian.PutUint16(t[6:8], sourcePort)
	return t
}

// TSI builds the skb.TSI this header identifies (GSI + source port).
func (h Header) TSI() skb.TSI { return h.tsi(h.SourcePort) }

func putHeader(b []byte, h Header, hasOpts bool, tsduLength uint16) {
	binary.BigEndian.PutUint16(b[0:2], h.SourcePort)
	binary.BigEndian.PutUint16(b[2:4], h.DestPort)
	b[4] = byte(h.Type)
	if hasOpts {
		b[5] = optsPresent
	} else {
		b[5] = 0
	}
	binary.BigEndian.PutUint16(b[6:8], 0) // checksum, filled in last
	copy(b[8:14], h.GSI[:])
	binary.BigEndian.PutUint16(b[14:16], tsduLength)
}

func parseHeader(b []byte) (h Header, hasOpts bool, err error) {
	if len(b) < headerLen {
		return Header{}, false, pgmerr.New(pgmerr.ParseBadLength, "packet shorter than common header: %d bytes", len(b))
	}
	h.SourcePort = binary.BigEndian.Uint16(b[0:2])
	h.DestPort = binary.BigEndian.Uint16(b[2:4])
	h.Type = Type(b[4])
	hasOpts = b[5]&optsPresent != 0
	copy(h.GSI[:], b[8:14])
	h.TSDULength = binary.BigEndian.Uint16(b[14:16])
	return h, hasOpts, nil
}

// Checksum computes the one's-complement 16-bit Internet checksum
// over b. The caller must zero the checksum field before calling.
func Checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func finalizeChecksum(b []byte) {
	binary.BigEndian.PutUint16(b[6:8], 0)
	cs := Checksum(b)
	binary.BigEndian.PutUint16(b[6:8], cs)
}

func verifyChecksum(b []byte) error {
	stored := binary.BigEndian.Uint16(b[6:8])
	cp := make([]byte, len(b))
	copy(cp, b)
	binary.BigEndian.PutUint16(cp[6:8], 0)
	if Checksum(cp) != stored {
		return pgmerr.Sentinel(pgmerr.ParseBadChecksum)
	}
	return nil
}

func putNLA(b []byte, ip net.IP) int {
	if v4 := ip.To4(); v4 != nil {
		binary.BigEndian.PutUint16(b[0:2], afiIPv4)
		binary.BigEndian.PutUint16(b[2:4], 0)
		copy(b[4:8], v4)
		return 8
	}
	v6 := ip.To16()
	binary.BigEndian.PutUint16(b[0:2], afiIPv6)
	binary.BigEndian.PutUint16(b[2:4], 0)
	copy(b[4:20], v6)
	return 20
}

func nlaLen(afi uint16) (int, error) {
	switch afi {
	case afiIPv4:
		return nlaLenIPv4, nil
	case afiIPv6:
		return nlaLenIPv6, nil
	default:
		return 0, pgmerr.New(pgmerr.ParseBadLength, "unknown NLA AFI %d", afi)
	}
}

func parseNLA(b []byte) (net.IP, int, error) {
	if len(b) < 4 {
		return nil, 0, pgmerr.New(pgmerr.ParseBadLength, "truncated NLA header")
	}
	afi := binary.BigEndian.Uint16(b[0:2])
	n, err := nlaLen(afi)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < 4+n {
		return nil, 0, pgmerr.New(pgmerr.ParseBadLength, "truncated NLA body")
	}
	ip := make(net.IP, n)
	copy(ip, b[4:4+n])
	return ip, 4 + n, nil
}

// SPM is a Source Path Message: the sender's heartbeat advertising
// its current trailing/leading edge.
type SPM struct {
	Header Header
	Sqn    sqn.Sqn
	Trail  sqn.Sqn
	Lead   sqn.Sqn
	NLA    net.IP
}

// EncodeSPM serializes an SPM, computing the checksum last.
func EncodeSPM(m SPM) ([]byte, error) {
	nlaBuf := make([]byte, 20)
	nlaN := putNLA(nlaBuf, m.NLA)
	body := make([]byte, 12+nlaN)
	binary.BigEndian.PutUint32(body[0:4], uint32(m.Sqn))
	binary.BigEndian.PutUint32(body[4:8], uint32(m.Trail))
	binary.BigEndian.PutUint32(body[8:12], uint32(m.Lead))
	copy(body[12:], nlaBuf[:nlaN])

	out := make([]byte, headerLen+len(body))
	putHeader(out, Header{SourcePort: m.Header.SourcePort, DestPort: m.Header.DestPort, Type: TypeSPM, GSI: m.Header.GSI}, false, 0)
	copy(out[headerLen:], body)
	finalizeChecksum(out)
	return out, nil
}

func parseSPM(h Header, b []byte) (*SPM, error) {
	if len(b) < 12 {
		return nil, pgmerr.New(pgmerr.ParseBadLength, "truncated SPM body")
	}
	m := &SPM{Header: h}
	m.Sqn = sqn.Sqn(binary.BigEndian.Uint32(b[0:4]))
	m.Trail = sqn.Sqn(binary.BigEndian.Uint32(b[4:8]))
	m.Lead = sqn.Sqn(binary.BigEndian.Uint32(b[8:12]))
	nla, _, err := parseNLA(b[12:])
	if err != nil {
		return nil, err
	}
	m.NLA = nla
	return m, nil
}

// Fragment mirrors OPT_FRAGMENT.
type Fragment struct {
	APDUFirstSqn sqn.Sqn
	FragOffset   uint32
	APDULength   uint32
}

// Parity mirrors OPT_PARITY / OPT_PARITY_GRP / OPT_PARITY_CUR_TGSIZE.
type Parity struct {
	Proactive     bool
	OnDemand      bool
	GroupSqn      sqn.Sqn
	HasGroupSqn   bool
	CurTgsize     uint32
	HasCurTgsize  bool
}

// Data is the shared shape of ODATA and RDATA packets.
type Data struct {
	Header   Header
	Sqn      sqn.Sqn
	Trail    sqn.Sqn
	Fragment *Fragment
	Parity   *Parity
	Payload  []byte
}

// EncodeData serializes an ODATA or RDATA packet.
func EncodeData(typ Type, m Data) ([]byte, error) {
	opts := encodeOpts(m.Fragment, m.Parity)
	body := make([]byte, 8+len(opts)+len(m.Payload))
	binary.BigEndian.PutUint32(body[0:4], uint32(m.Sqn))
	binary.BigEndian.PutUint32(body[4:8], uint32(m.Trail))
	copy(body[8:], opts)
	copy(body[8+len(opts):], m.Payload)

	out := make([]byte, headerLen+len(body))
	putHeader(out, Header{SourcePort: m.Header.SourcePort, DestPort: m.Header.DestPort, Type: typ, GSI: m.Header.GSI}, len(opts) > 0, uint16(len(m.Payload)))
	copy(out[headerLen:], body)
	finalizeChecksum(out)
	return out, nil
}

func parseData(h Header, hasOpts bool, b []byte) (*Data, error) {
	if len(b) < 8 {
		return nil, pgmerr.New(pgmerr.ParseBadLength, "truncated ODATA/RDATA body")
	}
	m := &Data{Header: h}
	m.Sqn = sqn.Sqn(binary.BigEndian.Uint32(b[0:4]))
	m.Trail = sqn.Sqn(binary.BigEndian.Uint32(b[4:8]))
	rest := b[8:]
	if hasOpts {
		frag, parity, consumed, err := parseOpts(rest)
		if err != nil {
			return nil, err
		}
		m.Fragment = frag
		m.Parity = parity
		rest = rest[consumed:]
	}
	if int(h.TSDULength) > len(rest) {
		return nil, pgmerr.New(pgmerr.ParseBadLength, "tsdu length %d exceeds remaining %d bytes", h.TSDULength, len(rest))
	}
	m.Payload = rest[:h.TSDULength]
	if m.Fragment != nil {
		if uint64(m.Fragment.FragOffset)+uint64(len(m.Payload)) > uint64(m.Fragment.APDULength) {
			return nil, pgmerr.New(pgmerr.ParseBadOpt, "fragment offset+length exceeds apdu_length")
		}
	}
	return m, nil
}

// NAK and NCF share the same body shape: the sqn under repair plus
// the source and group NLAs.
type NAK struct {
	Header    Header
	Sqn       sqn.Sqn
	SourceNLA net.IP
	GroupNLA  net.IP
}

func encodeNAKLike(typ Type, m NAK) ([]byte, error) {
	srcBuf := make([]byte, 20)
	srcN := putNLA(srcBuf, m.SourceNLA)
	grpBuf := make([]byte, 20)
	grpN := putNLA(grpBuf, m.GroupNLA)

	body := make([]byte, 4+srcN+grpN)
	binary.BigEndian.PutUint32(body[0:4], uint32(m.Sqn))
	copy(body[4:], srcBuf[:srcN])
	copy(body[4+srcN:], grpBuf[:grpN])

	out := make([]byte, headerLen+len(body))
	putHeader(out, Header{SourcePort: m.Header.SourcePort, DestPort: m.Header.DestPort, Type: typ, GSI: m.Header.GSI}, false, 0)
	copy(out[headerLen:], body)
	finalizeChecksum(out)
	return out, nil
}

// EncodeNAK serializes a receiver-to-source repair request.
func EncodeNAK(m NAK) ([]byte, error) { return encodeNAKLike(TypeNAK, m) }

// EncodeNCF serializes a source-to-group confirmation of repair intent.
func EncodeNCF(m NAK) ([]byte, error) { return encodeNAKLike(TypeNCF, m) }

func parseNAKLike(h Header, b []byte) (*NAK, error) {
	if len(b) < 4 {
		return nil, pgmerr.New(pgmerr.ParseBadLength, "truncated NAK/NCF body")
	}
	m := &NAK{Header: h}
	m.Sqn = sqn.Sqn(binary.BigEndian.Uint32(b[0:4]))
	rest := b[4:]
	src, n, err := parseNLA(rest)
	if err != nil {
		return nil, err
	}
	m.SourceNLA = src
	rest = rest[n:]
	grp, _, err := parseNLA(rest)
	if err != nil {
		return nil, err
	}
	m.GroupNLA = grp
	return m, nil
}

// Poll is a source-to-group request for an immediate NAK of the
// advertised trailing edge range.
type Poll struct {
	Header     Header
	Sqn        sqn.Sqn
	Round      uint16
	PathNLA    net.IP
	BackOffIvl uint32
}

// EncodePoll serializes a POLL.
func EncodePoll(m Poll) ([]byte, error) {
	nlaBuf := make([]byte, 20)
	nlaN := putNLA(nlaBuf, m.PathNLA)
	body := make([]byte, 4+2+2+nlaN+4)
	binary.BigEndian.PutUint32(body[0:4], uint32(m.Sqn))
	binary.BigEndian.PutUint16(body[4:6], m.Round)
	binary.BigEndian.PutUint16(body[6:8], 0)
	copy(body[8:8+nlaN], nlaBuf[:nlaN])
	binary.BigEndian.PutUint32(body[8+nlaN:12+nlaN], m.BackOffIvl)

	out := make([]byte, headerLen+len(body))
	putHeader(out, Header{SourcePort: m.Header.SourcePort, DestPort: m.Header.DestPort, Type: TypePoll, GSI: m.Header.GSI}, false, 0)
	copy(out[headerLen:], body)
	finalizeChecksum(out)
	return out, nil
}

func parsePoll(h Header, b []byte) (*Poll, error) {
	if len(b) < 8 {
		return nil, pgmerr.New(pgmerr.ParseBadLength, "truncated POLL body")
	}
	m := &Poll{Header: h}
	m.Sqn = sqn.Sqn(binary.BigEndian.Uint32(b[0:4]))
	m.Round = binary.BigEndian.Uint16(b[4:6])
	nla, n, err := parseNLA(b[8:])
	if err != nil {
		return nil, err
	}
	m.PathNLA = nla
	rest := b[8+n:]
	if len(rest) < 4 {
		return nil, pgmerr.New(pgmerr.ParseBadLength, "truncated POLL backoff field")
	}
	m.BackOffIvl = binary.BigEndian.Uint32(rest[0:4])
	return m, nil
}

// Polr is the receiver's reply to a POLL.
type Polr struct {
	Header Header
	Sqn    sqn.Sqn
	Round  uint16
}

// EncodePolr serializes a POLR.
func EncodePolr(m Polr) ([]byte, error) {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], uint32(m.Sqn))
	binary.BigEndian.PutUint16(body[4:6], m.Round)

	out := make([]byte, headerLen+len(body))
	putHeader(out, Header{SourcePort: m.Header.SourcePort, DestPort: m.Header.DestPort, Type: TypePolr, GSI: m.Header.GSI}, false, 0)
	copy(out[headerLen:], body)
	finalizeChecksum(out)
	return out, nil
}

func parsePolr(h Header, b []byte) (*Polr, error) {
	if len(b) < 6 {
		return nil, pgmerr.New(pgmerr.ParseBadLength, "truncated POLR body")
	}
	return &Polr{Header: h, Sqn: sqn.Sqn(binary.BigEndian.Uint32(b[0:4])), Round: binary.BigEndian.Uint16(b[4:6])}, nil
}

// Parse dispatches on the common header's type field and returns one
// of *SPM, *Data, *NAK, *Poll, *Polr.
func Parse(raw []byte) (any, error) {
	h, hasOpts, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum(raw); err != nil {
		return nil, err
	}
	body := raw[headerLen:]
	switch h.Type {
	case TypeSPM:
		return parseSPM(h, body)
	case TypeODATA, TypeRDATA:
		return parseData(h, hasOpts, body)
	case TypeNAK, TypeNNAK, TypeNCF:
		return parseNAKLike(h, body)
	case TypePoll:
		return parsePoll(h, body)
	case TypePolr:
		return parsePolr(h, body)
	default:
		return nil, pgmerr.New(pgmerr.ParseBadType, "unknown type 0x%02x", byte(h.Type))
	}
}
