package pgm

import (
	"encoding/binary"

	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/sqn"
)

// OptType identifies one TLV in the OPT_* chain following a packet's
// type-specific fixed body.
type OptType byte

const (
	OptLength          OptType = 0x00
	OptFragment        OptType = 0x01
	OptParity          OptType = 0x08
	OptParityGrp       OptType = 0x09
	OptParityCurTgsize OptType = 0x0A
)

const optLengthTLVLen = 4

// encodeOpts serializes the option chain, leading with OPT_LENGTH
// whenever at least one option is present. Returns nil if both frag
// and parity are nil.
func encodeOpts(frag *Fragment, parity *Parity) []byte {
	if frag == nil && parity == nil {
		return nil
	}

	var body []byte
	if frag != nil {
		tlv := make([]byte, 2+12)
		tlv[0] = byte(OptFragment)
		tlv[1] = byte(len(tlv))
		binary.BigEndian.PutUint32(tlv[2:6], uint32(frag.APDUFirstSqn))
		binary.BigEndian.PutUint32(tlv[6:10], frag.FragOffset)
		binary.BigEndian.PutUint32(tlv[10:14], frag.APDULength)
		body = append(body, tlv...)
	}
	if parity != nil {
		flagsTLV := make([]byte, 3)
		flagsTLV[0] = byte(OptParity)
		flagsTLV[1] = byte(len(flagsTLV))
		var flags byte
		if parity.Proactive {
			flags |= 0x01
		}
		if parity.OnDemand {
			flags |= 0x02
		}
		flagsTLV[2] = flags
		body = append(body, flagsTLV...)

		if parity.HasGroupSqn {
			tlv := make([]byte, 6)
			tlv[0] = byte(OptParityGrp)
			tlv[1] = byte(len(tlv))
			binary.BigEndian.PutUint32(tlv[2:6], uint32(parity.GroupSqn))
			body = append(body, tlv...)
		}
		if parity.HasCurTgsize {
			tlv := make([]byte, 6)
			tlv[0] = byte(OptParityCurTgsize)
			tlv[1] = byte(len(tlv))
			binary.BigEndian.PutUint32(tlv[2:6], parity.CurTgsize)
			body = append(body, tlv...)
		}
	}

	out := make([]byte, optLengthTLVLen+len(body))
	out[0] = byte(OptLength)
	out[1] = optLengthTLVLen
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[optLengthTLVLen:], body)
	return out
}

// parseOpts consumes the OPT_LENGTH-prefixed chain at the start of b,
// returning the decoded fragment/parity options and how many bytes of
// b the chain occupied.
func parseOpts(b []byte) (*Fragment, *Parity, int, error) {
	if len(b) < optLengthTLVLen {
		return nil, nil, 0, pgmerr.New(pgmerr.ParseBadOpt, "truncated OPT_LENGTH")
	}
	if OptType(b[0]) != OptLength {
		return nil, nil, 0, pgmerr.New(pgmerr.ParseBadOpt, "options chain must begin with OPT_LENGTH, got 0x%02x", b[0])
	}
	if b[1] != optLengthTLVLen {
		return nil, nil, 0, pgmerr.New(pgmerr.ParseBadOpt, "OPT_LENGTH has unexpected tlv length %d", b[1])
	}
	total := int(binary.BigEndian.Uint16(b[2:4]))
	if total < optLengthTLVLen || total > len(b) {
		return nil, nil, 0, pgmerr.New(pgmerr.ParseBadOpt, "OPT_LENGTH total %d out of range (have %d)", total, len(b))
	}

	var frag *Fragment
	var parity *Parity
	cursor := optLengthTLVLen
	for cursor < total {
		if cursor+2 > total {
			return nil, nil, 0, pgmerr.New(pgmerr.ParseBadOpt, "truncated option header at offset %d", cursor)
		}
		typ := OptType(b[cursor])
		tlvLen := int(b[cursor+1])
		if tlvLen < 2 || cursor+tlvLen > total {
			return nil, nil, 0, pgmerr.New(pgmerr.ParseBadOpt, "option 0x%02x has invalid length %d", typ, tlvLen)
		}
		val := b[cursor+2 : cursor+tlvLen]

		switch typ {
		case OptFragment:
			if len(val) != 12 {
				return nil, nil, 0, pgmerr.New(pgmerr.ParseBadOpt, "OPT_FRAGMENT value must be 12 bytes, got %d", len(val))
			}
			frag = &Fragment{
				APDUFirstSqn: sqn.Sqn(binary.BigEndian.Uint32(val[0:4])),
				FragOffset:   binary.BigEndian.Uint32(val[4:8]),
				APDULength:   binary.BigEndian.Uint32(val[8:12]),
			}
		case OptParity:
			if len(val) != 1 {
				return nil, nil, 0, pgmerr.New(pgmerr.ParseBadOpt, "OPT_PARITY value must be 1 byte, got %d", len(val))
			}
			if parity == nil {
				parity = &Parity{}
			}
			parity.Proactive = val[0]&0x01 != 0
			parity.OnDemand = val[0]&0x02 != 0
		case OptParityGrp:
			if len(val) != 4 {
				return nil, nil, 0, pgmerr.New(pgmerr.ParseBadOpt, "OPT_PARITY_GRP value must be 4 bytes, got %d", len(val))
			}
			if parity == nil {
				parity = &Parity{}
			}
			parity.GroupSqn = sqn.Sqn(binary.BigEndian.Uint32(val))
			parity.HasGroupSqn = true
		case OptParityCurTgsize:
			if len(val) != 4 {
				return nil, nil, 0, pgmerr.New(pgmerr.ParseBadOpt, "OPT_PARITY_CUR_TGSIZE value must be 4 bytes, got %d", len(val))
			}
			if parity == nil {
				parity = &Parity{}
			}
			parity.CurTgsize = binary.BigEndian.Uint32(val)
			parity.HasCurTgsize = true
		default:
			// unknown option: skip, per the spec's forward-compatibility note.
		}
		cursor += tlvLen
	}
	return frag, parity, total, nil
}
