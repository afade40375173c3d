// Package pgmconfig loads an on-disk transport profile file and
// translates it into the structs internal/pgm and internal/transport
// take directly, so a CLI need not hand-assemble a Config from flags
// alone. Grounded on the teacher's own yaml-backed config loading in
// deviceid.go (tocalls.yaml), generalized from that file's
// hand-rolled slice-of-structs shape to a single typed Profile.
package pgmconfig

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MindFy/openpgm/internal/pgm"
	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/rxw"
	"github.com/MindFy/openpgm/internal/txw"
)

// FEC mirrors spec.md §6's fec:{n,k,proactive_h,ondemand} option group.
type FEC struct {
	N          int  `yaml:"n"`
	K          int  `yaml:"k"`
	ProactiveH int  `yaml:"proactive_h"`
	OnDemand   bool `yaml:"ondemand"`
}

// Profile is the on-disk shape of a transport's bind-time options,
// covering the §6 configuration surface that is sensible to pin down
// ahead of time rather than pass as flags every invocation.
type Profile struct {
	Group      string `yaml:"group"`
	SourcePort uint16 `yaml:"source_port"`
	DestPort   uint16 `yaml:"dest_port"`
	IPv6       bool   `yaml:"ipv6"`

	TPDU int `yaml:"tpdu_max"`

	TXWSqns uint32 `yaml:"txw_sqns"`
	RXWSqns uint32 `yaml:"rxw_sqns"`

	RateBytesPerSec int64 `yaml:"txw_max_rte"`
	IPHdrOverhead   int   `yaml:"iphdr_overhead"`
	Nonblocking     bool  `yaml:"nonblocking"`

	SpmAmbientIntervalMs   int64   `yaml:"spm_ambient_interval_ms"`
	SpmHeartbeatScheduleMs []int64 `yaml:"spm_heartbeat_schedule_ms"` // empty selects the default geometric schedule
	PeerExpiryMs           int64   `yaml:"peer_expiry_ms"`

	NakBoIvlMs     int64 `yaml:"nak_bo_ivl_ms"`
	NakRptIvlMs    int64 `yaml:"nak_rpt_ivl_ms"`
	NakRdataIvlMs  int64 `yaml:"nak_rdata_ivl_ms"`
	NakDataRetries int   `yaml:"nak_data_retries"`
	NakNcfRetries  int   `yaml:"nak_ncf_retries"`

	Hops          int  `yaml:"hops"`
	MulticastLoop bool `yaml:"multicast_loop"`
	SndBuf        int  `yaml:"sndbuf"`
	RcvBuf        int  `yaml:"rcvbuf"`
	AbortOnReset  bool `yaml:"abort_on_reset"`

	FEC *FEC `yaml:"fec"`
}

// Load reads and parses a Profile from path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pgmerr.New(pgmerr.CONFIG, "read profile %s: %v", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, pgmerr.New(pgmerr.CONFIG, "parse profile %s: %v", path, err)
	}
	return &p, nil
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// TransportConfig translates the profile into a pgm.Config, filling
// in defaults the spec names (spm_ambient_interval default 30s,
// peer_expiry default 5x that) for anything left at zero.
func (p *Profile) TransportConfig(gsi [6]byte) (pgm.Config, error) {
	group := net.ParseIP(p.Group)
	if group == nil && p.Group != "" {
		return pgm.Config{}, pgmerr.New(pgmerr.CONFIG, "invalid group address %q", p.Group)
	}

	spmAmbient := ms(p.SpmAmbientIntervalMs)
	if spmAmbient == 0 {
		spmAmbient = 30 * time.Second
	}
	var spmHeartbeatSchedule []time.Duration
	for _, stepMs := range p.SpmHeartbeatScheduleMs {
		spmHeartbeatSchedule = append(spmHeartbeatSchedule, ms(stepMs))
	}
	peerExpiry := ms(p.PeerExpiryMs)
	if peerExpiry == 0 {
		peerExpiry = 5 * spmAmbient
	}

	var txwFEC *txw.FECConfig
	var rxwFEC *rxw.FECConfig
	fecK := 0
	if p.FEC != nil {
		txwFEC = &txw.FECConfig{N: p.FEC.N, K: p.FEC.K, ProactiveH: p.FEC.ProactiveH, OnDemand: p.FEC.OnDemand}
		rxwFEC = &rxw.FECConfig{N: p.FEC.N, K: p.FEC.K}
		fecK = p.FEC.K
	}

	cfg := pgm.Config{
		GSI:        gsi,
		SourcePort: p.SourcePort,
		DestPort:   p.DestPort,
		GroupNLA:   group,
		TPDU:       p.TPDU,
		IPv6:       p.IPv6,
		TXW: txw.Config{
			Sqns: p.TXWSqns,
			TPDU: p.TPDU,
			FEC:  txwFEC,
		},
		RXW: rxw.Config{
			Sqns:           p.RXWSqns,
			FEC:            rxwFEC,
			NakBoIvl:       nonZeroOr(ms(p.NakBoIvlMs), time.Second),
			NakRptIvl:      nonZeroOr(ms(p.NakRptIvlMs), time.Second),
			NakRdataIvl:    nonZeroOr(ms(p.NakRdataIvlMs), time.Second),
			NakDataRetries: p.NakDataRetries,
			NakNcfRetries:  p.NakNcfRetries,
			AbortOnReset:   p.AbortOnReset,
		},
		FECK:                 fecK,
		RateBytesPerSec:      p.RateBytesPerSec,
		IPHdrOverhead:        p.IPHdrOverhead,
		Nonblocking:          p.Nonblocking,
		SpmAmbientIvl:        spmAmbient,
		SpmHeartbeatSchedule: spmHeartbeatSchedule,
		PeerExpiry:           peerExpiry,
	}
	return cfg, nil
}

func nonZeroOr(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

// String renders the profile for debug logging without dumping every
// zero-valued field.
func (p *Profile) String() string {
	return fmt.Sprintf("group=%s source_port=%d dest_port=%d tpdu=%d", p.Group, p.SourcePort, p.DestPort, p.TPDU)
}
