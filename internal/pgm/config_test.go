package pgm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MindFy/openpgm/internal/fec"
	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/rxw"
	"github.com/MindFy/openpgm/internal/txw"
)

// TestConfig_TPDUBelowMinimum is scenario S5: bind with tpdu_max=64
// fails CONFIG (IPv4's floor is 68).
func TestConfig_TPDUBelowMinimum(t *testing.T) {
	cfg := baseConfig(1, 1000)
	cfg.TPDU = 64
	err := cfg.validate()
	assert.True(t, pgmerr.Is(err, pgmerr.CONFIG))
}

// TestConfig_IPv6RequiresLargerTPDU checks the 1280-byte IPv6 floor:
// a TPDU that clears the IPv4 minimum still fails CONFIG once IPv6 is
// selected.
func TestConfig_IPv6RequiresLargerTPDU(t *testing.T) {
	cfg := baseConfig(1, 1000)
	cfg.TPDU = 1024
	cfg.IPv6 = true
	err := cfg.validate()
	assert.True(t, pgmerr.Is(err, pgmerr.CONFIG))
}

// TestConfig_TXWZeroSizingFailsConfig is scenario S5: bind with
// txw_sqns=0 and txw_secs=0 fails CONFIG.
func TestConfig_TXWZeroSizingFailsConfig(t *testing.T) {
	_, err := txw.New(0, txw.Config{})
	assert.True(t, pgmerr.Is(err, pgmerr.CONFIG))
}

// TestConfig_FECKNotPowerOfTwoFailsConfig is scenario S5: bind with
// k=100 fails CONFIG (k not a power of two).
func TestConfig_FECKNotPowerOfTwoFailsConfig(t *testing.T) {
	_, err := fec.NewCodec(150, 100)
	assert.True(t, pgmerr.Is(err, pgmerr.InvalidParams))
}

// TestConfig_RequiresPositiveIntervals rounds out the CONFIG family
// for the timer fields, which S5 doesn't name explicitly but the spec
// lists alongside tpdu_max/txw_sqns as immutable bind-time options; it
// also checks that a FECK disagreeing with RXW.FEC.K fails CONFIG.
func TestConfig_RequiresPositiveIntervals(t *testing.T) {
	cfg := baseConfig(1, 1000)
	cfg.SpmAmbientIvl = 0
	assert.True(t, pgmerr.Is(cfg.validate(), pgmerr.CONFIG))

	cfg = baseConfig(1, 1000)
	cfg.PeerExpiry = 0
	assert.True(t, pgmerr.Is(cfg.validate(), pgmerr.CONFIG))

	cfg = baseConfig(1, 1000)
	cfg.RXW.FEC = &rxw.FECConfig{N: 255, K: 223}
	cfg.FECK = 1
	assert.True(t, pgmerr.Is(cfg.validate(), pgmerr.CONFIG))
}
