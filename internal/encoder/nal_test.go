package encoder

import (
	"bytes"
	"testing"
)

// nalUnit renders one Annex B NAL unit with a 4-byte start code, the way the
// encoder emits them.
func nalUnit(header byte, payload ...byte) []byte {
	return append([]byte{0x00, 0x00, 0x00, 0x01, header}, payload...)
}

// TestStartCodeAt validates detection of both start code lengths and the
// rejection of near misses.
func TestStartCodeAt(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		i    int
		n    int
		ok   bool
	}{
		{"three byte", []byte{0x00, 0x00, 0x01, 0x67}, 0, 3, true},
		{"four byte", []byte{0x00, 0x00, 0x00, 0x01, 0x67}, 0, 4, true},
		{"offset", []byte{0xff, 0x00, 0x00, 0x01, 0x67}, 1, 3, true},
		{"not a start code", []byte{0x00, 0x01, 0x00, 0x67}, 0, 0, false},
		{"truncated", []byte{0x00, 0x00}, 0, 0, false},
	}
	for _, tc := range cases {
		n, ok := startCodeAt(tc.data, tc.i)
		if n != tc.n || ok != tc.ok {
			t.Errorf("%s: startCodeAt = (%d, %v), want (%d, %v)", tc.name, n, ok, tc.n, tc.ok)
		}
	}
}

// TestSplitParameterSetsLeadingRun validates that an access unit opening
// with SPS and PPS splits exactly at the first picture NAL, with the SEI
// staying on the picture side.
func TestSplitParameterSetsLeadingRun(t *testing.T) {
	sps := nalUnit(0x67, 0xaa, 0xbb)
	pps := nalUnit(0x68, 0xcc)
	sei := nalUnit(0x06, 0x05)
	idr := nalUnit(0x65, 0x11, 0x22, 0x33)

	au := bytes.Join([][]byte{sps, pps, sei, idr}, nil)
	config, data := splitParameterSets(au)

	wantConfig := bytes.Join([][]byte{sps, pps}, nil)
	wantData := bytes.Join([][]byte{sei, idr}, nil)
	if !bytes.Equal(config, wantConfig) {
		t.Errorf("config = % x, want % x", config, wantConfig)
	}
	if !bytes.Equal(data, wantData) {
		t.Errorf("data = % x, want % x", data, wantData)
	}
}

// TestSplitParameterSetsNoConfig validates that a plain picture access unit
// comes back untouched with an empty config part.
func TestSplitParameterSetsNoConfig(t *testing.T) {
	au := nalUnit(0x41, 0x01, 0x02)
	config, data := splitParameterSets(au)
	if len(config) != 0 {
		t.Errorf("config = % x, want empty", config)
	}
	if !bytes.Equal(data, au) {
		t.Errorf("data = % x, want % x", data, au)
	}
}

// TestSplitParameterSetsOnlyConfig validates that an access unit of nothing
// but parameter sets is all config.
func TestSplitParameterSetsOnlyConfig(t *testing.T) {
	au := bytes.Join([][]byte{nalUnit(0x67, 0xaa), nalUnit(0x68, 0xbb)}, nil)
	config, data := splitParameterSets(au)
	if !bytes.Equal(config, au) {
		t.Errorf("config = % x, want % x", config, au)
	}
	if len(data) != 0 {
		t.Errorf("data = % x, want empty", data)
	}
}

// TestSplitParameterSetsGarbage validates that bytes with no start codes are
// treated as picture data rather than configuration.
func TestSplitParameterSetsGarbage(t *testing.T) {
	au := []byte{0xde, 0xad, 0xbe, 0xef}
	config, data := splitParameterSets(au)
	if len(config) != 0 {
		t.Errorf("config = % x, want empty", config)
	}
	if !bytes.Equal(data, au) {
		t.Errorf("data = % x, want % x", data, au)
	}
}

// TestContainsIDR validates keyframe classification across IDR, non-IDR,
// and mixed access units.
func TestContainsIDR(t *testing.T) {
	idr := bytes.Join([][]byte{nalUnit(0x06, 0x05), nalUnit(0x65, 0x11)}, nil)
	if !containsIDR(idr) {
		t.Error("SEI+IDR access unit not classified as IDR")
	}
	delta := nalUnit(0x41, 0x01)
	if containsIDR(delta) {
		t.Error("non-IDR slice classified as IDR")
	}
	if containsIDR(nil) {
		t.Error("empty access unit classified as IDR")
	}
}
