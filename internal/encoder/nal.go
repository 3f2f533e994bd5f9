package encoder

// H.264 NAL unit types (ITU-T H.264 table 7-1).
const (
	nalTypeIDR = 5
	nalTypeSPS = 7
	nalTypePPS = 8
)

// startCodeAt reports whether an Annex B start code begins at i and how many
// bytes it spans.
func startCodeAt(b []byte, i int) (int, bool) {
	if i+3 <= len(b) && b[i] == 0x00 && b[i+1] == 0x00 && b[i+2] == 0x01 {
		return 3, true
	}
	if i+4 <= len(b) && b[i] == 0x00 && b[i+1] == 0x00 && b[i+2] == 0x00 && b[i+3] == 0x01 {
		return 4, true
	}
	return 0, false
}

// forEachNALUnit walks the Annex B byte stream in au, calling fn with each
// NAL unit's type and the offset of its start code. Returning false stops
// the walk.
func forEachNALUnit(au []byte, fn func(nalType byte, offset int) bool) {
	i := 0
	for i < len(au) {
		n, ok := startCodeAt(au, i)
		if !ok {
			i++
			continue
		}
		header := i + n
		if header >= len(au) {
			return
		}
		if !fn(au[header]&0x1f, i) {
			return
		}
		i = header + 1
	}
}

// splitParameterSets divides an access unit into its leading run of
// parameter set NAL units (SPS/PPS) and the remainder. Either part may be
// empty.
func splitParameterSets(au []byte) (config, data []byte) {
	sawConfig := false
	cut := -1
	forEachNALUnit(au, func(nalType byte, offset int) bool {
		if nalType == nalTypeSPS || nalType == nalTypePPS {
			sawConfig = true
			return true
		}
		cut = offset
		return false
	})
	if !sawConfig {
		return nil, au
	}
	if cut < 0 {
		return au, nil
	}
	return au[:cut], au[cut:]
}

// containsIDR reports whether the access unit holds an IDR slice.
func containsIDR(au []byte) bool {
	found := false
	forEachNALUnit(au, func(nalType byte, _ int) bool {
		if nalType == nalTypeIDR {
			found = true
			return false
		}
		return true
	})
	return found
}
