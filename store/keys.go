package store

import (
	"bytes"
	"strconv"
)

// Physical key layout: "{logical key}#{decimal timestamp}". Decimal text
// does not sort numerically, so per-key scans are re-sorted by timestamp.
const (
	versionSeparator = '#'
	// versionSentinel sorts after every decimal digit.
	versionSentinel = '~'
)

func versionKey(key []byte, ts Timestamp) []byte {
	k := make([]byte, 0, len(key)+1+20)
	k = append(k, key...)
	k = append(k, versionSeparator)
	return strconv.AppendUint(k, ts, 10)
}

// versionBounds returns the scan range holding every version of key.
func versionBounds(key []byte) ([]byte, []byte) {
	start := make([]byte, 0, len(key)+1)
	start = append(start, key...)
	start = append(start, versionSeparator)
	end := make([]byte, 0, len(key)+2)
	end = append(end, start...)
	end = append(end, versionSentinel)
	return start, end
}

// parseVersionKey splits a physical key at its last separator. Keys
// without a decimal timestamp suffix are not version keys.
func parseVersionKey(k []byte) ([]byte, Timestamp, bool) {
	i := bytes.LastIndexByte(k, versionSeparator)
	if i < 0 || i == len(k)-1 {
		return nil, 0, false
	}
	suffix := k[i+1:]
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return nil, 0, false
		}
	}
	ts, err := strconv.ParseUint(string(suffix), 10, 64)
	if err != nil {
		return nil, 0, false
	}
	return k[:i], ts, true
}
