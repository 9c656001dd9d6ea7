package store

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/pulsewatch/engine/pkg/types"
)

// Probe records with large diagnostic payloads (console logs, DOM
// notes) are snappy-compressed before storage. A one-byte marker keeps
// small plain-JSON records readable as-is.
const (
	recordMarkerSnappy = 0x01
	compressThreshold  = 4 * 1024
)

func encodeRecord(result *types.ProbeResult) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("probe record marshal failed: %w", err)
	}
	if len(data) < compressThreshold {
		return data, nil
	}

	compressed := snappy.Encode(nil, data)
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, recordMarkerSnappy)
	return append(out, compressed...), nil
}

func decodeRecord(payload []byte) (*types.ProbeResult, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty probe record")
	}
	if payload[0] == recordMarkerSnappy {
		decoded, err := snappy.Decode(nil, payload[1:])
		if err != nil {
			return nil, fmt.Errorf("probe record decompress failed: %w", err)
		}
		payload = decoded
	}

	var result types.ProbeResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("probe record unmarshal failed: %w", err)
	}
	return &result, nil
}
