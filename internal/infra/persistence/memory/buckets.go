package memory

import (
	"encoding/json"
	"fmt"
)

// BucketNames lists the persistence buckets a Snapshot is split into, one per collection.
var BucketNames = []string{"devices", "locations", "teams", "members", "memberships", "installations", "server_data"}

func (s *Snapshot) bucketTarget(bucket string) (any, bool) {
	switch bucket {
	case "devices":
		return &s.Devices, true
	case "locations":
		return &s.Locations, true
	case "teams":
		return &s.Teams, true
	case "members":
		return &s.Members, true
	case "memberships":
		return &s.Memberships, true
	case "installations":
		return &s.Installations, true
	case "server_data":
		return &s.ServerData, true
	}
	return nil, false
}

// EncodeBucket marshals one collection of the snapshot as a JSON object keyed by id.
func (s Snapshot) EncodeBucket(bucket string) ([]byte, error) {
	target, ok := s.bucketTarget(bucket)
	if !ok {
		return nil, fmt.Errorf("unknown bucket %s", bucket)
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", bucket, err)
	}
	return data, nil
}

// DecodeBucket hydrates one collection from its JSON payload. Unknown buckets are
// ignored so that stores written by newer builds still load.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	target, ok := s.bucketTarget(bucket)
	if !ok || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
