package types

import "strconv"

// ServerID identifies a node in the cluster. It is stable for the node's
// lifetime and unrelated to the node's network locator.
type ServerID uint64

func (id ServerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseServerID parses the decimal form produced by ServerID.String.
func ParseServerID(s string) (ServerID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ServerID(v), nil
}

// SegmentID identifies a segment within one master's log. Higher is newer.
type SegmentID uint64

// PartitionID tags tablets that are recovered together.
type PartitionID uint64

// TableID identifies a table.
type TableID uint64

// SegmentDigest is the log digest embedded in a head segment: every segment
// that must exist for the log to be complete.
type SegmentDigest struct {
	Segment    SegmentID   `json:"segment"`
	Length     uint32      `json:"length"`
	Referenced []SegmentID `json:"referenced"`
}

// ReplicaPlacement is one (backup, segment) pairing for a master's log.
type ReplicaPlacement struct {
	Backup  ServerID  `json:"backup"`
	Segment SegmentID `json:"segment"`
	Primary bool      `json:"primary"`
	// Digest is set when this replica carries a log digest (open segment).
	Digest *SegmentDigest `json:"digest,omitempty"`
}

// Tablet is a contiguous key-hash range of a table owned by a master.
type Tablet struct {
	Table     TableID     `json:"table"`
	StartKey  uint64      `json:"start_key"`
	EndKey    uint64      `json:"end_key"`
	Partition PartitionID `json:"partition"`
}

// Contains reports whether the key hash of table falls in the tablet.
func (t Tablet) Contains(table TableID, keyHash uint64) bool {
	return t.Table == table && keyHash >= t.StartKey && keyHash <= t.EndKey
}

// RecoveryPartition is a group of tablets recovered by one healthy node.
type RecoveryPartition struct {
	ID        PartitionID `json:"id"`
	Tablets   []Tablet    `json:"tablets"`
	Recoverer ServerID    `json:"recoverer"`
}
