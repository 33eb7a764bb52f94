package cluster

import (
	"testing"

	"memlog/pkg/types"
)

func TestReplicaNodeName_RoundTrip(t *testing.T) {
	name := replicaNodeName(89, 3)
	if name != "89-3" {
		t.Fatalf("name=%q", name)
	}
	seg, backup, err := parseReplicaNodeName(name)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if seg != types.SegmentID(89) || backup != types.ServerID(3) {
		t.Fatalf("got seg=%d backup=%d", seg, backup)
	}
}

func TestParseReplicaNodeName_Malformed(t *testing.T) {
	for _, name := range []string{"", "89", "x-3", "89-y", "-3"} {
		if _, _, err := parseReplicaNodeName(name); err == nil {
			t.Fatalf("expected error for %q", name)
		}
	}
}
