package recovery

import (
	"errors"
	"reflect"
	"testing"

	"memlog/pkg/dberrors"
	"memlog/pkg/types"
)

func TestVerifyPicksNewestThenLongest(t *testing.T) {
	v := NewVerifier(nil)
	refs := []types.SegmentID{88, 89, 90}
	located := []types.ReplicaPlacement{placement(1, 88, true), placement(1, 89, true), placement(1, 90, true)}

	view, err := v.Verify([]types.SegmentDigest{{Segment: 90, Length: 64, Referenced: refs}}, located)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if view.Head.Segment != 90 || view.Head.Length != 64 {
		t.Errorf("expected head 90/64, got %d/%d", view.Head.Segment, view.Head.Length)
	}

	view, err = v.Verify([]types.SegmentDigest{
		{Segment: 90, Length: 64, Referenced: refs},
		{Segment: 90, Length: 65, Referenced: refs},
	}, located)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if view.Head.Length != 65 {
		t.Errorf("expected the longer digest to win, got length %d", view.Head.Length)
	}

	view, err = v.Verify([]types.SegmentDigest{
		{Segment: 90, Length: 64, Referenced: refs},
		{Segment: 91, Length: 1, Referenced: []types.SegmentID{89, 90}},
		{Segment: 90, Length: 65, Referenced: refs},
	}, located)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if view.Head.Segment != 91 || view.Head.Length != 1 {
		t.Errorf("expected head 91/1, got %d/%d", view.Head.Segment, view.Head.Length)
	}
	if want := []types.SegmentID{89, 90, 91}; !reflect.DeepEqual(view.Segments, want) {
		t.Errorf("expected segments %v, got %v", want, view.Segments)
	}
	if want := []types.SegmentID{91}; !reflect.DeepEqual(view.Missing, want) {
		t.Errorf("expected missing %v, got %v", want, view.Missing)
	}
}

func TestVerifyReportsMissing(t *testing.T) {
	view, err := NewVerifier(nil).Verify(
		[]types.SegmentDigest{{Segment: 89, Length: 64, Referenced: []types.SegmentID{88, 89}}},
		[]types.ReplicaPlacement{placement(1, 89, true)},
	)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if want := []types.SegmentID{88, 89}; !reflect.DeepEqual(view.Segments, want) {
		t.Errorf("expected segments %v, got %v", want, view.Segments)
	}
	if want := []types.SegmentID{88}; !reflect.DeepEqual(view.Missing, want) {
		t.Errorf("expected missing %v, got %v", want, view.Missing)
	}
}

func TestVerifyNoDigest(t *testing.T) {
	_, err := NewVerifier(nil).Verify(nil, []types.ReplicaPlacement{placement(1, 88, true)})
	if !errors.Is(err, dberrors.ErrNoUsableHead) {
		t.Errorf("expected ErrNoUsableHead, got %v", err)
	}
}
