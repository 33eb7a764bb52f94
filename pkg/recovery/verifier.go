package recovery

import (
	"log/slog"
	"slices"

	"memlog/pkg/dberrors"
	"memlog/pkg/types"
)

// LogView is the verified shape of a crashed master's log.
type LogView struct {
	Head types.SegmentDigest
	// Segments is every segment the head requires, ascending.
	Segments []types.SegmentID
	// Missing is the subset of Segments no backup reported.
	Missing []types.SegmentID
}

// Verifier picks the authoritative log head and checks it against what the
// locator found.
type Verifier struct {
	logger *slog.Logger
}

func NewVerifier(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{logger: logger}
}

// Verify selects the newest digest (longest on a tie) as the head. Missing
// segments are reported, not treated as an error: whether a partial log is
// acceptable is the caller's call.
func (v *Verifier) Verify(digests []types.SegmentDigest, located []types.ReplicaPlacement) (LogView, error) {
	if len(digests) == 0 {
		return LogView{}, dberrors.ErrNoUsableHead
	}

	head := digests[0]
	for _, d := range digests[1:] {
		if d.Segment > head.Segment || (d.Segment == head.Segment && d.Length > head.Length) {
			head = d
		}
	}
	v.logger.Info("head of the log selected", "segment", head.Segment, "length", head.Length)

	segments := slices.Clone(head.Referenced)
	if !slices.Contains(segments, head.Segment) {
		segments = append(segments, head.Segment)
	}
	slices.Sort(segments)
	segments = slices.Compact(segments)

	found := make(map[types.SegmentID]struct{}, len(located))
	for _, p := range located {
		found[p.Segment] = struct{}{}
	}

	view := LogView{Head: head, Segments: segments}
	for _, id := range segments {
		if _, ok := found[id]; !ok {
			v.logger.Warn("segment is missing", "segment", id)
			view.Missing = append(view.Missing, id)
		}
	}
	if len(view.Missing) > 0 {
		v.logger.Warn("segments in the digest, but not obtained from backups", "count", len(view.Missing))
	}
	return view, nil
}
