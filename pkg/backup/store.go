package backup

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"memlog/pkg/dberrors"
	"memlog/pkg/listener"
	"memlog/pkg/recovery"
	"memlog/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

const segmentExt = ".seg"

type replicaState int

const (
	replicaLoading replicaState = iota
	replicaReady
	replicaBroken
)

type replicaKey struct {
	master  types.ServerID
	segment types.SegmentID
}

type replica struct {
	header Header
	path   string

	mu      sync.RWMutex
	state   replicaState
	entries []Entry
	err     error
}

func (r *replica) loaded(entries []Entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.state = replicaBroken
		r.err = err
		return
	}
	r.state = replicaReady
	r.entries = entries
}

// Store keeps the segment replicas this backup holds. Replicas found on disk
// at Open are registered immediately and replayed in the background; until a
// replica is replayed, fetches on it report dberrors.ErrTransientUnavailable.
type Store struct {
	id     types.ServerID
	dir    string
	logger *slog.Logger

	index    *skipmap.FuncMap[replicaKey, *replica]
	replayer *listener.Listener[*replica]
	// serializes file writes; reads go through the index
	writeMu sync.Mutex
}

type Options struct {
	// ReplayWorkers bounds how many segment files are replayed at once.
	ReplayWorkers int
	Logger        *slog.Logger
}

// Open scans dir for segment files and starts replaying them.
func Open(dir string, id types.ServerID, opts Options) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty backup dir: %w", dberrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		id:     id,
		dir:    dir,
		logger: opts.Logger.With("backup", id),
		index: skipmap.NewFunc[replicaKey, *replica](func(a, b replicaKey) bool {
			if a.master != b.master {
				return a.master < b.master
			}
			return a.segment < b.segment
		}),
	}

	found, err := s.scan()
	if err != nil {
		return nil, err
	}

	queue := make(chan *replica, len(found))
	for _, r := range found {
		s.index.Store(replicaKey{r.header.Master, r.header.Segment}, r)
		queue <- r
	}
	close(queue)

	s.replayer = listener.New(queue, s.replay,
		listener.WithWorkers[*replica](cmp.Or(opts.ReplayWorkers, 4)),
		listener.WithErrorHandler(func(r *replica, err error) {
			r.loaded(nil, err)
			s.logger.Error("replica replay failed", "path", r.path, "error", err)
		}),
	)
	s.replayer.Start(context.Background())

	s.logger.Info("backup store opened", "dir", dir, "replicas", len(found))
	return s, nil
}

// scan reads the header of every segment file under dir/<master>/.
func (s *Store) scan() ([]*replica, error) {
	var found []*replica
	masters, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}
	for _, m := range masters {
		if !m.IsDir() {
			continue
		}
		if _, err := types.ParseServerID(m.Name()); err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, m.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read backup directory: %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), segmentExt) {
				continue
			}
			path := filepath.Join(s.dir, m.Name(), f.Name())
			h, err := readHeaderFile(path)
			if err != nil {
				s.logger.Warn("skipping unreadable segment file", "path", path, "error", err)
				continue
			}
			found = append(found, &replica{header: h, path: path, state: replicaLoading})
		}
	}
	return found, nil
}

func readHeaderFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return readHeader(bufio.NewReader(f))
}

// replay is run by the replayer workers.
func (s *Store) replay(r *replica) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open segment: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Warn("failed to close segment file", "path", r.path, "error", cerr)
		}
	}()

	_, entries, err := DecodeSegment(f)
	if err != nil {
		return fmt.Errorf("failed to replay segment: %w", err)
	}
	r.loaded(entries, nil)
	s.logger.Debug("replica replayed", "master", r.header.Master, "segment", r.header.Segment, "entries", len(entries))
	return nil
}

func (s *Store) segmentPath(master types.ServerID, seg types.SegmentID) string {
	return filepath.Join(s.dir, master.String(), strconv.FormatUint(uint64(seg), 10)+segmentExt)
}

// WriteSegment stores a replica, replacing any previous copy of the same
// segment. The replica is servable as soon as WriteSegment returns.
func (s *Store) WriteSegment(h Header, entries []Entry) error {
	if h.Digest != nil && h.Digest.Segment != h.Segment {
		return fmt.Errorf("digest of segment %d on segment %d: %w", h.Digest.Segment, h.Segment, dberrors.ErrInvalidArgument)
	}
	data, err := EncodeSegment(h, entries)
	if err != nil {
		return fmt.Errorf("failed to encode segment: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	path := s.segmentPath(h.Master, h.Segment)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create master directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to install segment: %w", err)
	}

	r := &replica{header: h, path: path, state: replicaReady, entries: entries}
	s.index.Store(replicaKey{h.Master, h.Segment}, r)
	return nil
}

// FetchRecoveryData returns the entries of one replica that fall in the
// requested tablets, encoded with EncodeEntries. It satisfies
// recovery.BackupClient, so a coordinator can read a local store directly.
func (s *Store) FetchRecoveryData(ctx context.Context, req recovery.FetchRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := s.index.Load(replicaKey{req.Crashed, req.Segment})
	if !ok {
		return nil, fmt.Errorf("segment %d of master %s: %w", req.Segment, req.Crashed, dberrors.ErrNotFound)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	switch r.state {
	case replicaLoading:
		return nil, fmt.Errorf("segment %d of master %s is loading: %w", req.Segment, req.Crashed, dberrors.ErrTransientUnavailable)
	case replicaBroken:
		return nil, fmt.Errorf("segment %d of master %s unreadable (%v): %w", req.Segment, req.Crashed, r.err, dberrors.ErrNotFound)
	}

	var matched []Entry
	for _, e := range r.entries {
		for _, t := range req.Tablets {
			if t.Contains(e.Table, e.KeyHash) {
				matched = append(matched, e)
				break
			}
		}
	}
	return EncodeEntries(matched)
}

// Replicas reports every replica of master's log this backup holds,
// ascending by segment.
func (s *Store) Replicas(master types.ServerID) []types.ReplicaPlacement {
	var res []types.ReplicaPlacement
	s.index.Range(func(k replicaKey, r *replica) bool {
		if k.master == master {
			res = append(res, s.placement(r))
		}
		return k.master <= master
	})
	return res
}

// Masters lists the masters this backup holds replicas for.
func (s *Store) Masters() []types.ServerID {
	var res []types.ServerID
	s.index.Range(func(k replicaKey, _ *replica) bool {
		if len(res) == 0 || res[len(res)-1] != k.master {
			res = append(res, k.master)
		}
		return true
	})
	return res
}

func (s *Store) placement(r *replica) types.ReplicaPlacement {
	p := types.ReplicaPlacement{Backup: s.id, Segment: r.header.Segment, Primary: r.header.Primary}
	if r.header.Digest != nil {
		d := *r.header.Digest
		d.Referenced = slices.Clone(d.Referenced)
		p.Digest = &d
	}
	return p
}

// WaitReplayed blocks until every replica found at Open was replayed.
func (s *Store) WaitReplayed() {
	s.replayer.Wait()
}

func (s *Store) Close() error {
	s.replayer.Stop()
	return nil
}
