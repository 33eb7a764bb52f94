package cluster

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"sync"

	"memlog/pkg/types"
)

// HashRing реализует consistent hashing с виртуальными нодами.
type HashRing struct {
	replicas int
	hashes   []uint32                  // отсортированные хэши
	owners   map[uint32]types.ServerID // хэш -> нода
	mu       sync.RWMutex
}

func NewHashRing(replicas int) *HashRing {
	if replicas <= 0 {
		replicas = 1
	}
	return &HashRing{
		replicas: replicas,
		owners:   make(map[uint32]types.ServerID),
	}
}

func (h *HashRing) AddNode(id types.ServerID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", id, i)))
		if _, taken := h.owners[hash]; taken {
			continue
		}
		h.hashes = append(h.hashes, hash)
		h.owners[hash] = id
	}
	slices.Sort(h.hashes)
}

func (h *HashRing) RemoveNode(id types.ServerID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	filtered := h.hashes[:0]
	for _, hash := range h.hashes {
		if h.owners[hash] != id {
			filtered = append(filtered, hash)
		} else {
			delete(h.owners, hash)
		}
	}
	h.hashes = filtered
}

// GetNode returns the owner of key.
func (h *HashRing) GetNode(key string) (types.ServerID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.hashes) == 0 {
		return 0, false
	}
	return h.owners[h.hashes[h.search(key)]], true
}

// Walk returns every distinct node in clockwise order starting at the owner
// of key.
func (h *HashRing) Walk(key string) []types.ServerID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.hashes) == 0 {
		return nil
	}

	start := h.search(key)
	seen := make(map[types.ServerID]struct{})
	var result []types.ServerID
	for i := 0; i < len(h.hashes); i++ {
		owner := h.owners[h.hashes[(start+i)%len(h.hashes)]]
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		result = append(result, owner)
	}
	return result
}

func (h *HashRing) search(key string) int {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(h.hashes), func(i int) bool { return h.hashes[i] >= hash })
	if idx == len(h.hashes) {
		idx = 0
	}
	return idx
}

// ListNodes возвращает отсортированный список уникальных нод.
func (h *HashRing) ListNodes() []types.ServerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[types.ServerID]struct{}{}
	var result []types.ServerID
	for _, id := range h.owners {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	slices.Sort(result)
	return result
}
