package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"memlog/pkg/dberrors"
	"memlog/pkg/types"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
)

// ZKRoster keeps membership and replica placements in ZooKeeper:
//
//	<root>/nodes/<id>                          ephemeral, ServerInfo JSON
//	<root>/replicas/<master>/<segment>-<backup> ReplicaPlacement JSON
type ZKRoster struct {
	conn     *zk.Conn
	rootPath string
	logger   *slog.Logger
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKRoster(servers []string, rootPath string, sessionTimeout time.Duration) (*ZKRoster, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKRoster{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		logger:   slog.Default().With("component", "zk"),
	}, nil
}

func (m *ZKRoster) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKRoster) nodesPath() string { return m.rootPath + "/nodes" }

func (m *ZKRoster) replicasPath(master types.ServerID) string {
	return fmt.Sprintf("%s/replicas/%s", m.rootPath, master)
}

func (m *ZKRoster) ensurePath(p string) error {
	parts := strings.Split(p, "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register создаёт ephemeral-узел для текущей ноды
func (m *ZKRoster) Register(ctx context.Context, info ServerInfo) error {
	// Ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(ctx, 10*time.Second); err != nil {
		return err
	}
	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal server info: %w", err)
	}

	nodePath := path.Join(m.nodesPath(), info.ID.String())
	_, err = m.conn.Create(nodePath, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	m.logger.Info("registered node", "path", nodePath, "services", info.Services)
	return nil
}

// PublishReplica records that p.Backup holds a replica of master's segment.
func (m *ZKRoster) PublishReplica(master types.ServerID, p types.ReplicaPlacement) error {
	dir := m.replicasPath(master)
	if err := m.ensurePath(dir); err != nil {
		return fmt.Errorf("ensure replicas path: %w", err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal placement: %w", err)
	}

	nodePath := path.Join(dir, replicaNodeName(p.Segment, p.Backup))
	_, err = m.conn.Create(nodePath, data, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = m.conn.Set(nodePath, data, -1)
	}
	if err != nil {
		return fmt.Errorf("publish replica %s: %w", nodePath, err)
	}
	return nil
}

// Servers читает список живых нод
func (m *ZKRoster) Servers() ([]ServerInfo, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}

	servers := make([]ServerInfo, 0, len(children))
	for _, child := range children {
		data, _, err := m.conn.Get(path.Join(m.nodesPath(), child))
		if errors.Is(err, zk.ErrNoNode) {
			// session expired between Children and Get
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		var info ServerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			m.logger.Warn("skipping malformed node", "node", child, "error", err)
			continue
		}
		servers = append(servers, info)
	}
	return servers, nil
}

func (m *ZKRoster) HealthyNodes() ([]types.ServerID, error) {
	servers, err := m.Servers()
	if err != nil {
		return nil, err
	}
	var ids []types.ServerID
	for _, s := range servers {
		if s.Has(MasterService) {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

// ReplicasOf returns the placements of crashed's segments held by live
// backups. Placements on backups that left the cluster are dropped.
func (m *ZKRoster) ReplicasOf(crashed types.ServerID) ([]types.ReplicaPlacement, error) {
	servers, err := m.Servers()
	if err != nil {
		return nil, err
	}
	live := make(map[types.ServerID]bool, len(servers))
	for _, s := range servers {
		if s.Has(BackupService) {
			live[s.ID] = true
		}
	}

	dir := m.replicasPath(crashed)
	children, _, err := m.conn.Children(dir)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}

	var placements []types.ReplicaPlacement
	for _, child := range children {
		_, backup, err := parseReplicaNodeName(child)
		if err != nil {
			m.logger.Warn("skipping malformed replica node", "node", child, "error", err)
			continue
		}
		if !live[backup] {
			continue
		}
		data, _, err := m.conn.Get(path.Join(dir, child))
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		var p types.ReplicaPlacement
		if err := json.Unmarshal(data, &p); err != nil {
			m.logger.Warn("skipping malformed placement", "node", child, "error", err)
			continue
		}
		placements = append(placements, p)
	}
	return placements, nil
}

// Locator resolves the address a node registered with.
func (m *ZKRoster) Locator(id types.ServerID) (string, error) {
	data, _, err := m.conn.Get(path.Join(m.nodesPath(), id.String()))
	if errors.Is(err, zk.ErrNoNode) {
		return "", fmt.Errorf("server %s: %w", id, dberrors.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("zk get: %w", err)
	}
	var info ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return "", fmt.Errorf("decode server info: %w", err)
	}
	return info.Locator, nil
}

// RunWatch следит за изменениями /nodes и вызывает fn с новым составом
func (m *ZKRoster) RunWatch(ctx context.Context, fn func([]ServerInfo)) {
	go func() {
		for {
			_, _, ch, err := m.conn.ChildrenW(m.nodesPath())
			if err != nil {
				m.logger.Warn("ChildrenW error", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			servers, err := m.Servers()
			if err != nil {
				m.logger.Warn("read servers", "error", err)
			} else {
				fn(servers)
			}

			select {
			case ev := <-ch:
				m.logger.Debug("event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				m.logger.Info("watch stopped")
				return
			}
		}
	}()
}

func (m *ZKRoster) waitConnected(ctx context.Context, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	notConnected := errors.New("zk: not connected")
	err := backoff.Retry(func() error {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		return notConnected
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("zk: not connected after %s, state=%v: %w", timeout, m.conn.State(), err)
	}
	return nil
}

func replicaNodeName(segment types.SegmentID, backup types.ServerID) string {
	return fmt.Sprintf("%d-%s", segment, backup)
}

func parseReplicaNodeName(name string) (types.SegmentID, types.ServerID, error) {
	seg, backup, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, fmt.Errorf("replica node %q: missing separator", name)
	}
	s, err := strconv.ParseUint(seg, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("replica node %q: segment: %w", name, err)
	}
	b, err := types.ParseServerID(backup)
	if err != nil {
		return 0, 0, fmt.Errorf("replica node %q: backup: %w", name, err)
	}
	return types.SegmentID(s), b, nil
}
