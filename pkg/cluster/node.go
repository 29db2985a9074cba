package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/islam56naser/okapi-1/pkg/log"
	"github.com/islam56naser/okapi-1/pkg/metrics"
	"github.com/islam56naser/okapi-1/pkg/replicated"
)

// Config holds configuration for creating a Node.
type Config struct {
	NodeID   string
	BindAddr string
	// APIAddr is the address of this node's internal forward
	// endpoint; followers relay map writes to the leader through it.
	APIAddr string
	DataDir string
	// Bootstrap starts a new single-node cluster instead of joining.
	Bootstrap bool
	// Peers maps node IDs to their forward endpoint addresses.
	Peers map[string]string
}

// Node is one gateway instance's membership in the raft cluster. It
// backs the replicated maps and answers the leader question for the
// timer scheduler.
type Node struct {
	nodeID   string
	bindAddr string
	apiAddr  string
	peers    map[string]string

	raft   *raft.Raft
	fsm    *FSM
	stopCh chan struct{}
}

// NewNode creates the raft instance and, when configured, bootstraps
// a new cluster with this node as the only member.
func NewNode(cfg *Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	n := &Node{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		apiAddr:  cfg.APIAddr,
		peers:    cfg.Peers,
		fsm:      NewFSM(),
		stopCh:   make(chan struct{}),
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)

	// Tuned below the hashicorp WAN defaults: gateway instances share
	// a LAN and a stale leader delays every map write.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %v", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %v", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %v", err)
	}

	r, err := raft.NewRaft(config, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %v", err)
	}
	n.raft = r

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{ID: config.LocalID, Address: transport.LocalAddr()},
			},
		}
		if err := n.raft.BootstrapCluster(configuration).Error(); err != nil {
			return nil, fmt.Errorf("failed to bootstrap cluster: %v", err)
		}
	}

	go n.observeLeadership()
	return n, nil
}

// AddVoter adds a new gateway node to the raft cluster. Leader only.
func (n *Node) AddVoter(nodeID, address string) error {
	if !n.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", n.LeaderID())
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %v", err)
	}
	log.WithComponent("cluster").Info().Str("node_id", nodeID).Msg("added voter")
	return nil
}

// IsLeader reports whether this node is the raft leader.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderID returns the node ID of the current leader, empty when
// there is none.
func (n *Node) LeaderID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// submit drives one map command through raft, forwarding to the
// leader when this node is a follower.
func (n *Node) submit(cmd Command) (bool, error) {
	if n.IsLeader() {
		return n.applyLocal(cmd)
	}
	return n.forward(cmd)
}

func (n *Node) applyLocal(cmd Command) (bool, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return false, fmt.Errorf("failed to marshal command: %v", err)
	}
	future := n.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return false, fmt.Errorf("failed to apply command: %v", err)
	}
	switch resp := future.Response().(type) {
	case error:
		return false, resp
	case removeResult:
		return resp.Found, nil
	default:
		return true, nil
	}
}

// Add implements replicated.Backend.
func (n *Node) Add(mapName, key string, value []byte) error {
	_, err := n.submit(Command{Op: OpAdd, Map: mapName, Key: key, Value: value})
	return err
}

// Put implements replicated.Backend.
func (n *Node) Put(mapName, key string, value []byte) error {
	_, err := n.submit(Command{Op: OpPut, Map: mapName, Key: key, Value: value})
	return err
}

// Get implements replicated.Backend by reading the local FSM state.
func (n *Node) Get(mapName, key string) ([]byte, bool, error) {
	v, ok := n.fsm.Get(mapName, key)
	return v, ok, nil
}

// Remove implements replicated.Backend.
func (n *Node) Remove(mapName, key string) (bool, error) {
	return n.submit(Command{Op: OpRemove, Map: mapName, Key: key})
}

// Keys implements replicated.Backend by reading the local FSM state.
func (n *Node) Keys(mapName, prefix string) ([]string, error) {
	return n.fsm.Keys(mapName, prefix), nil
}

var _ replicated.Backend = (*Node)(nil)

func (n *Node) observeLeadership() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n.IsLeader() {
				metrics.RaftLeader.Set(1)
			} else {
				metrics.RaftLeader.Set(0)
			}
		case <-n.stopCh:
			return
		}
	}
}

// Shutdown gracefully shuts down the node.
func (n *Node) Shutdown() error {
	close(n.stopCh)
	if err := n.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("failed to shutdown raft: %v", err)
	}
	return nil
}
