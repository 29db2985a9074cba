package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/islam56naser/okapi-1/pkg/log"
	"github.com/islam56naser/okapi-1/pkg/replicated"
)

// The forward endpoint lets followers relay replicated-map writes to
// the leader, and new nodes join through any member. It is an
// internal cluster surface, not the gateway API.

const (
	applyPath = "/cluster/apply"
	joinPath  = "/cluster/join"
)

type applyResponse struct {
	Found bool `json:"found"`
}

type joinRequest struct {
	NodeID   string `json:"nodeId"`
	RaftAddr string `json:"raftAddr"`
}

var forwardClient = &http.Client{Timeout: 10 * time.Second}

// forward relays a map command to the current leader's endpoint.
func (n *Node) forward(cmd Command) (bool, error) {
	leader := n.LeaderID()
	if leader == "" {
		return false, fmt.Errorf("no cluster leader elected")
	}
	addr, ok := n.peers[leader]
	if !ok {
		return false, fmt.Errorf("no forward address known for leader %s", leader)
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return false, fmt.Errorf("failed to marshal command: %v", err)
	}
	resp, err := forwardClient.Post("http://"+addr+applyPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to forward to leader: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var ar applyResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return false, fmt.Errorf("failed to decode apply response: %v", err)
		}
		return ar.Found, nil
	case http.StatusConflict:
		return false, replicated.ErrExists
	default:
		msg, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("leader rejected command: %s", string(msg))
	}
}

// ServeForward starts the internal forward endpoint on the node's
// API address. Blocks until the listener fails.
func (n *Node) ServeForward() error {
	mux := http.NewServeMux()
	mux.HandleFunc(applyPath, n.handleApply)
	mux.HandleFunc(joinPath, n.handleJoin)
	log.WithComponent("cluster").Info().Str("addr", n.apiAddr).Msg("forward endpoint listening")
	return http.ListenAndServe(n.apiAddr, mux)
}

func (n *Node) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	found, err := n.submit(cmd)
	if err == replicated.ErrExists {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(applyResponse{Found: found})
}

func (n *Node) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var jr joinRequest
	if err := json.NewDecoder(r.Body).Decode(&jr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := n.AddVoter(jr.NodeID, jr.RaftAddr); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Join asks a cluster member to add this node as a voter.
func Join(memberAddr, nodeID, raftAddr string) error {
	body, err := json.Marshal(joinRequest{NodeID: nodeID, RaftAddr: raftAddr})
	if err != nil {
		return err
	}
	resp, err := forwardClient.Post("http://"+memberAddr+joinPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to join cluster: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("join rejected: %s", string(msg))
	}
	return nil
}
