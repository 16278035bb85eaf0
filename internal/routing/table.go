// ABOUTME: Bidirectional map between transport peers and logical agent ids
// ABOUTME: Keeps a strict one-to-one pairing after every mutation

// Package routing maps physical connections to the agents speaking on them.
package routing

import (
	"sort"

	"github.com/2389/coven-hub/internal/transport"
)

// Table is a bijection between peer ids and agent ids. It is not safe for
// concurrent use; the owner serializes access.
type Table struct {
	byPeer  map[transport.PeerID]string
	byAgent map[string]transport.PeerID
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		byPeer:  make(map[transport.PeerID]string),
		byAgent: make(map[string]transport.PeerID),
	}
}

// Set pairs peer with agentID, replacing any previous pairing of either
// side. It reports whether the table changed.
func (t *Table) Set(peer transport.PeerID, agentID string) bool {
	if cur, ok := t.byPeer[peer]; ok && cur == agentID {
		return false
	}

	// Drop the peer's old agent and the agent's old peer.
	if oldAgent, ok := t.byPeer[peer]; ok {
		delete(t.byAgent, oldAgent)
	}
	if oldPeer, ok := t.byAgent[agentID]; ok {
		delete(t.byPeer, oldPeer)
	}

	t.byPeer[peer] = agentID
	t.byAgent[agentID] = peer
	return true
}

// GetByPeer returns the agent mapped to peer.
func (t *Table) GetByPeer(peer transport.PeerID) (string, bool) {
	agentID, ok := t.byPeer[peer]
	return agentID, ok
}

// GetByAgent returns the peer mapped to agentID.
func (t *Table) GetByAgent(agentID string) (transport.PeerID, bool) {
	peer, ok := t.byAgent[agentID]
	return peer, ok
}

// DeleteByPeer removes the pairing of peer, returning its agent.
func (t *Table) DeleteByPeer(peer transport.PeerID) (string, bool) {
	agentID, ok := t.byPeer[peer]
	if !ok {
		return "", false
	}
	delete(t.byPeer, peer)
	delete(t.byAgent, agentID)
	return agentID, true
}

// DeleteByAgent removes the pairing of agentID, returning its peer.
func (t *Table) DeleteByAgent(agentID string) (transport.PeerID, bool) {
	peer, ok := t.byAgent[agentID]
	if !ok {
		return "", false
	}
	delete(t.byAgent, agentID)
	delete(t.byPeer, peer)
	return peer, true
}

// Len returns the number of pairings.
func (t *Table) Len() int {
	return len(t.byPeer)
}

// Agents returns the mapped agent ids in sorted order.
func (t *Table) Agents() []string {
	agents := make([]string, 0, len(t.byAgent))
	for id := range t.byAgent {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return agents
}
