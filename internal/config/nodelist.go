package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rye-db/rye/internal/types"
)

// PeerSpec is one parsed entry of ha_node_list.
type PeerSpec struct {
	IP       string
	Priority int
}

// ParseNodeList parses entries of the form "ip@priority" (the
// original's PRM_ID_HA_NODE_LIST value shape) into PeerSpecs, ordered
// by ascending priority per spec.md's node-list convention.
func ParseNodeList(entries []string) ([]PeerSpec, error) {
	out := make([]PeerSpec, 0, len(entries))
	for _, e := range entries {
		ip, prioStr, ok := strings.Cut(e, "@")
		if !ok {
			return nil, fmt.Errorf("config: malformed ha_node_list entry %q, want ip@priority", e)
		}
		prio, err := strconv.Atoi(prioStr)
		if err != nil {
			return nil, fmt.Errorf("config: ha_node_list entry %q: bad priority: %w", e, err)
		}
		out = append(out, PeerSpec{IP: ip, Priority: prio})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// ToNodeInfo converts parsed peers into types.Node seeds for the
// heartbeat controller's node table.
func ToNodeInfo(peers []PeerSpec) []*types.Node {
	out := make([]*types.Node, 0, len(peers))
	for _, p := range peers {
		out = append(out, &types.Node{
			Info:     types.NodeInfo{IP: p.IP},
			Priority: p.Priority,
			State:    types.NodeUnknown,
		})
	}
	return out
}
