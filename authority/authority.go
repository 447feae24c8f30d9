// Package authority maintains the sorted authority list in effect at a
// height and answers the two questions every other package needs of it:
// who proposes this round, and has enough weight signed to cross threshold.
package authority

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sort"

	"overlord/types"
)

// Manager holds one height's authority list, canonically sorted by address
// so every authority derives the same bitmap positions for QC aggregates.
type Manager struct {
	mode    types.SelectMode
	nodes   []types.Node
	total   types.Weight
	byAddr  map[string]int // address -> index into nodes
}

// New builds a Manager from an AuthConfig, sorting the authority list by
// address the way the teacher's selectProposer sorts validatorSet keys so
// bitmap positions are reproducible across every authority.
func New(cfg types.AuthConfig) *Manager {
	nodes := make([]types.Node, len(cfg.AuthList))
	copy(nodes, cfg.AuthList)
	sort.Slice(nodes, func(i, j int) bool {
		return bytes.Compare(nodes[i].Address, nodes[j].Address) < 0
	})

	m := &Manager{
		mode:   cfg.Mode,
		nodes:  nodes,
		byAddr: make(map[string]int, len(nodes)),
	}
	for i, n := range nodes {
		m.byAddr[string(n.Address)] = i
		m.total += n.VoteWeight
	}
	return m
}

// Nodes returns the sorted authority list.
func (m *Manager) Nodes() []types.Node { return m.nodes }

// Len is the number of authorities.
func (m *Manager) Len() int { return len(m.nodes) }

// TotalWeight is the sum of every authority's vote weight.
func (m *Manager) TotalWeight() types.Weight { return m.total }

// Threshold is the BFT quorum weight: floor(2*total/3)+1. Any cumulative
// weight at or above this crosses quorum.
func (m *Manager) Threshold() types.Weight {
	return (2*m.total)/3 + 1
}

// HasQuorum reports whether weight meets or exceeds Threshold.
func (m *Manager) HasQuorum(weight types.Weight) bool {
	return weight >= m.Threshold()
}

// IndexOf returns the sorted-list position of addr, or -1 if addr is not a
// recognized authority.
func (m *Manager) IndexOf(addr types.Address) int {
	i, ok := m.byAddr[string(addr)]
	if !ok {
		return -1
	}
	return i
}

// WeightOf returns addr's vote weight, or 0 if addr is not an authority.
func (m *Manager) WeightOf(addr types.Address) types.Weight {
	i := m.IndexOf(addr)
	if i < 0 {
		return 0
	}
	return m.nodes[i].VoteWeight
}

// SelectProposer picks the proposer for (height, round). InTurn cycles
// through the sorted list by sorted[(height+round) mod N], so round 0's
// proposer rotates with height the way authority_list[H mod N] requires;
// Random seeds a weighted pick from sha256(prevBlockHash || height ||
// round), the teacher's selectProposer construction, generalized from
// stake+engagement to ProposeWeight.
func (m *Manager) SelectProposer(height types.Height, round types.Round, prevBlockHash types.Hash) types.Address {
	if len(m.nodes) == 0 {
		return nil
	}
	if m.mode == types.SelectInTurn {
		return m.nodes[int(height+round)%len(m.nodes)].Address
	}
	return m.selectWeightedRandom(height, round, prevBlockHash)
}

func (m *Manager) selectWeightedRandom(height types.Height, round types.Round, prevBlockHash types.Hash) types.Address {
	totalPower := big.NewInt(0)
	weights := make([]*big.Int, len(m.nodes))
	for i, n := range m.nodes {
		w := new(big.Int).SetUint64(n.ProposeWeight)
		weights[i] = w
		totalPower.Add(totalPower, w)
	}
	if totalPower.Sign() == 0 {
		return m.nodes[int(round)%len(m.nodes)].Address
	}

	hrBytes := make([]byte, 16)
	binary.BigEndian.PutUint64(hrBytes[:8], height)
	binary.BigEndian.PutUint64(hrBytes[8:], round)
	seedInput := append(append([]byte{}, prevBlockHash...), hrBytes...)
	seedHash := sha256.Sum256(seedInput)
	pick := new(big.Int).Mod(new(big.Int).SetBytes(seedHash[:]), totalPower)

	for i, w := range weights {
		if pick.Cmp(w) < 0 {
			return m.nodes[i].Address
		}
		pick.Sub(pick, w)
	}
	return m.nodes[0].Address
}
