// Package cabinet collects votes, chokes and QCs as they arrive and reports
// the running cumulative weight behind each distinct payload so the driver
// can tell the instant a quorum crosses threshold. It is the Go rendering
// of the upstream Cabinet/Drawer/Grid map-of-map-of-grid structure.
package cabinet

import (
	"bytes"

	"overlord/types"
)

// Capsule is whichever signed payload was inserted, returned on conflict so
// the caller can compare old vs. new without a type switch at the call site.
type Capsule[B types.Block] struct {
	SignedProposal  *types.SignedProposal[B]
	SignedPreVote   *types.SignedPreVote
	SignedPreCommit *types.SignedPreCommit
	SignedChoke     *types.SignedChoke
	PreVoteQC       *types.PreVoteQC
	PreCommitQC     *types.PreCommitQC
	ChokeQC         *types.ChokeQC
}

// CumWeight is the cumulative signed weight behind one vote-type+block-hash
// pairing, and the highest round any insert contributing to it was seen at.
// Per the upstream cabinet, this is tracked per-drawer (i.e. per height): an
// insert at an earlier round never resets the maximum a later round already
// reported, since §4.B's "maximum cumulative weight across all inserts at
// that height for that vote type" is monotonic across rounds, not reset per
// round. See cabinet_test.go for the exact sequence this resolves.
type CumWeight struct {
	Weight    types.Weight
	VoteType  types.VoteType
	Round     types.Round
	BlockHash types.Hash
}

// ConflictError reports that a voter signed two different payloads for the
// same slot: identical resubmission is silently accepted, but a genuine
// conflict is equivocation evidence the driver should log and, eventually,
// slash on.
type ConflictError[B types.Block] struct {
	Existing Capsule[B]
	Incoming Capsule[B]
}

func (e *ConflictError[B]) Error() string {
	return "cabinet: voter signed conflicting payloads for the same slot"
}

// AlreadyExistsError reports a byte-identical resubmission — not an error
// condition for the caller, just a signal to skip re-processing.
type AlreadyExistsError[B types.Block] struct {
	Existing Capsule[B]
}

func (e *AlreadyExistsError[B]) Error() string {
	return "cabinet: payload already recorded"
}

// grid holds everything collected for one (height, round) pair.
type grid[B types.Block] struct {
	signedProposal *types.SignedProposal[B]

	signedPreVotes      map[string]*types.SignedPreVote // voter -> vote
	preVoteSets         map[string][]*types.SignedPreVote
	preVoteWeights      map[string]types.Weight // blockHash -> cum weight
	preVoteMaxWeight    CumWeight
	preVoteQC           *types.PreVoteQC

	signedPreCommits    map[string]*types.SignedPreCommit
	preCommitSets       map[string][]*types.SignedPreCommit
	preCommitWeights    map[string]types.Weight
	preCommitMaxWeight  CumWeight
	preCommitQC         *types.PreCommitQC

	signedChokes  map[string]*types.SignedChoke
	chokeWeight   types.Weight
	chokeMaxWeight CumWeight
	chokeQC       *types.ChokeQC
}

func newGrid[B types.Block](round types.Round) *grid[B] {
	return &grid[B]{
		signedPreVotes:   make(map[string]*types.SignedPreVote),
		preVoteSets:      make(map[string][]*types.SignedPreVote),
		preVoteWeights:   make(map[string]types.Weight),
		preVoteMaxWeight: CumWeight{VoteType: types.VoteTypePreVote, Round: round},

		signedPreCommits:   make(map[string]*types.SignedPreCommit),
		preCommitSets:      make(map[string][]*types.SignedPreCommit),
		preCommitWeights:   make(map[string]types.Weight),
		preCommitMaxWeight: CumWeight{VoteType: types.VoteTypePreCommit, Round: round},

		signedChokes: make(map[string]*types.SignedChoke),
	}
}

// drawer holds every round's grid for one height, plus the height-wide
// (drawer-scoped) running maximum cumulative weight per vote type.
type drawer[B types.Block] struct {
	grids map[types.Round]*grid[B]

	preVoteMaxWeight   CumWeight
	preCommitMaxWeight CumWeight
	chokeMaxWeight     CumWeight
}

func newDrawer[B types.Block]() *drawer[B] {
	return &drawer[B]{grids: make(map[types.Round]*grid[B])}
}

func (d *drawer[B]) gridFor(round types.Round) *grid[B] {
	g, ok := d.grids[round]
	if !ok {
		g = newGrid[B](round)
		d.grids[round] = g
	}
	return g
}

// Cabinet is keyed by height, then round; it never needs to reason about
// more than one height at a time but keeps a short window of prior heights
// around until the driver calls RemoveBelow.
type Cabinet[B types.Block] struct {
	drawers map[types.Height]*drawer[B]
}

// New returns an empty Cabinet.
func New[B types.Block]() *Cabinet[B] {
	return &Cabinet[B]{drawers: make(map[types.Height]*drawer[B])}
}

func (c *Cabinet[B]) drawerFor(height types.Height) *drawer[B] {
	d, ok := c.drawers[height]
	if !ok {
		d = newDrawer[B]()
		c.drawers[height] = d
	}
	return d
}

func hashKey(h types.Hash) string { return string(h) }

func sameBytes(a, b []byte) bool { return bytes.Equal(a, b) }

// updateMaxWeight overwrites cur with next if next carries strictly more
// weight, or equal weight at a later round (later evidence wins ties).
func updateMaxWeight(cur *CumWeight, next CumWeight) CumWeight {
	if next.Weight > cur.Weight || (next.Weight == cur.Weight && next.Round > cur.Round) {
		*cur = next
	}
	return *cur
}

// InsertProposal records a round's proposal. A byte-identical resubmission
// returns AlreadyExistsError; a different proposal from the same proposer
// for the same (height, round) returns ConflictError.
func (c *Cabinet[B]) InsertProposal(sp *types.SignedProposal[B]) error {
	d := c.drawerFor(sp.Proposal.Height)
	g := d.gridFor(sp.Proposal.Round)
	if g.signedProposal != nil {
		if sameBytes(g.signedProposal.Proposal.BlockHash, sp.Proposal.BlockHash) {
			return &AlreadyExistsError[B]{Existing: Capsule[B]{SignedProposal: g.signedProposal}}
		}
		return &ConflictError[B]{
			Existing: Capsule[B]{SignedProposal: g.signedProposal},
			Incoming: Capsule[B]{SignedProposal: sp},
		}
	}
	g.signedProposal = sp
	return nil
}

// GetProposal returns the recorded proposal for (height, round), if any.
func (c *Cabinet[B]) GetProposal(height types.Height, round types.Round) *types.SignedProposal[B] {
	d, ok := c.drawers[height]
	if !ok {
		return nil
	}
	g, ok := d.grids[round]
	if !ok {
		return nil
	}
	return g.signedProposal
}

// InsertPreVote records a signed pre-vote and returns the drawer-scoped
// running maximum cumulative weight for PreVote after this insert, so the
// driver can check it against the BFT threshold in one call.
func (c *Cabinet[B]) InsertPreVote(sv *types.SignedPreVote) (CumWeight, error) {
	d := c.drawerFor(sv.Vote.Height)
	g := d.gridFor(sv.Vote.Round)

	voter := hashKey(sv.Voter)
	if existing, ok := g.signedPreVotes[voter]; ok {
		if sameBytes(existing.Vote.BlockHash, sv.Vote.BlockHash) && existing.VoteWeight == sv.VoteWeight {
			return d.preVoteMaxWeight, &AlreadyExistsError[B]{Existing: Capsule[B]{SignedPreVote: existing}}
		}
		return d.preVoteMaxWeight, &ConflictError[B]{
			Existing: Capsule[B]{SignedPreVote: existing},
			Incoming: Capsule[B]{SignedPreVote: sv},
		}
	}

	g.signedPreVotes[voter] = sv
	hk := hashKey(sv.Vote.BlockHash)
	g.preVoteSets[hk] = append(g.preVoteSets[hk], sv)
	g.preVoteWeights[hk] += sv.VoteWeight

	cum := updateMaxWeight(&g.preVoteMaxWeight, CumWeight{
		Weight:    g.preVoteWeights[hk],
		VoteType:  types.VoteTypePreVote,
		Round:     sv.Vote.Round,
		BlockHash: sv.Vote.BlockHash,
	})
	return updateMaxWeight(&d.preVoteMaxWeight, cum), nil
}

// InsertPreCommit mirrors InsertPreVote for the pre-commit phase.
func (c *Cabinet[B]) InsertPreCommit(sv *types.SignedPreCommit) (CumWeight, error) {
	d := c.drawerFor(sv.Vote.Height)
	g := d.gridFor(sv.Vote.Round)

	voter := hashKey(sv.Voter)
	if existing, ok := g.signedPreCommits[voter]; ok {
		if sameBytes(existing.Vote.BlockHash, sv.Vote.BlockHash) && existing.VoteWeight == sv.VoteWeight {
			return d.preCommitMaxWeight, &AlreadyExistsError[B]{Existing: Capsule[B]{SignedPreCommit: existing}}
		}
		return d.preCommitMaxWeight, &ConflictError[B]{
			Existing: Capsule[B]{SignedPreCommit: existing},
			Incoming: Capsule[B]{SignedPreCommit: sv},
		}
	}

	g.signedPreCommits[voter] = sv
	hk := hashKey(sv.Vote.BlockHash)
	g.preCommitSets[hk] = append(g.preCommitSets[hk], sv)
	g.preCommitWeights[hk] += sv.VoteWeight

	cum := updateMaxWeight(&g.preCommitMaxWeight, CumWeight{
		Weight:    g.preCommitWeights[hk],
		VoteType:  types.VoteTypePreCommit,
		Round:     sv.Vote.Round,
		BlockHash: sv.Vote.BlockHash,
	})
	return updateMaxWeight(&d.preCommitMaxWeight, cum), nil
}

// InsertChoke records a signed choke vote and returns the drawer-scoped
// running maximum choke weight for this height after the insert.
func (c *Cabinet[B]) InsertChoke(sc *types.SignedChoke) (CumWeight, error) {
	d := c.drawerFor(sc.Choke.Height)
	g := d.gridFor(sc.Choke.Round)

	voter := hashKey(sc.Voter)
	if existing, ok := g.signedChokes[voter]; ok {
		if existing.VoteWeight == sc.VoteWeight {
			return d.chokeMaxWeight, &AlreadyExistsError[B]{Existing: Capsule[B]{SignedChoke: existing}}
		}
		return d.chokeMaxWeight, &ConflictError[B]{
			Existing: Capsule[B]{SignedChoke: existing},
			Incoming: Capsule[B]{SignedChoke: sc},
		}
	}

	g.signedChokes[voter] = sc
	g.chokeWeight += sc.VoteWeight

	cum := updateMaxWeight(&g.chokeMaxWeight, CumWeight{
		Weight:   g.chokeWeight,
		VoteType: 2, // choke has no types.VoteType constant of its own
		Round:    sc.Choke.Round,
	})
	return updateMaxWeight(&d.chokeMaxWeight, cum), nil
}

// PreVotesFor returns every signed pre-vote collected for blockHash at
// (height, round).
func (c *Cabinet[B]) PreVotesFor(height types.Height, round types.Round, blockHash types.Hash) []*types.SignedPreVote {
	d, ok := c.drawers[height]
	if !ok {
		return nil
	}
	g, ok := d.grids[round]
	if !ok {
		return nil
	}
	return g.preVoteSets[hashKey(blockHash)]
}

// ChokesFor returns every signed choke collected for (height, round).
// Unlike votes, chokes aren't keyed by block hash — a round is abandoned
// outright, not abandoned in favor of something else.
func (c *Cabinet[B]) ChokesFor(height types.Height, round types.Round) []*types.SignedChoke {
	d, ok := c.drawers[height]
	if !ok {
		return nil
	}
	g, ok := d.grids[round]
	if !ok {
		return nil
	}
	out := make([]*types.SignedChoke, 0, len(g.signedChokes))
	for _, sc := range g.signedChokes {
		out = append(out, sc)
	}
	return out
}

// PreCommitsFor mirrors PreVotesFor for the pre-commit phase.
func (c *Cabinet[B]) PreCommitsFor(height types.Height, round types.Round, blockHash types.Hash) []*types.SignedPreCommit {
	d, ok := c.drawers[height]
	if !ok {
		return nil
	}
	g, ok := d.grids[round]
	if !ok {
		return nil
	}
	return g.preCommitSets[hashKey(blockHash)]
}

// SetPreVoteQC records a formed PreVoteQC for (height, round).
func (c *Cabinet[B]) SetPreVoteQC(qc *types.PreVoteQC) {
	d := c.drawerFor(qc.Vote.Height)
	d.gridFor(qc.Vote.Round).preVoteQC = qc
}

// PreVoteQC returns the PreVoteQC formed for (height, round), if any.
func (c *Cabinet[B]) PreVoteQC(height types.Height, round types.Round) *types.PreVoteQC {
	d, ok := c.drawers[height]
	if !ok {
		return nil
	}
	g, ok := d.grids[round]
	if !ok {
		return nil
	}
	return g.preVoteQC
}

// SetPreCommitQC records a formed PreCommitQC for (height, round).
func (c *Cabinet[B]) SetPreCommitQC(qc *types.PreCommitQC) {
	d := c.drawerFor(qc.Vote.Height)
	d.gridFor(qc.Vote.Round).preCommitQC = qc
}

// PreCommitQC returns the PreCommitQC formed for (height, round), if any.
func (c *Cabinet[B]) PreCommitQC(height types.Height, round types.Round) *types.PreCommitQC {
	d, ok := c.drawers[height]
	if !ok {
		return nil
	}
	g, ok := d.grids[round]
	if !ok {
		return nil
	}
	return g.preCommitQC
}

// SetChokeQC records a formed ChokeQC for (height, round).
func (c *Cabinet[B]) SetChokeQC(qc *types.ChokeQC) {
	d := c.drawerFor(qc.Choke.Height)
	d.gridFor(qc.Choke.Round).chokeQC = qc
}

// ChokeQC returns the ChokeQC formed for (height, round), if any.
func (c *Cabinet[B]) ChokeQC(height types.Height, round types.Round) *types.ChokeQC {
	d, ok := c.drawers[height]
	if !ok {
		return nil
	}
	g, ok := d.grids[round]
	if !ok {
		return nil
	}
	return g.chokeQC
}

// RemoveBelow discards every drawer for a height strictly less than height,
// bounding the cabinet's memory to the active window the driver cares
// about (spec.md §5's "bounded memory" resource constraint).
func (c *Cabinet[B]) RemoveBelow(height types.Height) {
	for h := range c.drawers {
		if h < height {
			delete(c.drawers, h)
		}
	}
}

// Pop removes and discards everything collected for height, used once a
// height commits and nothing further about it will ever be inserted.
func (c *Cabinet[B]) Pop(height types.Height) {
	delete(c.drawers, height)
}

// DrawerCount reports how many heights the cabinet currently holds
// collected votes for, exposed so the driver can feed it to the cabinet
// occupancy gauge alongside every commit.
func (c *Cabinet[B]) DrawerCount() int {
	return len(c.drawers)
}
