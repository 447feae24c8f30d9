package cabinet

import (
	"testing"

	"overlord/types"
)

type fakeBlock struct{}

func (fakeBlock) Encode() ([]byte, error)       { return nil, nil }
func (fakeBlock) Hash() types.Hash              { return nil }
func (fakeBlock) PreHash() types.Hash           { return nil }
func (fakeBlock) OwnHeight() types.Height       { return 0 }
func (fakeBlock) ExecHeight() types.Height      { return 0 }
func (fakeBlock) PreProof() types.PreCommitQC   { return types.PreCommitQC{} }

func preVote(height types.Height, round types.Round, weight types.Weight, voter string) *types.SignedPreVote {
	return &types.SignedPreVote{
		Vote:       types.Vote{Height: height, Round: round, BlockHash: []byte("bh1")},
		VoteWeight: weight,
		Voter:      []byte(voter),
	}
}

// TestInsertPreVoteMaxWeightIsDrawerScoped reproduces the exact sequence the
// upstream cabinet's own tests assert: the running maximum cumulative weight
// is tracked per height, not reset when a new round's grid is created, and
// an insert into an earlier round does not pull the maximum back down.
func TestInsertPreVoteMaxWeightIsDrawerScoped(t *testing.T) {
	c := New[fakeBlock]()

	cum, err := c.InsertPreVote(preVote(1, 0, 10, "wcc"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cum.Weight != 10 || cum.Round != 0 {
		t.Fatalf("got %+v, want weight=10 round=0", cum)
	}

	if _, err := c.InsertPreVote(preVote(1, 0, 10, "wcc")); err == nil {
		t.Fatalf("expected AlreadyExistsError for identical resubmission")
	} else if _, ok := err.(*AlreadyExistsError[fakeBlock]); !ok {
		t.Fatalf("expected AlreadyExistsError, got %T", err)
	}

	if _, err := c.InsertPreVote(preVote(1, 0, 12, "wcc")); err == nil {
		t.Fatalf("expected ConflictError for same voter, different weight")
	} else if _, ok := err.(*ConflictError[fakeBlock]); !ok {
		t.Fatalf("expected ConflictError, got %T", err)
	}

	cum, err = c.InsertPreVote(preVote(1, 0, 4, "zyc"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cum.Weight != 14 || cum.Round != 0 {
		t.Fatalf("got %+v, want weight=14 round=0", cum)
	}

	cum, err = c.InsertPreVote(preVote(1, 1, 21, "yjy"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cum.Weight != 21 || cum.Round != 1 {
		t.Fatalf("got %+v, want weight=21 round=1", cum)
	}

	// A round-0 insert after round-1 already reported a higher cumulative
	// weight must still return the drawer-level max from round 1.
	cum, err = c.InsertPreVote(preVote(1, 0, 5, "zy"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cum.Weight != 21 || cum.Round != 1 {
		t.Fatalf("got %+v, want drawer max weight=21 round=1 to survive", cum)
	}
}

func TestRemoveBelowPrunesOldHeights(t *testing.T) {
	c := New[fakeBlock]()
	c.InsertPreVote(preVote(1, 0, 10, "a"))
	c.InsertPreVote(preVote(2, 0, 10, "a"))
	c.InsertPreVote(preVote(3, 0, 10, "a"))

	c.RemoveBelow(3)

	if _, ok := c.drawers[1]; ok {
		t.Fatalf("height 1 should have been pruned")
	}
	if _, ok := c.drawers[2]; ok {
		t.Fatalf("height 2 should have been pruned")
	}
	if _, ok := c.drawers[3]; !ok {
		t.Fatalf("height 3 should survive RemoveBelow(3)")
	}
}

func TestInsertProposalConflict(t *testing.T) {
	c := New[fakeBlock]()
	p1 := &types.SignedProposal[fakeBlock]{Proposal: types.Proposal[fakeBlock]{Height: 1, Round: 0, BlockHash: []byte("a")}}
	p2 := &types.SignedProposal[fakeBlock]{Proposal: types.Proposal[fakeBlock]{Height: 1, Round: 0, BlockHash: []byte("b")}}

	if err := c.InsertProposal(p1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.InsertProposal(p1); err == nil {
		t.Fatalf("expected AlreadyExistsError")
	}
	if err := c.InsertProposal(p2); err == nil {
		t.Fatalf("expected ConflictError for a second distinct proposal at the same slot")
	}
}
