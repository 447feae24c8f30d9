package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"overlord/types"
)

// demoState is the trivial application state overlordd drives to
// consensus out of the box: a running count of committed heights. A real
// embedder's Adapter threads its own state machine through S instead.
type demoState struct {
	Count uint64
}

// demoBlock is the smallest possible types.Block implementation: it carries
// no payload beyond the chain-linking fields every block needs.
type demoBlock struct {
	height     types.Height
	execHeight types.Height
	preHash    types.Hash
	preProof   types.PreCommitQC
}

func (b demoBlock) Encode() ([]byte, error) {
	buf := make([]byte, 16+len(b.preHash))
	binary.BigEndian.PutUint64(buf[0:8], b.height)
	binary.BigEndian.PutUint64(buf[8:16], b.execHeight)
	copy(buf[16:], b.preHash)
	return buf, nil
}

func (b demoBlock) Hash() types.Hash {
	sum := sha256.Sum256(mustEncode(b))
	return sum[:]
}

func (b demoBlock) PreHash() types.Hash         { return b.preHash }
func (b demoBlock) OwnHeight() types.Height     { return b.height }
func (b demoBlock) ExecHeight() types.Height    { return b.execHeight }
func (b demoBlock) PreProof() types.PreCommitQC { return b.preProof }

func mustEncode(b demoBlock) []byte {
	data, _ := b.Encode()
	return data
}

// decodeDemoBlock reconstructs a demoBlock from its wire encoding, the
// concrete types.BlockDecoder overlordd hands the driver.
func decodeDemoBlock(data []byte) (types.Block, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("demo block: short encoding")
	}
	return demoBlock{
		height:     binary.BigEndian.Uint64(data[0:8]),
		execHeight: binary.BigEndian.Uint64(data[8:16]),
		preHash:    append([]byte(nil), data[16:]...),
	}, nil
}

// demoAdapter is the standalone-devnet Adapter implementation: it builds
// and executes demoBlocks directly in memory instead of driving a real
// application's mempool and state trie, the way a production embedder's
// Adapter would.
type demoAdapter struct {
	mu     sync.Mutex
	logger *slog.Logger
	blocks map[string]demoBlock
}

func newDemoAdapter(logger *slog.Logger) *demoAdapter {
	return &demoAdapter{logger: logger, blocks: make(map[string]demoBlock)}
}

func (a *demoAdapter) CreateBlock(ctx context.Context, height, execHeight types.Height, preHash types.Hash, preProof types.Proof, blockStates []types.BlockState[demoState]) (demoBlock, error) {
	block := demoBlock{height: height, execHeight: execHeight, preHash: preHash, preProof: preProof}
	a.mu.Lock()
	a.blocks[string(block.Hash())] = block
	a.mu.Unlock()
	return block, nil
}

func (a *demoAdapter) CheckBlockStates(ctx context.Context, block demoBlock, blockStates []types.BlockState[demoState]) error {
	return nil
}

func (a *demoAdapter) FetchFullBlock(ctx context.Context, block demoBlock) ([]byte, error) {
	return block.Encode()
}

func (a *demoAdapter) SaveAndExecBlockWithProof(ctx context.Context, height types.Height, fullBlock []byte, proof types.Proof) (types.ExecResult[demoState], error) {
	block, err := decodeDemoBlock(fullBlock)
	if err != nil {
		return types.ExecResult[demoState]{}, types.WrapError(types.ErrMalformed, err, "decode committed block")
	}
	a.logger.Info("committed block", "height", height, "hash", fmt.Sprintf("%x", block.Hash()))
	return types.ExecResult[demoState]{
		BlockState: types.BlockState[demoState]{Height: height, State: demoState{Count: height}},
	}, nil
}

func (a *demoAdapter) GetBlockWithProofs(ctx context.Context, heightRange types.HeightRange) ([]types.BlockProof[demoBlock], error) {
	return nil, nil
}

func (a *demoAdapter) GetLatestHeight(ctx context.Context) (types.Height, error) {
	return 0, nil
}

func (a *demoAdapter) HandleError(ctx context.Context, err *types.ConsensusError) {
	a.logger.Warn("consensus error absorbed", "kind", err.Kind, "message", err.Message)
}
