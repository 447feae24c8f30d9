package transport

// Message type tags for consensus traffic. One tag per types.OverlordMsgKind
// plus the block-sync messages layered on top of it.
const (
	MsgTypeSignedProposal  byte = 0x01
	MsgTypeSignedPreVote   byte = 0x02
	MsgTypeSignedPreCommit byte = 0x03
	MsgTypePreVoteQC       byte = 0x04
	MsgTypePreCommitQC     byte = 0x05
	MsgTypeSignedChoke     byte = 0x06
	MsgTypeChokeQC         byte = 0x07
	MsgTypeSignedHeight    byte = 0x08
	MsgTypeSyncRequest     byte = 0x09
	MsgTypeSyncResponse    byte = 0x0a
	MsgTypeStop            byte = 0x0b
)

// NewMessage wraps an already-encoded consensus payload for transmission.
func NewMessage(msgType byte, payload []byte) *Message {
	return &Message{Type: msgType, Payload: payload}
}
