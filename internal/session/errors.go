package session

import "errors"

// Error kinds per spec.md §7. Decode, RecognizerFault, SynthesizerFault, and
// PersistenceFault are recovered locally; ModelFault aborts the current
// turn; RpcTimeout/RpcClosed are delivered to the specific waiter;
// PeerGone and QueueFull on text control sends are fatal to the session.
var (
	errDecode           = errors.New("session: frame decode failed")
	errRecognizerFault  = errors.New("session: recognizer fault")
	errModelFault       = errors.New("session: model fault")
	errSynthesizerFault = errors.New("session: synthesizer fault")
	errRPCTimeout       = errors.New("session: rpc timeout")
	errSessionClosed    = errors.New("session: closed")
	errPeerGone         = errors.New("session: peer gone")
	errQueueFull        = errors.New("session: outbound queue full")
)
