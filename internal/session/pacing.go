package session

import "time"

// frameInterval is the fixed 60 ms/frame cadence (F in the spec's pacing
// formula).
const frameInterval = frameDurationMs * time.Millisecond

// headStartFrames is the number of leading frames that leave as fast as the
// queue accepts them, before pacing kicks in.
const headStartFrames = 2

// playbackTail is added after the last frame so the device finishes
// playback before the session considers the utterance delivered.
const playbackTail = 500 * time.Millisecond

// pacer computes target send times for one utterance's ordered frame
// sequence: target(i) = t0 + F*max(0, i-2). Frames 0 and 1 have no target
// (they leave immediately); frame i>=2 must not leave before target(i).
type pacer struct {
	t0 time.Time
}

// newPacer starts a pacer anchored to the moment the first frame is
// enqueued.
func newPacer(t0 time.Time) *pacer {
	return &pacer{t0: t0}
}

// targetFor returns the earliest instant frame i may be sent. For i < 2 the
// returned instant is t0 itself (no wait).
func (p *pacer) targetFor(i int) time.Time {
	n := i - headStartFrames
	if n < 0 {
		n = 0
	}
	return p.t0.Add(frameInterval * time.Duration(n))
}

// waitFor blocks, if necessary, until frame i's target send time, or until
// ctx-like cancellation via the done channel. Returns false if done fired
// first.
func (p *pacer) waitFor(i int, done <-chan struct{}) bool {
	target := p.targetFor(i)
	d := time.Until(target)
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}

// tailDeadline returns the instant by which the session should sleep after
// emitting the last of n frames, to let the device finish playback.
func (p *pacer) tailDeadline(n int) time.Time {
	return p.t0.Add(frameInterval * time.Duration(n)).Add(playbackTail)
}
