package picopad

// DefaultTransitionLogSize is how many transitions are kept when no size is configured.
const DefaultTransitionLogSize = 100

// TransitionLog is a bounded FIFO of transition records; once full, the
// oldest record is evicted. It is not locked; Recorder serializes access.
type TransitionLog struct {
	buf   []TransitionRecord
	start int
	n     int
}

// NewTransitionLog returns a log holding at most size records.
func NewTransitionLog(size int) *TransitionLog {
	if size <= 0 {
		size = DefaultTransitionLogSize
	}
	return &TransitionLog{buf: make([]TransitionRecord, size)}
}

// Append adds rec, evicting the oldest record when the log is full.
func (l *TransitionLog) Append(rec TransitionRecord) {
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = rec
		l.n++
		return
	}
	l.buf[l.start] = rec
	l.start = (l.start + 1) % len(l.buf)
}

// Records returns a copy, oldest first.
func (l *TransitionLog) Records() []TransitionRecord {
	out := make([]TransitionRecord, l.n)
	for i := 0; i < l.n; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

func (l *TransitionLog) count() int { return l.n }

func (l *TransitionLog) Cap() int { return len(l.buf) }
