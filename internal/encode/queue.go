package encode

import (
	"sync"
)

type request struct {
	op    string
	fn    func(Sink) error
	reply chan error
}

// Queue serialises all recording calls onto one goroutine, which is the only
// caller of the wrapped sink. The first sink error kills the queue: later
// calls fail with that error and never reach the sink.
type Queue struct {
	sink Sink
	reqs chan request
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// NewQueue starts the consumer goroutine. size is the number of requests
// that may wait for the consumer.
func NewQueue(sink Sink, size int) *Queue {
	if size < 0 {
		size = 0
	}
	q := &Queue{
		sink: sink,
		reqs: make(chan request, size),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for req := range q.reqs {
		if err := q.Err(); err != nil {
			req.reply <- err
			continue
		}
		if err := req.fn(q.sink); err != nil {
			err = Failure(req.op, err)
			q.setErr(err)
			req.reply <- err
			continue
		}
		req.reply <- nil
	}
}

func (q *Queue) do(op string, fn func(Sink) error) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	reply := make(chan error, 1)
	q.reqs <- request{op: op, fn: fn, reply: reply}
	q.mu.RUnlock()
	return <-reply
}

func (q *Queue) Record(frame VideoFrame) error {
	return q.do("record", func(s Sink) error { return s.Record(frame) })
}

func (q *Queue) RecordAudio(sampleRate, channels int, block AudioBlock) error {
	return q.do("record audio", func(s Sink) error { return s.RecordAudio(sampleRate, channels, block) })
}

func (q *Queue) Timestamp() (int64, error) {
	var ts int64
	err := q.do("timestamp", func(s Sink) error {
		ts = s.Timestamp()
		return nil
	})
	return ts, err
}

func (q *Queue) SetTimestamp(us int64) error {
	return q.do("set timestamp", func(s Sink) error { return s.SetTimestamp(us) })
}

// Err returns the error that killed the queue, if any.
func (q *Queue) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

func (q *Queue) setErr(err error) {
	q.errMu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.errMu.Unlock()
}

// Close lets the consumer finish the queued requests and waits for it.
// The sink itself is left open.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.reqs)
		q.mu.Unlock()
	})
	<-q.done
}
