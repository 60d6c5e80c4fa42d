package encoder

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// pipeWriter owns one encoder input. Writes are queued and performed by its
// own goroutine so a full video pipe never holds back the audio pipe.
type pipeWriter struct {
	name string
	w    io.WriteCloser
	ch   chan pipeOp
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

// pipeOp is either a payload or, when ack is set, a barrier.
type pipeOp struct {
	b   []byte
	ack chan struct{}
}

func newPipeWriter(name string, w io.WriteCloser, depth int) *pipeWriter {
	p := &pipeWriter{
		name: name,
		w:    w,
		ch:   make(chan pipeOp, depth),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pipeWriter) run() {
	defer close(p.done)
	for op := range p.ch {
		if op.ack != nil {
			close(op.ack)
			continue
		}
		if p.loadErr() != nil {
			continue
		}
		if _, err := p.w.Write(op.b); err != nil {
			p.mu.Lock()
			p.err = errors.Wrapf(err, "write %s pipe", p.name)
			p.mu.Unlock()
		}
	}
}

func (p *pipeWriter) enqueue(op pipeOp) error {
	select {
	case <-p.done:
		return p.failure()
	default:
	}
	select {
	case p.ch <- op:
		return nil
	case <-p.done:
		return p.failure()
	}
}

func (p *pipeWriter) loadErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pipeWriter) failure() error {
	if err := p.loadErr(); err != nil {
		return err
	}
	return errors.Errorf("%s pipe closed", p.name)
}

// write queues b. It fails once a previous write has failed.
func (p *pipeWriter) write(b []byte) error {
	if err := p.loadErr(); err != nil {
		return err
	}
	return p.enqueue(pipeOp{b: b})
}

// drain waits until every write queued before it has been attempted.
func (p *pipeWriter) drain() error {
	ack := make(chan struct{})
	if err := p.enqueue(pipeOp{ack: ack}); err != nil {
		return err
	}
	select {
	case <-ack:
	case <-p.done:
	}
	return p.loadErr()
}

// close flushes the queue, then closes the pipe so the encoder sees end of stream.
func (p *pipeWriter) close() error {
	p.once.Do(func() { close(p.ch) })
	<-p.done
	cerr := p.w.Close()
	if err := p.loadErr(); err != nil {
		return err
	}
	if cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		return errors.Wrapf(cerr, "close %s pipe", p.name)
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// String returns the retained output, trimmed to whole lines.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buf
	if len(b) == t.max {
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			b = b[i+1:]
		}
	}
	return strings.TrimSpace(string(b))
}
