package stream

import (
	"io"
	"sync"
	"unicode/utf8"
)

// Queue is a FIFO of characters fed by external writers and drained by the
// interpreter. Reads never block: an empty queue reports io.EOF even if more
// input arrives later, so readers must poll.
type Queue struct {
	mu    sync.Mutex
	runes []rune
	head  int
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Write enqueues the characters of text in order. The characters of one
// call are contiguous in the queue even under concurrent writers.
func (q *Queue) Write(text string) {
	if text == "" {
		return
	}
	q.mu.Lock()
	for _, r := range text {
		q.runes = append(q.runes, r)
	}
	q.mu.Unlock()
}

// WriteString implements io.StringWriter.
func (q *Queue) WriteString(s string) (int, error) {
	q.Write(s)
	return len(s), nil
}

// ReadRune pops the oldest character. It returns io.EOF when the queue is
// empty.
func (q *Queue) ReadRune() (rune, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.runes) {
		return 0, 0, io.EOF
	}
	r := q.popLocked()
	return r, utf8.RuneLen(r), nil
}

// Read drains as many whole characters as fit in p, UTF-8 encoded.
// It returns 0, io.EOF when the queue is empty.
func (q *Queue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.runes) {
		return 0, io.EOF
	}
	n := 0
	for q.head < len(q.runes) {
		r := q.runes[q.head]
		size := utf8.RuneLen(r)
		if size < 0 {
			r, size = utf8.RuneError, utf8.RuneLen(utf8.RuneError)
		}
		if n+size > len(p) {
			break
		}
		utf8.EncodeRune(p[n:], r)
		n += size
		q.popLocked()
	}
	return n, nil
}

// popLocked removes the head rune, compacting the backing slice once the
// consumed prefix dominates it. Callers hold q.mu and ensure non-empty.
func (q *Queue) popLocked() rune {
	r := q.runes[q.head]
	q.head++
	if q.head == len(q.runes) {
		q.runes = q.runes[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.runes) {
		q.runes = append(q.runes[:0], q.runes[q.head:]...)
		q.head = 0
	}
	return r
}

// Len returns the number of queued characters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.runes) - q.head
}
