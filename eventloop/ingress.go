package eventloop

// taskQueue is a growable ring buffer of tasks. It is not safe for
// concurrent use, the loop guards the external queue with its mutex.
type taskQueue struct {
	buf  []func()
	head int
	size int
}

const minQueueCap = 64

func (q *taskQueue) push(task func()) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.size)&(len(q.buf)-1)] = task
	q.size++
}

// grow doubles the capacity, keeping it a power of two so indexes can be
// masked.
func (q *taskQueue) grow() {
	n := len(q.buf) * 2
	if n == 0 {
		n = minQueueCap
	}
	buf := make([]func(), n)
	if q.size != 0 {
		k := copy(buf, q.buf[q.head:])
		copy(buf[k:], q.buf[:q.head])
	}
	q.buf = buf
	q.head = 0
}

func (q *taskQueue) pop() (func(), bool) {
	if q.size == 0 {
		return nil, false
	}
	task := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) & (len(q.buf) - 1)
	q.size--
	if q.size == 0 {
		q.head = 0
	}
	return task, true
}

// popInto moves up to len(dst) tasks into dst.
func (q *taskQueue) popInto(dst []func()) int {
	var n int
	for n < len(dst) {
		task, ok := q.pop()
		if !ok {
			break
		}
		dst[n] = task
		n++
	}
	return n
}

func (q *taskQueue) len() int { return q.size }
