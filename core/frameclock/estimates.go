package frameclock

import "time"

// An estimate queue holds the last few duration samples for one pipeline
// stage. Adding a sample overwrites the oldest slot; the running maximum
// is a full scan, intentionally simple with the queue this small.
const estimateQueueLength = 16

type estimateQueue struct {
	values    [estimateQueueLength]time.Duration
	nextIndex int
}

func (q *estimateQueue) add(v time.Duration) {
	q.values[q.nextIndex] = v
	q.nextIndex = (q.nextIndex + 1) % estimateQueueLength
}

func (q *estimateQueue) max() time.Duration {
	var m time.Duration
	for _, v := range q.values {
		if v > m {
			m = v
		}
	}
	return m
}
