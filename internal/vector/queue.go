package vector

import "container/heap"

// candidate is a graph node paired with its distance to the query.
type candidate struct {
	node uint32
	dist float32
}

// priorityQueue implements heap.Interface over candidates. When max is true
// the farthest candidate is on top, otherwise the nearest.
type priorityQueue struct {
	max   bool
	items []candidate
}

func newQueue(max bool, capacity int) *priorityQueue {
	return &priorityQueue{max: max, items: make([]candidate, 0, capacity)}
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	if pq.max {
		return pq.items[i].dist > pq.items[j].dist
	}
	return pq.items[i].dist < pq.items[j].dist
}

func (pq *priorityQueue) Swap(i, j int) { pq.items[i], pq.items[j] = pq.items[j], pq.items[i] }

func (pq *priorityQueue) Push(x any) { pq.items = append(pq.items, x.(candidate)) }

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	pq.items = old[:n-1]
	return item
}

func (pq *priorityQueue) push(c candidate) { heap.Push(pq, c) }

func (pq *priorityQueue) pop() candidate { return heap.Pop(pq).(candidate) }

func (pq *priorityQueue) top() candidate { return pq.items[0] }
