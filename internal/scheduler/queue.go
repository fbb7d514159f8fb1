package scheduler

import (
	"container/heap"
	"math"

	"github.com/adverant/nexus/deepreadx/internal/cache"
)

// item is a queued query with its current priority (distance to the viewport)
type item struct {
	query    *cache.Query
	distance int
	index    int
}

// priorityQueue orders by viewport distance, then by query creation order
type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].distance != pq[j].distance {
		return pq[i].distance < pq[j].distance
	}
	return pq[i].query.Seq() < pq[j].query.Seq()
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*pq)
	*pq = append(*pq, it)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

var _ heap.Interface = (*priorityQueue)(nil)

// distance is the smallest |page - viewport| over pages; no pages sorts last
func distance(pages []int, viewport int) int {
	best := math.MaxInt
	for _, p := range pages {
		d := p - viewport
		if d < 0 {
			d = -d
		}
		if d < best {
			best = d
		}
	}
	return best
}
