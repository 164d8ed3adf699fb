package recovery

// taskQueue is a max-heap of recovery tasks keyed by the round they were
// planned against, so the executor always handles the newest topology first
// and can drop anything an intervening round superseded.
type task struct {
	plan  *Plan
	index int
}

type taskQueue []*task

func (q taskQueue) Len() int {
	return len(q)
}

func (q taskQueue) Less(i, j int) bool {
	return q[i].plan.Round > q[j].plan.Round
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	t.index = -1
	*q = old[:n-1]
	return t
}
