// Package triggers 条件单触发索引
//
// 每个市场六个有序集合：多头止损/止盈/强平、空头止损/止盈/强平。
// 集合为二叉堆，按触发方向排序；订单关闭后条目懒删除，
// 弹出时由调用方校验订单是否仍然存活。
package triggers

import "container/heap"

// Side 订单方向
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

// Kind 触发类型
type Kind int

const (
	KindStopLoss Kind = iota + 1
	KindTakeProfit
	KindLiquidation
)

func (k Kind) String() string {
	switch k {
	case KindStopLoss:
		return "stop_loss"
	case KindTakeProfit:
		return "take_profit"
	case KindLiquidation:
		return "liquidation"
	}
	return "unknown"
}

// Entry 触发条目：按 id 弱引用订单
type Entry struct {
	OrderID int64
	Price   int64
}

// Direction 触发方向
type Direction int

const (
	// FireBelow 价格跌至阈值及以下时触发；堆顶为最高阈值
	FireBelow Direction = iota + 1
	// FireAbove 价格涨至阈值及以上时触发；堆顶为最低阈值
	FireAbove
)

// Queue 单个触发集合
type Queue struct {
	dir     Direction
	entries entryHeap
}

// NewQueue 创建集合
func NewQueue(dir Direction) *Queue {
	return &Queue{dir: dir}
}

// Push 注册条目
func (q *Queue) Push(e Entry) {
	heap.Push(&q.entries, heapEntry{Entry: e, less: q.less})
}

// Peek 查看堆顶
func (q *Queue) Peek() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0].Entry, true
}

// Pop 弹出堆顶
func (q *Queue) Pop() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	he := heap.Pop(&q.entries).(heapEntry)
	return he.Entry, true
}

// Len 条目数
func (q *Queue) Len() int {
	return len(q.entries)
}

// Direction 触发方向
func (q *Queue) Direction() Direction {
	return q.dir
}

// Crossed 判断价格是否已越过阈值
func (q *Queue) Crossed(threshold, price int64) bool {
	if q.dir == FireBelow {
		return price <= threshold
	}
	return price >= threshold
}

func (q *Queue) less(a, b Entry) bool {
	if q.dir == FireBelow {
		// 最高阈值最先被跌破
		return a.Price > b.Price
	}
	// 最低阈值最先被涨破
	return a.Price < b.Price
}

type heapEntry struct {
	Entry
	less func(a, b Entry) bool
}

type entryHeap []heapEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].less(h[i].Entry, h[j].Entry) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Index 单市场触发索引
type Index struct {
	Market string
	queues map[Side]map[Kind]*Queue
}

// NewIndex 创建索引
func NewIndex(market string) *Index {
	return &Index{
		Market: market,
		queues: map[Side]map[Kind]*Queue{
			SideBuy: {
				// 多头：止损与强平在价格下跌时触发，止盈在上涨时触发
				KindStopLoss:    NewQueue(FireBelow),
				KindTakeProfit:  NewQueue(FireAbove),
				KindLiquidation: NewQueue(FireBelow),
			},
			SideSell: {
				// 空头为镜像
				KindStopLoss:    NewQueue(FireAbove),
				KindTakeProfit:  NewQueue(FireBelow),
				KindLiquidation: NewQueue(FireAbove),
			},
		},
	}
}

// Register 注册条目
func (i *Index) Register(side Side, kind Kind, orderID, price int64) {
	i.queues[side][kind].Push(Entry{OrderID: orderID, Price: price})
}

// Queue 按方向与类型取集合
func (i *Index) Queue(side Side, kind Kind) *Queue {
	return i.queues[side][kind]
}

// Slot 集合及其归属
type Slot struct {
	Side  Side
	Kind  Kind
	Queue *Queue
}

// Slots 遍历全部六个集合
func (i *Index) Slots() []Slot {
	slots := make([]Slot, 0, 6)
	for _, side := range []Side{SideBuy, SideSell} {
		for _, kind := range []Kind{KindStopLoss, KindTakeProfit, KindLiquidation} {
			slots = append(slots, Slot{Side: side, Kind: kind, Queue: i.queues[side][kind]})
		}
	}
	return slots
}

// Size 全部集合条目总数
func (i *Index) Size() int {
	n := 0
	for _, s := range i.Slots() {
		n += s.Queue.Len()
	}
	return n
}
