package orders

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/margin/pkg/errs"
	"github.com/exchange/margin/pkg/logger"
)

const (
	orderKeyPrefix  = "order:"
	openSetKey      = "orders:open"
	closedKeyPrefix = "orders:closed:"

	// 每个用户保留的已结订单条数
	closedKeep = 500
)

// Store 订单存储
type Store struct {
	rdb *redis.Client
	log *logger.Logger

	mu     sync.RWMutex
	open   map[int64]*Order
	byUser map[string]map[int64]*Order

	pmu     sync.Mutex
	pending []*ClosedOrder
}

// NewStore 创建订单存储
func NewStore(rdb *redis.Client, log *logger.Logger) *Store {
	return &Store{
		rdb:    rdb,
		log:    log,
		open:   make(map[int64]*Order),
		byUser: make(map[string]map[int64]*Order),
	}
}

func orderKey(orderID int64) string {
	return orderKeyPrefix + strconv.FormatInt(orderID, 10)
}

func closedKey(userID string) string {
	return closedKeyPrefix + userID
}

// Persist 持久化新订单；此时订单对结算尚不可见
func (s *Store) Persist(ctx context.Context, o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return errs.Newf(errs.CodeInternal, "marshal order %d: %v", o.OrderID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, orderKey(o.OrderID), data, 0)
	pipe.SAdd(ctx, openSetKey, o.OrderID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Newf(errs.CodeUnavailable, "store order %d: %v", o.OrderID, err)
	}
	return nil
}

// Activate 让订单进入内存未结集合，开始接受查询与摘单
func (s *Store) Activate(o *Order) {
	s.mu.Lock()
	s.insert(o)
	s.mu.Unlock()
}

// Add 登记新订单：先落 Redis，再入内存
func (s *Store) Add(ctx context.Context, o *Order) error {
	if err := s.Persist(ctx, o); err != nil {
		return err
	}
	s.Activate(o)
	return nil
}

// insert 需持有写锁
func (s *Store) insert(o *Order) {
	s.open[o.OrderID] = o
	userOrders, ok := s.byUser[o.UserID]
	if !ok {
		userOrders = make(map[int64]*Order)
		s.byUser[o.UserID] = userOrders
	}
	userOrders[o.OrderID] = o
}

// remove 需持有写锁
func (s *Store) remove(o *Order) {
	delete(s.open, o.OrderID)
	if userOrders := s.byUser[o.UserID]; userOrders != nil {
		delete(userOrders, o.OrderID)
		if len(userOrders) == 0 {
			delete(s.byUser, o.UserID)
		}
	}
}

// Get 查询未结订单
func (s *Store) Get(orderID int64) (*Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.open[orderID]
	return o, ok
}

// Claim 原子摘除未结订单
//
// 结算的唯一仲裁点：同一订单被触发器与手动平仓同时命中时，
// 只有一方能摘到。摘除只动内存，Redis 的删除在 MarkClosed 完成。
func (s *Store) Claim(orderID int64) (*Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.open[orderID]
	if !ok {
		return nil, false
	}
	s.remove(o)
	return o, true
}

// Restore 结算失败时放回订单
func (s *Store) Restore(o *Order) {
	s.mu.Lock()
	s.insert(o)
	s.mu.Unlock()
}

// Discard 撤销尚未生效的订单（下单补偿路径），不留已结记录
func (s *Store) Discard(ctx context.Context, o *Order) error {
	s.mu.Lock()
	s.remove(o)
	s.mu.Unlock()

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, orderKey(o.OrderID))
	pipe.SRem(ctx, openSetKey, o.OrderID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Newf(errs.CodeUnavailable, "discard order %d: %v", o.OrderID, err)
	}
	return nil
}

// MarkClosed 持久化已结订单并移除未结副本
func (s *Store) MarkClosed(ctx context.Context, closed *ClosedOrder) error {
	data, err := json.Marshal(closed)
	if err != nil {
		return errs.Newf(errs.CodeInternal, "marshal closed order %d: %v", closed.OrderID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, orderKey(closed.OrderID))
	pipe.SRem(ctx, openSetKey, closed.OrderID)
	pipe.RPush(ctx, closedKey(closed.UserID), data)
	pipe.LTrim(ctx, closedKey(closed.UserID), -closedKeep, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Newf(errs.CodeUnavailable, "persist closed order %d: %v", closed.OrderID, err)
	}
	return nil
}

// QueueRetry 暂存持久化失败的已结订单，等待重试
//
// 未结记录还留在 Redis 里；不重试成功的话，下次启动的恢复
// 流程会把它当未结订单重新登记，造成二次结算。
func (s *Store) QueueRetry(closed *ClosedOrder) {
	s.pmu.Lock()
	s.pending = append(s.pending, closed)
	s.pmu.Unlock()
}

// FlushPending 重试暂存的已结订单，返回仍未落盘的数量
func (s *Store) FlushPending(ctx context.Context) int {
	s.pmu.Lock()
	pending := s.pending
	s.pending = nil
	s.pmu.Unlock()
	if len(pending) == 0 {
		return 0
	}

	var kept []*ClosedOrder
	for _, closed := range pending {
		if err := s.MarkClosed(ctx, closed); err != nil {
			s.log.WithError(err).Warnf("closed order retry failed", map[string]interface{}{
				"orderId": closed.OrderID,
			})
			kept = append(kept, closed)
		}
	}
	if len(kept) > 0 {
		s.pmu.Lock()
		s.pending = append(s.pending, kept...)
		s.pmu.Unlock()
	}
	return len(kept)
}

// ListOpen 按创建时间列出用户的未结订单
func (s *Store) ListOpen(userID string) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userOrders := s.byUser[userID]
	out := make([]*Order, 0, len(userOrders))
	for _, o := range userOrders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// ListClosed 列出用户最近的已结订单，新的在前
func (s *Store) ListClosed(ctx context.Context, userID string, limit int) ([]*ClosedOrder, error) {
	if limit <= 0 || limit > closedKeep {
		limit = closedKeep
	}
	rows, err := s.rdb.LRange(ctx, closedKey(userID), int64(-limit), -1).Result()
	if err != nil {
		return nil, errs.Newf(errs.CodeUnavailable, "load closed orders %s: %v", userID, err)
	}

	out := make([]*ClosedOrder, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var closed ClosedOrder
		if err := json.Unmarshal([]byte(rows[i]), &closed); err != nil {
			return nil, errs.Newf(errs.CodeInternal, "unmarshal closed order: %v", err)
		}
		out = append(out, &closed)
	}
	return out, nil
}

// LoadOpen 启动恢复：从 Redis 重建内存未结集合
//
// 返回恢复的订单，供调用方重新登记触发器。孤儿 ID（集合里有、
// 订单键缺失）顺手清掉。
func (s *Store) LoadOpen(ctx context.Context) ([]*Order, error) {
	ids, err := s.rdb.SMembers(ctx, openSetKey).Result()
	if err != nil {
		return nil, errs.Newf(errs.CodeUnavailable, "load open order ids: %v", err)
	}

	var recovered []*Order
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, orderKeyPrefix+id).Result()
		if err == redis.Nil {
			s.log.Warnf("dropping orphan open order id", map[string]interface{}{"orderId": id})
			s.rdb.SRem(ctx, openSetKey, id)
			continue
		}
		if err != nil {
			return nil, errs.Newf(errs.CodeUnavailable, "load order %s: %v", id, err)
		}
		var o Order
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, errs.Newf(errs.CodeInternal, "unmarshal order %s: %v", id, err)
		}
		recovered = append(recovered, &o)
	}

	s.mu.Lock()
	for _, o := range recovered {
		s.insert(o)
	}
	s.mu.Unlock()
	return recovered, nil
}

// CountOpen 未结订单总数（指标用）
func (s *Store) CountOpen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.open)
}
