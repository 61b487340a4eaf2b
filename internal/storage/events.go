package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"pagewatch/internal/logger"

	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

// DefaultQueueSize 事件写入队列长度
const DefaultQueueSize = 256

// ErrQueueFull 写入队列已满，事件被丢弃
var ErrQueueFull = errors.New("storage: event queue is full")

// ErrClosed 存储已关闭
var ErrClosed = errors.New("storage: event store is closed")

// EventRecord 持久化的上报事件
type EventRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"index;size:64" json:"sessionID"`
	PageID    *string   `gorm:"size:128" json:"pageID"`
	Type      string    `gorm:"index;size:32" json:"type"`
	Payload   string    `gorm:"type:text" json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// Filter 事件查询条件
type Filter struct {
	SessionID string
	Type      string
	Limit     int
}

// EventStore 事件存储，写入经由后台队列异步落库
type EventStore struct {
	db      *gorm.DB
	session string
	log     logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan EventRecord
	done   chan struct{}
}

// NewEventStore 创建事件存储并启动写入协程
func NewEventStore(db *gorm.DB, session string, l logger.Logger) *EventStore {
	if l == nil {
		l = logger.NewNop()
	}
	s := &EventStore{
		db:      db,
		session: session,
		log:     l,
		queue:   make(chan EventRecord, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Report 实现上报桥接：解析事件类型后入队，队列满时丢弃
func (s *EventStore) Report(payload []byte) error {
	rec := s.record(payload)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *EventStore) loop() {
	defer close(s.done)
	ctx := WithSession(context.Background(), s.session)
	for rec := range s.queue {
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			s.log.Err(err, "事件写入失败", "type", rec.Type)
		}
	}
}

// Save 同步写入一条事件
func (s *EventStore) Save(ctx context.Context, payload []byte) (*EventRecord, error) {
	rec := s.record(payload)
	if err := s.db.WithContext(WithSession(ctx, s.session)).Create(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// record 从上报负载中提取索引字段
func (s *EventStore) record(payload []byte) EventRecord {
	rec := EventRecord{
		SessionID: s.session,
		Type:      gjson.GetBytes(payload, "type").String(),
		Payload:   string(payload),
		CreatedAt: time.Now(),
	}
	if id := gjson.GetBytes(payload, "page_id"); id.Type == gjson.String {
		v := id.String()
		rec.PageID = &v
	}
	return rec
}

// List 按写入顺序查询事件
func (s *EventStore) List(ctx context.Context, f Filter) ([]EventRecord, error) {
	q := s.db.WithContext(WithSession(ctx, s.session)).Model(&EventRecord{})
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []EventRecord
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Clear 删除匹配的事件，返回删除条数
func (s *EventStore) Clear(ctx context.Context, f Filter) (int64, error) {
	q := s.db.WithContext(WithSession(ctx, s.session)).Where("1 = 1")
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	res := q.Delete(&EventRecord{})
	return res.RowsAffected, res.Error
}

// Close 停止接收新事件并等待队列写完
func (s *EventStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return nil
}
