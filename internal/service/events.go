package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"bankledger/internal/infrastructure/mq"
	"bankledger/pkg/idgen"
)

type EventType string

const (
	EventBalanceSet     EventType = "balance_set"
	EventDeposit        EventType = "deposit"
	EventWithdraw       EventType = "withdraw"
	EventTransfer       EventType = "transfer"
	EventPurchaseRefund EventType = "purchase_refund"
	EventModeChanged    EventType = "mode_changed"
	EventWipe           EventType = "wipe"
	EventPrune          EventType = "prune"
	EventUserDeleted    EventType = "user_data_deleted"
	EventReconciliation EventType = "reconciliation_failure"
)

// LedgerEvent 发送到 Kafka 的账本事件
type LedgerEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Namespace    string    `json:"namespace,omitempty"`
	Identity     string    `json:"identity,omitempty"`
	Counterparty string    `json:"counterparty,omitempty"`
	Amount       int64     `json:"amount,omitempty"`
	Balance      int64     `json:"balance,omitempty"`
	Message      string    `json:"message,omitempty"`
	At           int64     `json:"at"`
}

// EventSink 账本事件出口
//
// 发送失败只记日志，不影响已经完成的余额变更。
type EventSink struct {
	publisher   mq.Publisher
	eventsTopic string
	alertsTopic string
	logger      *slog.Logger
	now         func() time.Time
}

func NewEventSink(publisher mq.Publisher, eventsTopic, alertsTopic string, logger *slog.Logger) *EventSink {
	if publisher == nil {
		publisher = mq.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{
		publisher:   publisher,
		eventsTopic: eventsTopic,
		alertsTopic: alertsTopic,
		logger:      logger,
		now:         time.Now,
	}
}

// Emit 发送普通账本事件
func (s *EventSink) Emit(ctx context.Context, ev LedgerEvent) {
	if s == nil {
		return
	}
	s.send(ctx, s.eventsTopic, ev)
}

// Alert 发送需要人工处理的告警
func (s *EventSink) Alert(ctx context.Context, ev LedgerEvent) {
	if s == nil {
		return
	}
	s.send(ctx, s.alertsTopic, ev)
}

func (s *EventSink) send(ctx context.Context, topic string, ev LedgerEvent) {
	if ev.ID == "" {
		ev.ID = idgen.GenerateEventID()
	}
	if ev.At == 0 {
		ev.At = s.now().Unix()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("[EventSink] 序列化事件失败", "type", ev.Type, "error", err)
		return
	}
	key := ev.Namespace
	if ev.Identity != "" {
		key = accountKey(ev.Namespace, ev.Identity)
	}
	if err := s.publisher.Publish(ctx, topic, key, payload); err != nil {
		s.logger.Warn("[EventSink] 发送事件失败", "topic", topic, "event_id", ev.ID, "type", ev.Type, "error", err)
	}
}
