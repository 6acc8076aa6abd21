// Package replica is the durable substrate the relay serves: entries live
// in MongoDB and length changes fan out over Redis pub/sub, so several
// relay processes can share one set of logs.
package replica

import (
	"context"
	"convlog/internal/model"
	"convlog/internal/repository/mongolog"
	"convlog/internal/repository/substrate"
	redisSvc "convlog/internal/service/redis"
	"convlog/internal/utils/log"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventBuffer = 64

type Service struct {
	logs         *mongolog.LogRepo
	redisService *redisSvc.RedisService
}

var _ substrate.Substrate = (*Service)(nil)

func New(logs *mongolog.LogRepo, redisService *redisSvc.RedisService) *Service {
	return &Service{logs: logs, redisService: redisService}
}

// Channel is the Redis channel length changes of a log are published on.
func Channel(conversationID string) string {
	return "convlog:length:" + conversationID
}

func (s *Service) Join(ctx context.Context, conversationID string, logPublicKey []byte) error {
	return s.logs.Join(ctx, conversationID, logPublicKey)
}

func (s *Service) Append(ctx context.Context, conversationID string, entry []byte) (int, error) {
	index, err := s.logs.Append(ctx, conversationID, entry)
	if err != nil {
		return 0, err
	}

	data, err := lengthEvent(conversationID, index+1)
	if err != nil {
		// The entry is stored; subscribers catch up on their next length read.
		log.Warn("encode length failed", zap.String("conversation", conversationID), zap.Error(err))
		return index, nil
	}
	if err := s.redisService.Publish(ctx, Channel(conversationID), data); err != nil {
		log.Warn("publish length failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	return index, nil
}

func lengthEvent(conversationID string, length int) ([]byte, error) {
	data, err := json.Marshal(model.LengthChanged{ConversationID: conversationID, Local: length, Remote: model.IntPtr(length)})
	if err != nil {
		return nil, fmt.Errorf("encode length event: %w", err)
	}
	return data, nil
}

func (s *Service) ReadRange(ctx context.Context, conversationID string, from, to int) ([][]byte, error) {
	return s.logs.ReadRange(ctx, conversationID, from, to)
}

// CurrentLength reports the stored length as both local and remote; this
// replica is the authority for the logs it holds.
func (s *Service) CurrentLength(ctx context.Context, conversationID string) (int, *int, error) {
	n, err := s.logs.Length(ctx, conversationID)
	if err != nil {
		return 0, nil, err
	}
	return n, model.IntPtr(n), nil
}

func (s *Service) Subscribe(ctx context.Context, conversationID string) (substrate.Subscription, error) {
	if _, err := s.logs.Length(ctx, conversationID); err != nil {
		return nil, err
	}
	ps, err := s.redisService.Subscribe(ctx, Channel(conversationID))
	if err != nil {
		return nil, err
	}

	sub := &subscription{ps: ps, ch: make(chan model.LengthChanged, eventBuffer)}
	go sub.run(ctx)
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	ch   chan model.LengthChanged
	once sync.Once
}

func (s *subscription) Events() <-chan model.LengthChanged { return s.ch }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev model.LengthChanged
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn("bad length event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}
