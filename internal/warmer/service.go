package warmer

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/marketplace-orders/internal/kafka"
	"github.com/ariefcatur/marketplace-orders/internal/metrics"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"github.com/ariefcatur/marketplace-orders/internal/redisx"
)

// Topics the warmer subscribes to.
var Topics = []string{orders.TopicOrderPlaced, orders.TopicCatalogProductEvent}

type Refresher interface {
	Refresh(ctx context.Context) error
}

// Deduper claims event ids so redelivered events are skipped.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Service repopulates the catalog cache when committed orders or product
// edits change what the catalog shows.
type Service struct {
	Catalog Refresher
	Dedup   Deduper // optional
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Name    string
}

// HandleMessage is the consumer handler. Undecodable messages are dropped;
// a failed refresh is returned so the offset is not committed.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		s.log().Warn("event_dropped", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		s.count("unknown", metrics.OutcomeInvalid)
		return nil
	}
	log := s.log().With(zap.String("event_id", env.EventID), zap.String("event_type", env.EventType))

	switch env.EventType {
	case orders.EventOrderPlaced:
		p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
		if err != nil {
			log.Warn("event_dropped", zap.Error(err))
			s.count(env.EventType, metrics.OutcomeInvalid)
			return nil
		}
		log = log.With(zap.String("order_id", p.OrderID), zap.Strings("product_ids", p.ProductIDs()))
	case orders.EventProductChanged:
		p, err := kafkax.UnwrapPayload[orders.ProductChangedPayload](env.Payload)
		if err != nil {
			log.Warn("event_dropped", zap.Error(err))
			s.count(env.EventType, metrics.OutcomeInvalid)
			return nil
		}
		log = log.With(zap.String("product_id", p.ProductID), zap.Bool("deleted", p.Deleted))
	default:
		s.count(env.EventType, metrics.OutcomeSkipped)
		return nil
	}

	key := fmt.Sprintf(redisx.KeyDedup, s.name(), env.EventID)
	if s.Dedup != nil {
		fresh, err := s.Dedup.Claim(ctx, key)
		switch {
		case err != nil:
			// Refreshing twice is harmless; carry on without the claim.
			log.Warn("dedup_unavailable", zap.Error(err))
		case !fresh:
			log.Debug("event_duplicate")
			s.count(env.EventType, metrics.OutcomeSkipped)
			return nil
		}
	}

	if err := s.Catalog.Refresh(ctx); err != nil {
		if s.Dedup != nil {
			if rerr := s.Dedup.Release(ctx, key); rerr != nil {
				log.Warn("dedup_release_failed", zap.Error(rerr))
			}
		}
		s.count(env.EventType, metrics.OutcomeError)
		return fmt.Errorf("refresh catalog: %w", err)
	}
	s.count(env.EventType, metrics.OutcomeSuccess)
	log.Info("catalog_refreshed")
	return nil
}

func (s *Service) count(eventType, outcome string) {
	if s.Metrics != nil {
		s.Metrics.EventsConsumed.WithLabelValues(eventType, outcome).Inc()
	}
}

func (s *Service) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

func (s *Service) name() string {
	if s.Name != "" {
		return s.Name
	}
	return "warmer"
}
