package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-orders/internal/logging"
	"github.com/ariefcatur/marketplace-orders/internal/metrics"
)

const defaultTxTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/ariefcatur/marketplace-orders/internal/orders")

// Service coordinates order placement against the store, then tells the
// catalog cache and the event stream about what changed.
type Service struct {
	Store    Store
	Cache    CacheInvalidator
	Events   Publisher
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Producer string // stamped on outgoing events

	// TxTimeout bounds a transaction once it has started. Caller cancellation
	// does not reach the transaction: it commits or rolls back on its own.
	TxTimeout time.Duration
	Now       func() time.Time
}

// PlaceOrder reserves stock for every line, records the order with captured
// unit prices and closes the buyer's open cart, all in one transaction.
func (s *Service) PlaceOrder(ctx context.Context, buyer Identity, items []LineItem) (Confirmation, error) {
	return s.place(ctx, buyer, items, nil)
}

// place runs PlaceOrder. A non-nil from means the lines were read from that
// cart, and the transaction fails unless the locked cart still holds exactly
// those lines.
func (s *Service) place(ctx context.Context, buyer Identity, items []LineItem, from *Cart) (_ Confirmation, err error) {
	ctx, span := tracer.Start(ctx, "orders.PlaceOrder", trace.WithAttributes(
		attribute.String("order.user_id", buyer.UserID),
		attribute.Int("order.line_count", len(items)),
	))
	start := time.Now()
	defer func() { s.observePlacement(span, start, err) }()

	if buyer.UserID == "" {
		return Confirmation{}, invalid("buyer identity is required")
	}
	lines, err := normalizeLines(items)
	if err != nil {
		return Confirmation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Confirmation{}, aborted(err)
	}

	order := Order{
		ID:        uuid.NewString(),
		UserID:    buyer.UserID,
		Status:    StatusPending,
		CreatedAt: s.now().UTC(),
	}
	log := logging.FromContext(ctx, s.Log).With(
		zap.String("order_id", order.ID),
		zap.String("user_id", buyer.UserID),
	)

	txCtx, cancel := s.txContext(ctx)
	defer cancel()

	err = s.Store.InTx(txCtx, func(tx Tx) error {
		order.Items = make([]OrderItem, 0, len(lines))
		total := decimal.Zero
		for _, li := range lines {
			p, err := tx.LockProduct(txCtx, li.ProductID)
			if errors.Is(err, ErrNotFound) {
				return &StockError{ProductID: li.ProductID, Required: li.Quantity}
			}
			if err != nil {
				return err
			}
			if p.Stock < li.Quantity {
				return &StockError{ProductID: p.ID, Required: li.Quantity, Available: p.Stock}
			}
			if _, err := tx.DecrementStock(txCtx, p.ID, li.Quantity); err != nil {
				if errors.Is(err, ErrInsufficientInventory) {
					return &StockError{ProductID: p.ID, Required: li.Quantity, Available: p.Stock}
				}
				return err
			}

			item := OrderItem{
				ID:          uuid.NewString(),
				OrderID:     order.ID,
				ProductID:   p.ID,
				ProductName: p.Name,
				SellerID:    p.SellerID,
				Quantity:    li.Quantity,
				UnitPrice:   p.Price,
			}
			total = total.Add(item.Extension())
			order.Items = append(order.Items, item)
		}
		order.TotalAmount = total

		if err := tx.InsertOrder(txCtx, order); err != nil {
			return err
		}

		cart, ok, err := tx.FindOpenCartForUser(txCtx, buyer.UserID)
		if err != nil {
			return err
		}
		if from != nil && (!ok || !sameLines(cart, *from)) {
			return fmt.Errorf("cart %s changed during checkout: %w", from.ID, ErrConflict)
		}
		if !ok {
			log.Warn("open_cart_missing")
			return nil
		}
		return tx.MarkCartOrdered(txCtx, cart.ID)
	})
	if err != nil {
		err = aborted(err)
		logRejection(log, "order_rejected", err)
		return Confirmation{}, err
	}

	touched := make([]string, 0, len(lines))
	prices := make([]ItemPrice, 0, len(order.Items))
	for _, it := range order.Items {
		touched = append(touched, it.ProductID)
		prices = append(prices, ItemPrice{ProductID: it.ProductID, Qty: it.Quantity, UnitPrice: it.UnitPrice})
	}
	s.cache().Invalidate(txCtx, touched)
	s.publish(txCtx, log, TopicOrderPlaced, order.ID, EventOrderPlaced, OrderPlacedPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Items:       prices,
		TotalAmount: order.TotalAmount,
	})

	span.SetAttributes(attribute.String("order.id", order.ID))
	log.Info("order_placed",
		zap.String("total_amount", order.TotalAmount.String()),
		zap.Int("lines", len(order.Items)),
	)
	return Confirmation{
		OrderID:     order.ID,
		TotalAmount: order.TotalAmount,
		CreatedAt:   order.CreatedAt,
		Status:      order.Status,
	}, nil
}

// GetOrdersForBuyer always reads the store so a just-placed order is visible.
func (s *Service) GetOrdersForBuyer(ctx context.Context, buyer Identity) ([]Order, error) {
	if buyer.UserID == "" {
		return nil, invalid("buyer identity is required")
	}
	return s.Store.FindOrdersByBuyer(ctx, buyer.UserID)
}

func (s *Service) GetOrdersForSeller(ctx context.Context, seller Identity) ([]Order, error) {
	if seller.UserID == "" {
		return nil, invalid("seller identity is required")
	}
	if seller.Role != RoleSeller && seller.Role != RoleAdmin {
		return nil, ErrForbidden
	}
	return s.Store.FindOrdersBySeller(ctx, seller.UserID)
}

// GetOrder returns the order to its buyer, to a seller with a line in it, or
// to an admin.
func (s *Service) GetOrder(ctx context.Context, caller Identity, orderID string) (Order, error) {
	if orderID == "" {
		return Order{}, invalid("order id is required")
	}
	o, err := s.Store.FindOrderByID(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	switch {
	case caller.Role == RoleAdmin:
	case caller.UserID != "" && caller.UserID == o.UserID:
	case caller.Role == RoleSeller && o.HasSeller(caller.UserID):
	default:
		return Order{}, ErrForbidden
	}
	return o, nil
}

// UpdateStatus moves an order one step along its lifecycle. Only a seller
// holding a line item in the order may do so.
func (s *Service) UpdateStatus(ctx context.Context, seller Identity, orderID string, target Status) (_ StatusChange, err error) {
	ctx, span := tracer.Start(ctx, "orders.UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.target_status", string(target)),
	))
	defer func() { s.observeStatusUpdate(span, err) }()

	if orderID == "" {
		return StatusChange{}, invalid("order id is required")
	}
	if _, ok := validNext[target]; !ok {
		return StatusChange{}, invalid("unknown order status %q", target)
	}
	if seller.UserID == "" || seller.Role != RoleSeller {
		return StatusChange{}, ErrForbidden
	}
	log := logging.FromContext(ctx, s.Log).With(
		zap.String("order_id", orderID),
		zap.String("user_id", seller.UserID),
	)

	txCtx, cancel := s.txContext(ctx)
	defer cancel()

	var change StatusChange
	err = s.Store.InTx(txCtx, func(tx Tx) error {
		o, err := tx.LockOrder(txCtx, orderID)
		if err != nil {
			return err
		}
		if !o.HasSeller(seller.UserID) {
			return ErrForbidden
		}
		if !CanTransition(o.Status, target) {
			return &TransitionError{From: o.Status, To: target}
		}
		if err := tx.UpdateOrderStatus(txCtx, o.ID, o.Status, target); err != nil {
			return err
		}
		change = StatusChange{OrderID: o.ID, OldStatus: o.Status, NewStatus: target}
		return nil
	})
	if err != nil {
		err = aborted(err)
		logRejection(log, "order_status_rejected", err)
		return StatusChange{}, err
	}

	s.publish(txCtx, log, TopicOrderStatusChanged, change.OrderID, EventOrderStatusChanged, OrderStatusChangedPayload{
		OrderID:   change.OrderID,
		OldStatus: change.OldStatus,
		NewStatus: change.NewStatus,
		ChangedBy: seller.UserID,
	})
	log.Info("order_status_changed",
		zap.String("old_status", string(change.OldStatus)),
		zap.String("new_status", string(change.NewStatus)),
	)
	return change, nil
}

func sameLines(a, b Cart) bool {
	if a.ID != b.ID || len(a.Items) != len(b.Items) {
		return false
	}
	qty := make(map[string]int, len(a.Items))
	for _, it := range a.Items {
		qty[it.ProductID] += it.Quantity
	}
	for _, it := range b.Items {
		qty[it.ProductID] -= it.Quantity
	}
	for _, n := range qty {
		if n != 0 {
			return false
		}
	}
	return true
}

// normalizeLines validates the request, merges repeated products and sorts
// by product id so row locks are always taken in the same order.
func normalizeLines(items []LineItem) ([]LineItem, error) {
	if len(items) == 0 {
		return nil, invalid("order must contain at least one item")
	}
	merged := make(map[string]int, len(items))
	for _, it := range items {
		if it.ProductID == "" {
			return nil, invalid("product id is required")
		}
		if it.Quantity <= 0 {
			return nil, invalid("quantity for product %s must be positive", it.ProductID)
		}
		merged[it.ProductID] += it.Quantity
	}
	out := make([]LineItem, 0, len(merged))
	for id, qty := range merged {
		out = append(out, LineItem{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Service) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.TxTimeout
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) cache() CacheInvalidator {
	if s.Cache == nil {
		return nopInvalidator{}
	}
	return s.Cache
}

func (s *Service) publish(ctx context.Context, log *zap.Logger, topic, key, eventType string, payload any) {
	if s.Events == nil {
		return
	}
	env, err := NewEnvelope(eventType, s.Producer, key, payload)
	if err == nil {
		err = s.Events.Publish(ctx, topic, PartitionKey(key), env)
	}
	if err != nil {
		log.Warn("event_publish_failed", zap.String("topic", topic), zap.Error(err))
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrInvalidRequest):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrInsufficientInventory), errors.Is(err, ErrInvalidTransition):
		return metrics.OutcomeRejected
	case errors.Is(err, ErrForbidden):
		return metrics.OutcomeForbidden
	case errors.Is(err, ErrNotFound):
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeAborted
	}
}

func logRejection(log *zap.Logger, msg string, err error) {
	if errors.Is(err, ErrTransactionAborted) {
		log.Error(msg, zap.Error(err))
		return
	}
	log.Info(msg, zap.Error(err))
}

func (s *Service) observePlacement(span trace.Span, start time.Time, err error) {
	outcome := outcomeOf(err)
	if s.Metrics != nil {
		s.Metrics.OrdersPlaced.WithLabelValues(outcome).Inc()
		s.Metrics.PlaceDuration.Observe(time.Since(start).Seconds())
	}
	endSpan(span, outcome, err)
}

func (s *Service) observeStatusUpdate(span trace.Span, err error) {
	outcome := outcomeOf(err)
	if s.Metrics != nil {
		s.Metrics.StatusUpdates.WithLabelValues(outcome).Inc()
	}
	endSpan(span, outcome, err)
}

func endSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetStatus(codes.Ok, outcome)
	}
	span.End()
}
