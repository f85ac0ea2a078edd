package orders

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/lock"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/store"
	"github.com/mbd888/bazaar/internal/traces"
)

// Item is a requested product and quantity.
type Item struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required"`
}

// CreateRequest places an order. IdempotencyKey is optional; retries with
// the same key return the order created by the first call.
type CreateRequest struct {
	Items          []Item `json:"products" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// normalizeItems merges duplicate products and rejects non-positive
// quantities and merged quantities that overflow. The result is sorted by product id so that stock rows are
// always touched in the same order.
func normalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}
	qty := make(map[string]int64, len(items))
	for _, it := range items {
		if it.ProductID == "" {
			return nil, ErrEmptyOrder
		}
		if it.Quantity <= 0 || it.Quantity > math.MaxInt64-qty[it.ProductID] {
			return nil, ErrInvalidQuantity
		}
		qty[it.ProductID] += it.Quantity
	}
	out := make([]Item, 0, len(qty))
	for id, q := range qty {
		out = append(out, Item{ProductID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Create places a single-seller order and holds its total in escrow.
func (s *Service) Create(ctx context.Context, actor auth.Identity, req CreateRequest) (out *Outcome, err error) {
	items, err := normalizeItems(req.Items)
	if err != nil {
		return nil, err
	}
	id := idgen.WithPrefix(idgen.PrefixOrder)
	if req.IdempotencyKey != "" {
		id = idgen.Derive(idgen.PrefixOrder, actor.UserID, req.IdempotencyKey)
	}

	ctx, span := traces.StartSpan(ctx, "orders.create", traces.OrderID(id), traces.UserID(actor.UserID))
	defer func() {
		traces.End(span, err)
		observe("create", out, err)
	}()

	key := lock.Key("order", "create", actor.UserID)
	err = lock.WithLock(ctx, s.locker, key, s.lockTTL, func(ctx context.Context) error {
		return s.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			out = newOutcome()
			replay, err := existing(ctx, tx, actor, id)
			if err != nil || replay != nil {
				out.Order, out.AlreadyProcessed = replay, replay != nil
				return err
			}

			products, err := loadProducts(ctx, tx, items)
			if err != nil {
				return err
			}
			sellerID := products[items[0].ProductID].SellerID
			for _, it := range items {
				if products[it.ProductID].SellerID != sellerID {
					return ErrMixedSellers
				}
			}
			o, err := s.draft(ctx, tx, actor, id, "", sellerID, items, products)
			if err != nil {
				return err
			}
			if err := s.placeTx(ctx, tx, out, ledger.HoldReference(o.ID), []*store.Order{o}, items, products); err != nil {
				return err
			}
			out.Order = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, "create", out)
	return out, nil
}

// CreateBundle places one sub-order per seller for a mixed cart. All
// sub-orders are paid by a single hold on the bundle id and commit
// together or not at all.
func (s *Service) CreateBundle(ctx context.Context, actor auth.Identity, req CreateRequest) (out *Outcome, err error) {
	items, err := normalizeItems(req.Items)
	if err != nil {
		return nil, err
	}
	bundleID := idgen.WithPrefix(idgen.PrefixBundle)
	if req.IdempotencyKey != "" {
		bundleID = idgen.Derive(idgen.PrefixBundle, actor.UserID, req.IdempotencyKey)
	}

	ctx, span := traces.StartSpan(ctx, "orders.create_bundle", traces.OrderID(bundleID), traces.UserID(actor.UserID))
	defer func() {
		traces.End(span, err)
		observe("create_bundle", out, err)
	}()

	key := lock.Key("order", "create", actor.UserID)
	err = lock.WithLock(ctx, s.locker, key, s.lockTTL, func(ctx context.Context) error {
		return s.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			out = newOutcome()
			products, err := loadProducts(ctx, tx, items)
			if err != nil {
				return err
			}

			groups := make(map[string][]Item)
			var sellers []string
			for _, it := range items {
				sid := products[it.ProductID].SellerID
				if _, ok := groups[sid]; !ok {
					sellers = append(sellers, sid)
				}
				groups[sid] = append(groups[sid], it)
			}
			sort.Strings(sellers)

			// Sub-order ids derive from the bundle id, so a replayed
			// bundle finds its first sub-order.
			replay, err := existing(ctx, tx, actor, idgen.Derive(idgen.PrefixOrder, bundleID, sellers[0]))
			if err != nil {
				return err
			}
			if replay != nil {
				out.AlreadyProcessed = true
				for _, sid := range sellers {
					o, err := tx.GetOrder(ctx, idgen.Derive(idgen.PrefixOrder, bundleID, sid))
					if err != nil {
						return err
					}
					out.Orders = append(out.Orders, o)
				}
				return nil
			}

			orders := make([]*store.Order, 0, len(sellers))
			for _, sid := range sellers {
				id := idgen.Derive(idgen.PrefixOrder, bundleID, sid)
				o, err := s.draft(ctx, tx, actor, id, bundleID, sid, groups[sid], products)
				if err != nil {
					return err
				}
				orders = append(orders, o)
			}
			if err := s.placeTx(ctx, tx, out, ledger.HoldReference(bundleID), orders, items, products); err != nil {
				return err
			}
			out.Orders = orders
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, "create_bundle", out)
	return out, nil
}

// existing returns the order already created under id, if any.
func existing(ctx context.Context, tx store.Tx, actor auth.Identity, id string) (*store.Order, error) {
	o, err := tx.GetOrder(ctx, id)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if o.BuyerID != actor.UserID {
		return nil, ErrIdempotencyReuse
	}
	return o, nil
}

func loadProducts(ctx context.Context, tx store.Tx, items []Item) (map[string]*store.Product, error) {
	products := make(map[string]*store.Product, len(items))
	for _, it := range items {
		p, err := tx.GetProduct(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if p.Stock < it.Quantity {
			return nil, ErrInsufficientStock
		}
		products[p.ID] = p
	}
	return products, nil
}

// draft validates the seller and prices one order from the product
// snapshot. Nothing is written.
func (s *Service) draft(ctx context.Context, tx store.Tx, actor auth.Identity, id, bundleID, sellerID string, items []Item, products map[string]*store.Product) (*store.Order, error) {
	if sellerID == actor.UserID {
		return nil, ErrSelfPurchase
	}
	seller, err := tx.GetSeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if seller.Suspended {
		return nil, ErrSellerSuspended
	}

	now := s.now()
	o := &store.Order{
		ID:        id,
		BuyerID:   actor.UserID,
		SellerID:  sellerID,
		BundleID:  bundleID,
		Currency:  s.ledger.Currency(),
		Status:    store.OrderRunning,
		Dispute:   store.DisputeNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, it := range items {
		p := products[it.ProductID]
		li := store.LineItem{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: money.Discounted(p.Price, p.DiscountPercent),
			Quantity:  it.Quantity,
		}
		sub, ok := li.Subtotal()
		if !ok {
			return nil, ErrAmountTooLarge
		}
		if o.TotalAmount, ok = money.Add(o.TotalAmount, sub); !ok {
			return nil, ErrAmountTooLarge
		}
		o.Items = append(o.Items, li)
	}
	o.Commission = money.ApplyRate(o.TotalAmount, s.commission)
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// placeTx checks the buyer can pay, then writes the orders, decrements
// stock and takes the escrow hold. Every wallet the hold touches is read
// before the first write.
func (s *Service) placeTx(ctx context.Context, tx store.Tx, out *Outcome, reference string, orders []*store.Order, items []Item, products map[string]*store.Product) error {
	hold, err := s.ledger.PrepareHoldTx(ctx, tx, reference, orders...)
	if errors.Is(err, ledger.ErrInvalidAmount) {
		return ErrAmountTooLarge
	}
	if err != nil {
		return err
	}

	for _, o := range orders {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
	}
	for _, it := range items {
		p := products[it.ProductID]
		if err := tx.SetProductStock(ctx, p.ID, p.Stock-it.Quantity); err != nil {
			return err
		}
	}
	res, err := s.ledger.ApplyHoldTx(ctx, tx, hold)
	if err != nil {
		return err
	}
	out.record(res)
	for _, o := range orders {
		out.events = append(out.events, notify.OrderEvent(notify.EventOrderCreated, o))
	}
	return nil
}
