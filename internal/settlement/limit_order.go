package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// Order is a resting maker order selling SellAmount of SellToken for
// BuyAmount of BuyToken, fillable in part at the same ratio.
type Order struct {
	ID         string         `json:"id"`
	Maker      common.Address `json:"maker"`
	SellToken  common.Address `json:"sellToken"`
	BuyToken   common.Address `json:"buyToken"`
	SellAmount *big.Int       `json:"sellAmount"`
	BuyAmount  *big.Int       `json:"buyAmount"`
	Remaining  *big.Int       `json:"remaining"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (o *Order) clone() Order {
	out := *o
	out.SellAmount = new(big.Int).Set(o.SellAmount)
	out.BuyAmount = new(big.Int).Set(o.BuyAmount)
	out.Remaining = new(big.Int).Set(o.Remaining)
	return out
}

// better reports whether o gives a taker more SellToken per BuyToken than
// other: o.sell/o.buy > other.sell/other.buy.
func (o *Order) better(other *Order) bool {
	l := new(big.Int).Mul(o.SellAmount, other.BuyAmount)
	r := new(big.Int).Mul(other.SellAmount, o.BuyAmount)
	if c := l.Cmp(r); c != 0 {
		return c > 0
	}
	return o.CreatedAt.Before(other.CreatedAt)
}

// OrderBook escrows maker funds from the vault and matches them against
// settlement trades.
type OrderBook struct {
	mu     sync.Mutex
	vault  *Vault
	orders map[string]*Order
	now    func() time.Time
}

// NewOrderBook creates an empty book over vault.
func NewOrderBook(vault *Vault) *OrderBook {
	return &OrderBook{vault: vault, orders: make(map[string]*Order), now: time.Now}
}

// Place escrows sellAmount from the maker's vault balance and rests the
// order.
func (b *OrderBook) Place(maker, sellToken, buyToken common.Address, sellAmount, buyAmount *big.Int) (Order, error) {
	if sellAmount == nil || buyAmount == nil || sellAmount.Sign() <= 0 || buyAmount.Sign() <= 0 {
		return Order{}, fmt.Errorf("settlement/book: place: %w", domain.ErrInvalidAmount)
	}
	hold, err := b.vault.Hold(maker, sellToken, sellAmount)
	if err != nil {
		return Order{}, fmt.Errorf("settlement/book: place: %w", err)
	}
	hold.Commit()

	o := &Order{
		ID:         uuid.NewString(),
		Maker:      maker,
		SellToken:  sellToken,
		BuyToken:   buyToken,
		SellAmount: new(big.Int).Set(sellAmount),
		BuyAmount:  new(big.Int).Set(buyAmount),
		Remaining:  new(big.Int).Set(sellAmount),
		CreatedAt:  b.now(),
	}
	b.mu.Lock()
	b.orders[o.ID] = o
	b.mu.Unlock()
	return o.clone(), nil
}

// Cancel removes an order and returns its unfilled amount to the maker.
func (b *OrderBook) Cancel(id string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("settlement/book: order %s: %w", id, domain.ErrNotFound)
	}
	delete(b.orders, id)
	b.vault.Deposit(o.Maker, o.SellToken, o.Remaining)
	return o.clone(), nil
}

// Orders lists resting orders that sell sellToken for buyToken, best
// first.
func (b *OrderBook) Orders(sellToken, buyToken common.Address) []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	matches := b.matching(sellToken, buyToken)
	out := make([]Order, len(matches))
	for i, o := range matches {
		out[i] = o.clone()
	}
	return out
}

// matching must be called with b.mu held.
func (b *OrderBook) matching(sellToken, buyToken common.Address) []*Order {
	var out []*Order
	for _, o := range b.orders {
		if o.SellToken == sellToken && o.BuyToken == buyToken && o.Remaining.Sign() > 0 {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].better(out[j]) })
	return out
}

type fill struct {
	order *Order
	in    *big.Int
	out   *big.Int
}

// match fills amountIn against orders in sequence. It returns ok=false if
// the orders cannot absorb the whole input.
func match(orders []*Order, amountIn *big.Int) ([]fill, *big.Int, bool) {
	left := new(big.Int).Set(amountIn)
	total := new(big.Int)
	var fills []fill
	for _, o := range orders {
		if left.Sign() == 0 {
			break
		}
		// Input that would buy the whole remainder.
		capIn := new(big.Int).Mul(o.Remaining, o.BuyAmount)
		capIn.Quo(capIn, o.SellAmount)
		if capIn.Sign() == 0 {
			continue
		}
		in := new(big.Int).Set(left)
		if in.Cmp(capIn) > 0 {
			in.Set(capIn)
		}
		out := new(big.Int).Mul(in, o.SellAmount)
		out.Quo(out, o.BuyAmount)
		fills = append(fills, fill{order: o, in: in, out: out})
		total.Add(total, out)
		left.Sub(left, in)
	}
	return fills, total, left.Sign() == 0
}

// LimitOrder fills trades against resting maker orders.
type LimitOrder struct {
	book *OrderBook
}

// NewLimitOrder creates the LIMIT_ORDER strategy.
func NewLimitOrder(book *OrderBook) *LimitOrder {
	return &LimitOrder{book: book}
}

type limitRoute struct {
	Orders []string `json:"orders"`
}

// Method implements Strategy.
func (l *LimitOrder) Method() domain.SettlementMethod { return domain.MethodLimitOrder }

// Quote implements Strategy.
func (l *LimitOrder) Quote(_ context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (Route, error) {
	l.book.mu.Lock()
	fills, out, ok := match(l.book.matching(tokenOut, tokenIn), amountIn)
	l.book.mu.Unlock()
	if !ok || out.Sign() == 0 {
		return Route{}, fmt.Errorf("settlement/limit: %s->%s: not enough resting orders: %w", tokenIn.Hex(), tokenOut.Hex(), domain.ErrNoLiquidity)
	}
	r := limitRoute{Orders: make([]string, 0, len(fills))}
	for _, f := range fills {
		r.Orders = append(r.Orders, f.order.ID)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return Route{}, fmt.Errorf("settlement/limit: encode route: %w", err)
	}
	return Route{AmountOut: out, RoutingData: data}, nil
}

// Prepare implements Strategy. When routing data names orders, only those
// are filled, in the given order.
func (l *LimitOrder) Prepare(_ context.Context, req Request) (Execution, error) {
	l.book.mu.Lock()
	orders := l.book.matching(req.TokenOut, req.TokenIn)
	if len(req.RoutingData) > 0 {
		var r limitRoute
		if err := json.Unmarshal(req.RoutingData, &r); err != nil {
			l.book.mu.Unlock()
			return nil, fmt.Errorf("settlement/limit: decode route: %w", err)
		}
		orders = orders[:0]
		seen := make(map[string]bool, len(r.Orders))
		for _, id := range r.Orders {
			if seen[id] {
				continue
			}
			seen[id] = true
			o, ok := l.book.orders[id]
			if !ok || o.SellToken != req.TokenOut || o.BuyToken != req.TokenIn {
				l.book.mu.Unlock()
				return nil, fmt.Errorf("settlement/limit: order %s: %w", id, domain.ErrNoLiquidity)
			}
			orders = append(orders, o)
		}
	}
	fills, out, ok := match(orders, req.AmountIn)
	if !ok {
		l.book.mu.Unlock()
		return nil, fmt.Errorf("settlement/limit: orders cannot absorb %s: %w", req.AmountIn, domain.ErrNoLiquidity)
	}
	tokenIn := req.TokenIn
	return newExecution(out,
		func() {
			for _, f := range fills {
				f.order.Remaining.Sub(f.order.Remaining, f.out)
				l.book.vault.Deposit(f.order.Maker, tokenIn, f.in)
				if f.order.Remaining.Sign() == 0 {
					delete(l.book.orders, f.order.ID)
				}
			}
			l.book.mu.Unlock()
		},
		l.book.mu.Unlock,
	), nil
}
