package cardprocessor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StaticProcessor simulates the issuing processor in memory. Every call can be
// made to fail, so callers are exercised against a fallible upstream.
type StaticProcessor struct {
	mu sync.Mutex

	cardholders map[string]Profile
	cards       map[string]IssuedCard
	responses   map[string]bool

	err     error
	latency time.Duration
	calls   int
}

// NewStaticProcessor returns an empty simulated processor.
func NewStaticProcessor() *StaticProcessor {
	return &StaticProcessor{
		cardholders: make(map[string]Profile),
		cards:       make(map[string]IssuedCard),
		responses:   make(map[string]bool),
	}
}

// Fail makes every subsequent call return err until reset with nil.
func (p *StaticProcessor) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// SetLatency delays every call by d.
func (p *StaticProcessor) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// SetStatus changes a card status on the processor side only.
func (p *StaticProcessor) SetStatus(cardID string, status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cards[cardID]; ok {
		c.Status = status
		p.cards[cardID] = c
	}
}

// Response reports the decision sent for authID, if any.
func (p *StaticProcessor) Response(authID string) (approved, responded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	approved, responded = p.responses[authID]
	return approved, responded
}

// Calls returns how many calls reached the processor.
func (p *StaticProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *StaticProcessor) enter(ctx context.Context) error {
	p.mu.Lock()
	d, err := p.latency, p.err
	p.calls++
	p.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}
	return err
}

func (p *StaticProcessor) CreateCardholder(ctx context.Context, profile Profile) (string, error) {
	if err := p.enter(ctx); err != nil {
		return "", err
	}
	id := "ich_" + uuid.NewString()
	p.mu.Lock()
	p.cardholders[id] = profile
	p.mu.Unlock()
	return id, nil
}

func (p *StaticProcessor) CreateCard(ctx context.Context, cardholderID string, typ CardType, _ string, _ *Limits) (IssuedCard, error) {
	if err := p.enter(ctx); err != nil {
		return IssuedCard{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cardholders[cardholderID]; !ok {
		return IssuedCard{}, fmt.Errorf("%w: no such cardholder %s", ErrRejected, cardholderID)
	}
	if typ != TypeVirtual && typ != TypePhysical {
		return IssuedCard{}, fmt.Errorf("%w: card type %q", ErrRejected, typ)
	}
	id := "ic_" + uuid.NewString()
	card := IssuedCard{
		ID:       id,
		Last4:    fmt.Sprintf("%04d", len(p.cards)%10000),
		Brand:    "Visa",
		ExpMonth: 12,
		ExpYear:  time.Now().UTC().Year() + 3,
		Status:   StatusActive,
	}
	p.cards[id] = card
	return card, nil
}

func (p *StaticProcessor) SetCardStatus(ctx context.Context, cardID string, status Status) error {
	if err := p.enter(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cards[cardID]
	if !ok {
		return fmt.Errorf("%w: no such card %s", ErrRejected, cardID)
	}
	c.Status = status
	p.cards[cardID] = c
	return nil
}

func (p *StaticProcessor) GetCardStatus(ctx context.Context, cardID string) (Status, error) {
	if err := p.enter(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cards[cardID]
	if !ok {
		return "", fmt.Errorf("%w: no such card %s", ErrRejected, cardID)
	}
	return c.Status, nil
}

func (p *StaticProcessor) RespondToAuthorization(ctx context.Context, authID string, approve bool) error {
	if err := p.enter(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.responses[authID]; done {
		return fmt.Errorf("%w: authorization %s already answered", ErrRejected, authID)
	}
	p.responses[authID] = approve
	return nil
}
