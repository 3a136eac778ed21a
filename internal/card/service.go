package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/custody/internal/cardprocessor"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/lock"
	"github.com/congo-pay/custody/internal/metrics"
	"github.com/congo-pay/custody/internal/notification"
)

// ErrCardNotFound is returned for unknown cards and for cards owned by someone else.
var ErrCardNotFound = fmt.Errorf("card %w", ledger.ErrNotFound)

const limitDecimals = 2

type (
	// AuthorizationEvent is a real-time authorization request from the processor.
	AuthorizationEvent = cardprocessor.AuthorizationRequest
	// RefundEvent reports a refund settled onto a card.
	RefundEvent = cardprocessor.RefundNotice
	// CaptureEvent reports the capture of an approved authorization.
	CaptureEvent = cardprocessor.CaptureNotice
)

// Store is the persistence the card service needs: cards and authorizations,
// plus the ledger transactions that approvals and refunds append.
type Store interface {
	ledger.CardStore
	CreateTransaction(ctx context.Context, tx ledger.Transaction) error
	TransactionByProcessorRef(ctx context.Context, ref string) (ledger.Transaction, error)
	ResolveTransaction(ctx context.Context, id string, res ledger.Resolution) (ledger.Transaction, error)
}

// Config tunes processor calls.
type Config struct {
	// AuthorizationBudget bounds the whole authorization decision.
	AuthorizationBudget time.Duration
	// ProcessorTimeout bounds every other processor call.
	ProcessorTimeout time.Duration
	DefaultCurrency  string
}

// Deps are the collaborators of the card service.
type Deps struct {
	Store     Store
	Processor cardprocessor.Client
	Locker    lock.Locker
	Notifier  notification.Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Service issues cards and decides their authorizations.
type Service struct {
	store     Store
	processor cardprocessor.Client
	locker    lock.Locker
	notifier  notification.Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewService builds a card service.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.AuthorizationBudget <= 0 {
		cfg.AuthorizationBudget = 300 * time.Millisecond
	}
	if cfg.ProcessorTimeout <= 0 {
		cfg.ProcessorTimeout = 10 * time.Second
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		store:     deps.Store,
		processor: deps.Processor,
		locker:    deps.Locker,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// IssueCardInput describes a card request.
type IssueCardInput struct {
	OwnerID        string
	Type           ledger.CardType
	SpendingLimit  string
	Currency       string
	CardholderName string
	Email          string
	Billing        cardprocessor.Address
}

// IssueCard creates the card at the processor and persists it. The owner's
// existing cardholder is reused. Nothing is stored when the processor fails.
func (s *Service) IssueCard(ctx context.Context, in IssueCardInput) (ledger.Card, error) {
	if _, err := uuid.Parse(in.OwnerID); err != nil {
		return ledger.Card{}, fmt.Errorf("%w: owner id must be a uuid", ledger.ErrInvalidInput)
	}
	if !in.Type.Valid() {
		return ledger.Card{}, fmt.Errorf("%w: card type must be virtual or physical", ledger.ErrInvalidInput)
	}
	name := strings.TrimSpace(in.CardholderName)
	if name == "" {
		return ledger.Card{}, fmt.Errorf("%w: cardholder name is required", ledger.ErrInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	if len(currency) != 3 {
		return ledger.Card{}, fmt.Errorf("%w: currency must be an ISO 4217 code", ledger.ErrInvalidInput)
	}

	var limit decimal.NullDecimal
	var limits *cardprocessor.Limits
	if raw := strings.TrimSpace(in.SpendingLimit); raw != "" {
		amount, err := ledger.ParseAmount(raw, limitDecimals)
		if err != nil {
			return ledger.Card{}, fmt.Errorf("spending limit: %w", err)
		}
		limit = decimal.NullDecimal{Decimal: amount, Valid: true}
		limits = &cardprocessor.Limits{Monthly: amount, Currency: currency}
	}

	existing, err := s.store.ListCardsByOwner(ctx, in.OwnerID)
	if err != nil {
		return ledger.Card{}, fmt.Errorf("list cards: %w", err)
	}
	var cardholderID string
	for _, c := range existing {
		if c.CardholderID != "" {
			cardholderID = c.CardholderID
			break
		}
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()

	if cardholderID == "" {
		cardholderID, err = s.processor.CreateCardholder(pctx, cardprocessor.Profile{
			OwnerID: in.OwnerID,
			Name:    name,
			Email:   in.Email,
			Billing: in.Billing,
		})
		if err != nil {
			return ledger.Card{}, unavailable("create cardholder", err)
		}
	}

	issued, err := s.processor.CreateCard(pctx, cardholderID, cardprocessor.CardType(in.Type), currency, limits)
	if err != nil {
		return ledger.Card{}, unavailable("create card", err)
	}

	now := s.now()
	card := ledger.Card{
		ID:              uuid.NewString(),
		OwnerID:         in.OwnerID,
		ProcessorCardID: issued.ID,
		CardholderID:    cardholderID,
		Last4:           issued.Last4,
		Brand:           issued.Brand,
		Type:            in.Type,
		Status:          ledger.CardActive,
		CardholderName:  name,
		ExpMonth:        issued.ExpMonth,
		ExpYear:         issued.ExpYear,
		SpendingLimit:   limit,
		Currency:        currency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateCard(ctx, card); err != nil {
		s.logger.Error("persist issued card failed", "processor_card_id", issued.ID, "owner_id", in.OwnerID, "error", err)
		s.cancelOrphan(ctx, issued.ID)
		return ledger.Card{}, fmt.Errorf("persist card: %w", err)
	}

	s.logger.Info("card issued", "card_id", card.ID, "owner_id", card.OwnerID, "type", card.Type)
	return card, nil
}

// cancelOrphan cancels a processor card that could not be recorded locally.
func (s *Service) cancelOrphan(ctx context.Context, processorCardID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProcessorTimeout)
	defer cancel()
	if err := s.processor.SetCardStatus(ctx, processorCardID, cardprocessor.StatusCanceled); err != nil {
		s.logger.Error("cancel orphaned card failed", "processor_card_id", processorCardID, "error", err)
	}
}

// DecideAuthorization approves or declines a processor authorization within
// the authorization budget, records the decision and answers the processor.
// A repeated authorization id returns the stored decision together with
// ledger.ErrDuplicateTransaction and is not answered again.
func (s *Service) DecideAuthorization(ctx context.Context, ev AuthorizationEvent) (ledger.CardAuthorization, error) {
	started := time.Now()
	if strings.TrimSpace(ev.AuthID) == "" || strings.TrimSpace(ev.CardID) == "" {
		return ledger.CardAuthorization{}, fmt.Errorf("%w: authorization and card ids are required", ledger.ErrInvalidInput)
	}
	if !ev.Amount.IsPositive() {
		return ledger.CardAuthorization{}, fmt.Errorf("%w: authorization amount must be positive", ledger.ErrInvalidInput)
	}

	// Work past the budget only records and answers the decline.
	persistCtx := context.WithoutCancel(ctx)
	budget, cancel := context.WithTimeout(ctx, s.cfg.AuthorizationBudget)
	defer cancel()

	if prior, err := s.store.AuthorizationByProcessorID(budget, ev.AuthID); err == nil {
		return prior, ledger.ErrDuplicateTransaction
	} else if !errors.Is(err, ledger.ErrNotFound) && !errors.Is(err, context.DeadlineExceeded) {
		return ledger.CardAuthorization{}, fmt.Errorf("lookup authorization: %w", err)
	}

	unlock, err := s.locker.Lock(budget, "card:"+ev.CardID)
	if err == nil {
		defer unlock()
	}

	var (
		card   ledger.Card
		reason ledger.DeclineReason
	)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return ledger.CardAuthorization{}, fmt.Errorf("lock card: %w", err)
		}
		reason = ledger.DeclineDeadlineExceeded
	} else {
		card, reason, err = s.evaluate(budget, ev)
		if err != nil {
			return ledger.CardAuthorization{}, err
		}
	}

	now := s.now()
	decision := ledger.CardAuthorization{
		ID:               uuid.NewString(),
		CardID:           card.ID,
		OwnerID:          card.OwnerID,
		ProcessorAuthID:  ev.AuthID,
		ProcessorCardID:  ev.CardID,
		Amount:           ev.Amount,
		Currency:         ev.Currency,
		MerchantName:     ev.MerchantName,
		MerchantCategory: ev.MerchantCategory,
		Status:           ledger.AuthApproved,
		DeclineReason:    reason,
		DecidedAt:        now,
		CreatedAt:        now,
	}
	if reason != ledger.DeclineNone {
		decision.Status = ledger.AuthDeclined
	}

	if err := s.store.CreateAuthorization(persistCtx, decision); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			prior, lookupErr := s.store.AuthorizationByProcessorID(persistCtx, ev.AuthID)
			if lookupErr == nil {
				return prior, ledger.ErrDuplicateTransaction
			}
		}
		return ledger.CardAuthorization{}, fmt.Errorf("record authorization: %w", err)
	}

	approved := decision.Status == ledger.AuthApproved
	rctx, rcancel := context.WithTimeout(persistCtx, s.cfg.ProcessorTimeout)
	defer rcancel()
	if err := s.processor.RespondToAuthorization(rctx, ev.AuthID, approved); err != nil {
		// The processor falls back to its own timeout policy.
		s.logger.Error("respond to authorization failed", "auth_id", ev.AuthID, "approved", approved, "error", err)
	}

	if approved {
		s.appendPayment(persistCtx, card, decision)
	}

	elapsed := time.Since(started)
	s.metrics.Authorization(string(decision.Status), string(decision.DeclineReason), elapsed.Seconds())
	s.logger.Info("authorization decided",
		"auth_id", ev.AuthID,
		"card_id", card.ID,
		"status", decision.Status,
		"reason", decision.DeclineReason,
		"amount", ev.Amount.String(),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	notification.Emit(persistCtx, s.notifier, s.logger, notification.Event{
		Kind:      notification.KindAuthorizationDecided,
		SubjectID: decision.ID,
		OwnerID:   decision.OwnerID,
		Status:    string(decision.Status),
		Amount:    decision.Amount.String(),
		Currency:  decision.Currency,
		Reason:    string(decision.DeclineReason),
	})
	return decision, nil
}

// evaluate applies the authorization policy. Only store failures unrelated
// to the budget are returned as errors.
func (s *Service) evaluate(ctx context.Context, ev AuthorizationEvent) (ledger.Card, ledger.DeclineReason, error) {
	card, err := s.store.CardByProcessorID(ctx, ev.CardID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return ledger.Card{}, ledger.DeclineCardNotFound, nil
	case budgetExceeded(ctx, err):
		return ledger.Card{}, ledger.DeclineDeadlineExceeded, nil
	case err != nil:
		return ledger.Card{}, "", fmt.Errorf("load card: %w", err)
	}

	if card.Status != ledger.CardActive {
		return card, ledger.DeclineCardInactive, nil
	}

	if card.SpendingLimit.Valid {
		spent, err := s.store.SumApprovedThisMonth(ctx, card.ID, s.now())
		switch {
		case budgetExceeded(ctx, err):
			return card, ledger.DeclineDeadlineExceeded, nil
		case err != nil:
			return card, "", fmt.Errorf("sum approved: %w", err)
		}
		if spent.Add(ev.Amount).GreaterThan(card.SpendingLimit.Decimal) {
			return card, ledger.DeclineLimitExceeded, nil
		}
	}

	if ctx.Err() != nil {
		return card, ledger.DeclineDeadlineExceeded, nil
	}
	return card, ledger.DeclineNone, nil
}

func budgetExceeded(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (s *Service) appendPayment(ctx context.Context, card ledger.Card, a ledger.CardAuthorization) {
	now := s.now()
	tx := ledger.Transaction{
		ID:           uuid.NewString(),
		OwnerID:      card.OwnerID,
		Kind:         ledger.KindCardPayment,
		Amount:       a.Amount,
		Currency:     a.Currency,
		Status:       ledger.TxPending,
		ProcessorRef: a.ProcessorAuthID,
		Description:  a.MerchantName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil && !errors.Is(err, ledger.ErrConflict) {
		s.logger.Error("append card payment failed", "auth_id", a.ProcessorAuthID, "card_id", card.ID, "error", err)
	}
}

// CancelCard cancels the owner's card at the processor, then locally. A
// failed local write is logged and healed by the next GetCard.
func (s *Service) CancelCard(ctx context.Context, ownerID, cardID string) (ledger.Card, error) {
	card, err := s.ownedCard(ctx, ownerID, cardID)
	if err != nil {
		return ledger.Card{}, err
	}
	if card.Status == ledger.CardCanceled {
		return card, nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()
	if err := s.processor.SetCardStatus(pctx, card.ProcessorCardID, cardprocessor.StatusCanceled); err != nil {
		return ledger.Card{}, unavailable("cancel card", err)
	}

	if err := s.store.UpdateCardStatus(context.WithoutCancel(ctx), card.ID, ledger.CardCanceled); err != nil {
		s.logger.Error("record canceled card failed", "card_id", card.ID, "error", err)
	}
	card.Status = ledger.CardCanceled
	card.UpdatedAt = s.now()
	s.logger.Info("card canceled", "card_id", card.ID, "owner_id", ownerID)
	return card, nil
}

// GetCard returns the owner's card with its status refreshed from the
// processor. The local copy is returned when the processor cannot answer.
func (s *Service) GetCard(ctx context.Context, ownerID, cardID string) (ledger.Card, error) {
	card, err := s.ownedCard(ctx, ownerID, cardID)
	if err != nil {
		return ledger.Card{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()
	remote, err := s.processor.GetCardStatus(pctx, card.ProcessorCardID)
	if err != nil {
		s.logger.Warn("refresh card status failed", "card_id", card.ID, "error", err)
		return card, nil
	}

	status := ledger.CardStatus(remote)
	if !status.Valid() || status == card.Status {
		return card, nil
	}
	if err := s.store.UpdateCardStatus(ctx, card.ID, status); err != nil {
		s.logger.Error("record card status failed", "card_id", card.ID, "status", status, "error", err)
	} else {
		s.logger.Info("card status refreshed", "card_id", card.ID, "from", card.Status, "to", status)
	}
	card.Status = status
	return card, nil
}

// ListCards returns the owner's cards as stored locally.
func (s *Service) ListCards(ctx context.Context, ownerID string) ([]ledger.Card, error) {
	if _, err := uuid.Parse(ownerID); err != nil {
		return nil, fmt.Errorf("%w: owner id must be a uuid", ledger.ErrInvalidInput)
	}
	return s.store.ListCardsByOwner(ctx, ownerID)
}

func (s *Service) ownedCard(ctx context.Context, ownerID, cardID string) (ledger.Card, error) {
	if _, err := uuid.Parse(cardID); err != nil {
		return ledger.Card{}, ErrCardNotFound
	}
	card, err := s.store.GetCard(ctx, cardID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Card{}, ErrCardNotFound
	}
	if err != nil {
		return ledger.Card{}, fmt.Errorf("load card: %w", err)
	}
	if card.OwnerID != ownerID {
		return ledger.Card{}, ErrCardNotFound
	}
	return card, nil
}

// RecordRefund appends a completed card_refund for a known card. A refund
// already recorded returns the stored transaction with
// ledger.ErrDuplicateTransaction.
func (s *Service) RecordRefund(ctx context.Context, ev RefundEvent) (ledger.Transaction, error) {
	if strings.TrimSpace(ev.TransactionID) == "" {
		return ledger.Transaction{}, fmt.Errorf("%w: refund transaction id is required", ledger.ErrInvalidInput)
	}
	if !ev.Amount.IsPositive() {
		return ledger.Transaction{}, fmt.Errorf("%w: refund amount must be positive", ledger.ErrInvalidInput)
	}

	if prior, err := s.store.TransactionByProcessorRef(ctx, ev.TransactionID); err == nil {
		return prior, ledger.ErrDuplicateTransaction
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Transaction{}, fmt.Errorf("lookup refund: %w", err)
	}

	card, err := s.store.CardByProcessorID(ctx, ev.CardID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Transaction{}, ErrCardNotFound
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("load card: %w", err)
	}

	currency := ev.Currency
	if currency == "" {
		currency = card.Currency
	}
	now := s.now()
	tx := ledger.Transaction{
		ID:           uuid.NewString(),
		OwnerID:      card.OwnerID,
		Kind:         ledger.KindCardRefund,
		Amount:       ev.Amount,
		Currency:     currency,
		Status:       ledger.TxCompleted,
		ProcessorRef: ev.TransactionID,
		Description:  ev.MerchantName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			if prior, lookupErr := s.store.TransactionByProcessorRef(ctx, ev.TransactionID); lookupErr == nil {
				return prior, ledger.ErrDuplicateTransaction
			}
		}
		return ledger.Transaction{}, fmt.Errorf("record refund: %w", err)
	}

	s.logger.Info("card refund recorded", "tx_id", tx.ID, "card_id", card.ID, "amount", tx.Amount.String())
	s.emitTx(ctx, notification.KindTransactionCompleted, tx)
	return tx, nil
}

// SettlePayment completes the pending card_payment opened when the captured
// authorization was approved. Captures for settled payments are no-ops.
func (s *Service) SettlePayment(ctx context.Context, ev CaptureEvent) (ledger.Transaction, error) {
	if strings.TrimSpace(ev.AuthorizationID) == "" {
		return ledger.Transaction{}, fmt.Errorf("%w: authorization id is required", ledger.ErrInvalidInput)
	}
	tx, err := s.store.TransactionByProcessorRef(ctx, ev.AuthorizationID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Transaction{}, fmt.Errorf("card payment for %s: %w", ev.AuthorizationID, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("lookup card payment: %w", err)
	}
	if tx.Status.IsTerminal() {
		return tx, ledger.ErrDuplicateTransaction
	}

	resolved, err := s.store.ResolveTransaction(ctx, tx.ID, ledger.Resolution{
		Status:      ledger.TxCompleted,
		ExternalRef: ev.TransactionID,
		Description: tx.Description,
	})
	if errors.Is(err, ledger.ErrTerminalState) {
		current, lookupErr := s.store.TransactionByProcessorRef(ctx, ev.AuthorizationID)
		if lookupErr != nil {
			return ledger.Transaction{}, fmt.Errorf("reload card payment: %w", lookupErr)
		}
		return current, ledger.ErrDuplicateTransaction
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("settle card payment: %w", err)
	}
	if !ev.Amount.IsZero() && !ev.Amount.Equal(tx.Amount) {
		s.logger.Warn("capture differs from authorization", "tx_id", tx.ID, "authorized", tx.Amount.String(), "captured", ev.Amount.String())
	}

	s.logger.Info("card payment settled", "tx_id", resolved.ID, "capture_id", ev.TransactionID)
	s.emitTx(ctx, notification.KindTransactionCompleted, resolved)
	return resolved, nil
}

func (s *Service) emitTx(ctx context.Context, kind string, tx ledger.Transaction) {
	notification.Emit(ctx, s.notifier, s.logger, notification.Event{
		Kind:      kind,
		SubjectID: tx.ID,
		OwnerID:   tx.OwnerID,
		Status:    string(tx.Status),
		Amount:    tx.Amount.String(),
		Currency:  tx.Currency,
		Reason:    tx.Description,
	})
}

func unavailable(op string, err error) error {
	if errors.Is(err, cardprocessor.ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, cardprocessor.ErrUnavailable, err)
}
