package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

type PaymentStatus string

const (
	PaymentStatusApproved PaymentStatus = "approved"
	PaymentStatusRejected PaymentStatus = "rejected"
)

// PaymentNotice is a processor's asynchronous verdict on a payment. Notices
// arrive over a webhook and may be delivered more than once.
type PaymentNotice struct {
	PaymentRef string        `json:"payment_ref"`
	SessionID  string        `json:"session_id,omitempty"`
	Status     PaymentStatus `json:"status"`
	Amount     float64       `json:"amount"`
}

var ErrUnmatchedPayment = errors.New("payment notice matches no session")

// CreditLedger receives approved payments that match no session, typically
// account top-ups handled by another subsystem. Session lookup always runs
// first: a reference matching both resolves to the session.
type CreditLedger interface {
	Credit(ctx context.Context, paymentRef string, amount float64) error
}

// amountTolerance absorbs float rounding between us and the processor.
const amountTolerance = 0.005

// PaymentReconciler resolves processor notices back to sessions and drives
// the resulting lifecycle transition: approved payments start the session,
// rejected ones fail it.
type PaymentReconciler struct {
	store  *SessionStore
	orch   *Orchestrator
	ledger CreditLedger
	logger *zap.Logger
}

func NewPaymentReconciler(store *SessionStore, orch *Orchestrator, logger *zap.Logger) *PaymentReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentReconciler{store: store, orch: orch, logger: logger}
}

// SetCreditLedger wires the fallback for notices that match no session.
func (r *PaymentReconciler) SetCreditLedger(ledger CreditLedger) { r.ledger = ledger }

// HandleNotice processes one payment notice. Redelivered notices for a
// session already started or already terminal are no-ops.
func (r *PaymentReconciler) HandleNotice(ctx context.Context, notice PaymentNotice) error {
	session, err := r.resolve(notice)
	if errors.Is(err, ErrUnmatchedPayment) && r.ledger != nil && notice.Status == PaymentStatusApproved {
		paymentsProcessed.WithLabelValues("ledger").Inc()
		if creditErr := r.ledger.Credit(ctx, notice.PaymentRef, notice.Amount); creditErr != nil {
			return fmt.Errorf("credit ledger for %s: %w", notice.PaymentRef, creditErr)
		}
		return nil
	}
	if err != nil {
		paymentsProcessed.WithLabelValues("unmatched").Inc()
		r.logger.Warn("unmatched payment notice",
			zap.String("payment_ref", notice.PaymentRef),
			zap.String("session_id", notice.SessionID),
		)
		return err
	}

	if session.Terminal() {
		paymentsProcessed.WithLabelValues("stale").Inc()
		r.logger.Info("payment notice for ended session",
			zap.String("session_id", session.ID),
			zap.String("status", string(session.Status)),
		)
		return nil
	}

	switch notice.Status {
	case PaymentStatusApproved:
		return r.handleApproved(ctx, session, notice)
	case PaymentStatusRejected:
		paymentsProcessed.WithLabelValues("rejected").Inc()
		r.logger.Info("payment rejected",
			zap.String("session_id", session.ID),
			zap.String("payment_ref", notice.PaymentRef),
		)
		return r.orch.FailSession(ctx, session.ID, EndReasonPaymentFailed)
	default:
		return fmt.Errorf("payment notice for session %s: unknown status %q", session.ID, notice.Status)
	}
}

func (r *PaymentReconciler) handleApproved(ctx context.Context, session Session, notice PaymentNotice) error {
	if math.Abs(notice.Amount-session.Cost) > amountTolerance {
		// Charged amount disagrees with what we quoted. Do not power the
		// machine on someone else's money; fail and let support sort it out.
		paymentsProcessed.WithLabelValues("amount_mismatch").Inc()
		r.logger.Error("payment amount mismatch",
			zap.String("session_id", session.ID),
			zap.Float64("expected", session.Cost),
			zap.Float64("received", notice.Amount),
		)
		return r.orch.FailSession(ctx, session.ID, EndReasonPaymentFailed)
	}

	if session.PaymentRef == "" && notice.PaymentRef != "" {
		if err := r.store.SetPaymentRef(session.ID, session.PaymentMethod, notice.PaymentRef); err != nil {
			return fmt.Errorf("record payment ref for session %s: %w", session.ID, err)
		}
	}

	paymentsProcessed.WithLabelValues("approved").Inc()
	r.logger.Info("payment approved",
		zap.String("session_id", session.ID),
		zap.String("payment_ref", notice.PaymentRef),
		zap.Float64("amount", notice.Amount),
	)
	return r.orch.StartSession(ctx, session.ID)
}

// resolve maps a notice onto a session: the payment reference is
// authoritative, the embedded session ID is the fallback for processors
// that echo it back.
func (r *PaymentReconciler) resolve(notice PaymentNotice) (Session, error) {
	if notice.PaymentRef != "" {
		session, err := r.store.FindByPaymentRef(notice.PaymentRef)
		if err == nil {
			if notice.SessionID != "" && notice.SessionID != session.ID {
				r.logger.Warn("payment notice session id disagrees with payment ref",
					zap.String("payment_ref", notice.PaymentRef),
					zap.String("ref_session", session.ID),
					zap.String("notice_session", notice.SessionID),
				)
			}
			return session, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return Session{}, err
		}
	}

	if notice.SessionID != "" {
		session, err := r.store.Get(notice.SessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return Session{}, err
		}
	}

	return Session{}, ErrUnmatchedPayment
}
