package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/events"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/provider"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/debts_backend/workflow")

type InvoiceResult struct {
	Debt   *models.Debts
	Boleto *provider.Boleto
}

// InvoiceService issues at most one recorded boleto per debt.
//
// The conditional update on invoice_generated is what makes generation exactly-once under
// redelivery and parallel workers; the redis lock only keeps two workers from calling the provider
// for the same debt at the same time and is skipped when redis is unavailable.
type InvoiceService struct {
	Debts           DebtRepository
	Provider        provider.BoletoProvider
	Events          events.Publisher
	Locker          *redislock.Client
	LockTTL         time.Duration
	ProviderTimeout time.Duration
	Logger          *logrus.Logger
	Now             func() time.Time
}

func NewInvoiceService(debts DebtRepository, p provider.BoletoProvider, publisher events.Publisher, cfg config.PipelineConfig) *InvoiceService {
	return &InvoiceService{
		Debts:           debts,
		Provider:        p,
		Events:          publisher,
		Locker:          config.GetRedisLock(),
		LockTTL:         cfg.DebtLockTTL,
		ProviderTimeout: cfg.ProviderTimeout,
		Logger:          config.GetLogger(),
	}
}

func (s *InvoiceService) GenerateInvoice(ctx context.Context, debtId string) (result *InvoiceResult, err error) {
	ctx, span := tracer.Start(ctx, "invoice.generate")
	span.SetAttributes(attribute.String("debt.id", debtId))
	defer func() {
		invoicesTotal.WithLabelValues(invoiceOutcome(err)).Inc()
		if err != nil && !IsAlreadyGenerated(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	lock := s.obtainLock(ctx, debtId)
	defer s.releaseLock(ctx, lock, debtId)

	debt, err := s.Debts.FindByDebtId(ctx, debtId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, &NotFoundError{DebtId: debtId}
		}
		return nil, fmt.Errorf("load debt %s: %w", debtId, err)
	}
	if debt.InvoiceGenerated {
		return nil, &AlreadyGeneratedError{DebtId: debtId}
	}

	boleto, err := s.issue(ctx, debt)
	if err != nil {
		return nil, err
	}

	generatedAt := s.now()
	applied, err := s.Debts.MarkInvoiceGenerated(ctx, debt.ID, boleto.Barcode, boleto.DigitableLine, generatedAt)
	if err != nil {
		return nil, fmt.Errorf("record boleto for debt %s: %w", debtId, err)
	}
	if !applied {
		// Another delivery recorded its boleto between our read and this update.
		s.logger().WithFields(logrus.Fields{
			"field":   "InvoiceService",
			"debt_id": debtId,
			"barcode": boleto.Barcode,
		}).Warn("invoice recorded concurrently; discarding issued boleto")
		return nil, &AlreadyGeneratedError{DebtId: debtId}
	}

	debt.InvoiceGenerated = true
	debt.Barcode = &boleto.Barcode
	debt.DigitableLine = &boleto.DigitableLine
	debt.InvoiceGeneratedAt = &generatedAt

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	events.PublishBestEffort(ctx, s.Events, s.logger(), events.NewInvoiceGeneratedEvent(events.InvoiceGenerated{
		DebtExternalId: debt.DebtId,
		Barcode:        boleto.Barcode,
		DigitableLine:  boleto.DigitableLine,
		Amount:         debt.DebtAmount,
		DueDate:        utils.CalendarDate(debt.DebtDueDate).Format(utils.DateLayout),
		GeneratedAt:    generatedAt,
		CorrelationId:  correlationId,
	}))

	s.logger().WithFields(logrus.Fields{
		"field":          "InvoiceService",
		"debt_id":        debtId,
		"barcode":        boleto.Barcode,
		"correlation_id": correlationId,
	}).Info("invoice generated")

	return &InvoiceResult{Debt: debt, Boleto: boleto}, nil
}

func (s *InvoiceService) issue(ctx context.Context, debt *models.Debts) (*provider.Boleto, error) {
	callCtx := ctx
	if s.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.ProviderTimeout)
		defer cancel()
	}

	started := time.Now()
	boleto, err := s.Provider.GenerateBoleto(callCtx, provider.BoletoRequest{
		Amount:         debt.DebtAmount,
		PayerName:      debt.Name,
		PayerDocument:  debt.GovernmentId,
		DueDate:        utils.CalendarDate(debt.DebtDueDate),
		IdempotencyKey: provider.IdempotencyKeyForDebt(debt.DebtId),
	})
	providerCallDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		if provider.IsTransient(err) || provider.IsValidation(err) {
			return nil, err
		}
		return nil, &provider.TransientProviderError{Err: err}
	}
	if boleto == nil || boleto.Barcode == "" {
		return nil, &provider.TransientProviderError{Err: errors.New("provider returned no barcode")}
	}
	return boleto, nil
}

func (s *InvoiceService) obtainLock(ctx context.Context, debtId string) *redislock.Lock {
	if s.Locker == nil {
		return nil
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lock, err := s.Locker.Obtain(ctx, debtLockKey(debtId), ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(250*time.Millisecond), int(ttl/(250*time.Millisecond))),
	})
	if err == redislock.ErrNotObtained {
		s.logger().WithFields(logrus.Fields{
			"field":   "InvoiceService",
			"debt_id": debtId,
		}).Warn("could not obtain redis lock; proceeding without redis lock")
		return nil
	} else if err != nil {
		s.logger().WithFields(logrus.Fields{
			"field":   "InvoiceService",
			"debt_id": debtId,
		}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
		return nil
	}
	return lock
}

func (s *InvoiceService) releaseLock(ctx context.Context, lock *redislock.Lock, debtId string) {
	if lock == nil {
		return
	}
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil && err != redislock.ErrLockNotHeld {
		s.logger().WithFields(logrus.Fields{
			"field":   "InvoiceService",
			"debt_id": debtId,
		}).Warn("failed to release redis lock: " + err.Error())
	}
}

func (s *InvoiceService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *InvoiceService) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return config.GetLogger()
}

func debtLockKey(debtId string) string {
	return fmt.Sprintf("lock:debt:%s", debtId)
}

func invoiceOutcome(err error) string {
	switch {
	case err == nil:
		return "generated"
	case IsNotFound(err):
		return "not_found"
	case IsAlreadyGenerated(err):
		return "already_generated"
	case provider.IsTransient(err), provider.IsValidation(err):
		return "provider_error"
	default:
		return "error"
	}
}
