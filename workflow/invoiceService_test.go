package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/events"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/provider"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
)

func TestGenerateInvoiceRecordsBoletoAndPublishes(t *testing.T) {
	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-1")
	debts := newFakeDebts()
	debts.put(scenarioDebt())
	prov := newFakeProvider()
	pub := &recordingPublisher{}
	svc := newTestInvoiceService(debts, prov, pub)

	res, err := svc.GenerateInvoice(ctx, "1")
	if err != nil {
		t.Fatalf("GenerateInvoice: %v", err)
	}
	if res.Boleto.Barcode != "123456789" {
		t.Fatalf("barcode = %s", res.Boleto.Barcode)
	}

	stored := debts.get("1")
	if !stored.InvoiceGenerated || stored.Barcode == nil || *stored.Barcode != "123456789" {
		t.Fatalf("debt not updated: %+v", stored)
	}
	if stored.InvoiceGeneratedAt == nil {
		t.Fatalf("invoice_generated_at not set")
	}

	if len(prov.requests) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(prov.requests))
	}
	req := prov.requests[0]
	if !req.Amount.Equal(scenarioDebt().DebtAmount) || req.PayerName != "John Doe" || req.PayerDocument != "123456789" {
		t.Fatalf("provider request = %+v", req)
	}
	if req.DueDate.Format(utils.DateLayout) != "2023-12-31" || req.DueDate.Location() != time.UTC {
		t.Fatalf("due date = %v", req.DueDate)
	}
	if req.IdempotencyKey != "debt:1" {
		t.Fatalf("idempotency key = %q", req.IdempotencyKey)
	}

	published := pub.ofType(events.EventTypeInvoiceGenerated)
	if len(published) != 1 {
		t.Fatalf("invoice events = %d, want 1", len(published))
	}
	payload := published[0].Payload.(events.InvoiceGenerated)
	if payload.DebtExternalId != "1" || payload.Barcode != "123456789" || payload.CorrelationId != "corr-1" {
		t.Fatalf("event payload = %+v", payload)
	}
	if !payload.Amount.Equal(scenarioDebt().DebtAmount) || payload.DueDate != "2023-12-31" {
		t.Fatalf("event payload = %+v", payload)
	}
}

func TestGenerateInvoiceDebtNotFound(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestInvoiceService(newFakeDebts(), prov, &recordingPublisher{})

	_, err := svc.GenerateInvoice(context.Background(), "123")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if err.Error() != "Debt not found: 123" {
		t.Fatalf("message = %q", err.Error())
	}
	if prov.callCount() != 0 {
		t.Fatalf("provider called for a missing debt")
	}
	if ClassifyError(err) != models.ErrorKindNotFound {
		t.Fatalf("kind = %s", ClassifyError(err))
	}
}

func TestGenerateInvoiceAlreadyGeneratedSkipsProvider(t *testing.T) {
	debts := newFakeDebts()
	d := scenarioDebt()
	d.DebtId = "123"
	d.InvoiceGenerated = true
	barcode := "987654321"
	d.Barcode = &barcode
	debts.put(d)
	prov := newFakeProvider()
	pub := &recordingPublisher{}
	svc := newTestInvoiceService(debts, prov, pub)

	_, err := svc.GenerateInvoice(context.Background(), "123")
	var ag *AlreadyGeneratedError
	if !errors.As(err, &ag) {
		t.Fatalf("err = %v, want AlreadyGeneratedError", err)
	}
	if err.Error() != "Invoice already generated: 123" {
		t.Fatalf("message = %q", err.Error())
	}
	if prov.callCount() != 0 {
		t.Fatalf("provider called %d times, want 0", prov.callCount())
	}
	if len(pub.events) != 0 {
		t.Fatalf("events published for an already generated invoice")
	}
	if *debts.get("123").Barcode != "987654321" {
		t.Fatalf("existing barcode overwritten")
	}
}

func TestGenerateInvoiceConcurrentCallsRecordOneBoleto(t *testing.T) {
	const workers = 8

	debts := newFakeDebts()
	debts.put(scenarioDebt())
	gate := &sync.WaitGroup{}
	gate.Add(workers)
	debts.findGate = gate

	prov := newFakeProvider()
	pub := &recordingPublisher{}
	svc := newTestInvoiceService(debts, prov, pub)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		already   int
		other     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GenerateInvoice(context.Background(), "1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case IsAlreadyGenerated(err):
				already++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if succeeded != 1 || already != workers-1 {
		t.Fatalf("succeeded = %d already = %d, want 1 and %d", succeeded, already, workers-1)
	}
	// Every worker read invoice_generated=false before any update, so all reached the provider.
	if prov.callCount() != workers {
		t.Fatalf("provider calls = %d, want %d", prov.callCount(), workers)
	}
	if n := len(pub.ofType(events.EventTypeInvoiceGenerated)); n != 1 {
		t.Fatalf("invoice events = %d, want 1", n)
	}
}

func TestGenerateInvoiceNoSecondProviderCall(t *testing.T) {
	debts := newFakeDebts()
	debts.put(scenarioDebt())
	prov := newFakeProvider()
	svc := newTestInvoiceService(debts, prov, &recordingPublisher{})

	if _, err := svc.GenerateInvoice(context.Background(), "1"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.GenerateInvoice(context.Background(), "1"); !IsAlreadyGenerated(err) {
			t.Fatalf("repeat call %d: err = %v", i, err)
		}
	}
	if prov.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", prov.callCount())
	}
}

func TestGenerateInvoiceProviderFailures(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantKind models.ErrorKind
	}{
		{"transient", &provider.TransientProviderError{StatusCode: 503, Err: errors.New("service unavailable")}, models.ErrorKindTransientProvider},
		{"validation", &provider.ValidationError{Field: "payerDocument", Message: "invalid"}, models.ErrorKindValidation},
		{"untyped error becomes transient", errors.New("connection reset"), models.ErrorKindTransientProvider},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			debts := newFakeDebts()
			debts.put(scenarioDebt())
			prov := newFakeProvider()
			prov.always = tc.err
			pub := &recordingPublisher{}
			svc := newTestInvoiceService(debts, prov, pub)

			_, err := svc.GenerateInvoice(context.Background(), "1")
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := ClassifyError(err); got != tc.wantKind {
				t.Fatalf("kind = %s, want %s", got, tc.wantKind)
			}
			if debts.get("1").InvoiceGenerated {
				t.Fatalf("debt marked generated after provider failure")
			}
			if len(pub.events) != 0 {
				t.Fatalf("event published after provider failure")
			}
		})
	}
}

type slowProvider struct{}

func (slowProvider) GenerateBoleto(ctx context.Context, req provider.BoletoRequest) (*provider.Boleto, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGenerateInvoiceProviderTimeoutIsTransient(t *testing.T) {
	debts := newFakeDebts()
	debts.put(scenarioDebt())
	svc := newTestInvoiceService(debts, slowProvider{}, &recordingPublisher{})
	svc.ProviderTimeout = 20 * time.Millisecond

	_, err := svc.GenerateInvoice(context.Background(), "1")
	if !provider.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded in chain", err)
	}
}

func TestGenerateInvoicePublishFailureIsNotFatal(t *testing.T) {
	debts := newFakeDebts()
	debts.put(scenarioDebt())
	pub := &recordingPublisher{err: errors.New("bus down")}
	svc := newTestInvoiceService(debts, newFakeProvider(), pub)

	if _, err := svc.GenerateInvoice(context.Background(), "1"); err != nil {
		t.Fatalf("GenerateInvoice: %v", err)
	}
	if !debts.get("1").InvoiceGenerated {
		t.Fatalf("debt not updated")
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want models.ErrorKind
	}{
		{nil, ""},
		{&NotFoundError{DebtId: "1"}, models.ErrorKindNotFound},
		{&AlreadyGeneratedError{DebtId: "1"}, models.ErrorKindAlreadyGenerated},
		{&InvalidRowError{Message: "x"}, models.ErrorKindValidation},
		{&provider.ValidationError{Message: "x"}, models.ErrorKindValidation},
		{&provider.TransientProviderError{Err: errors.New("x")}, models.ErrorKindTransientProvider},
		{context.DeadlineExceeded, models.ErrorKindTransientProvider},
		{errors.New("disk full"), models.ErrorKindInternal},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Fatalf("ClassifyError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
