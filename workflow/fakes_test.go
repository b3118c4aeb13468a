package workflow

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/events"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/provider"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeDebts mimics DebtRepo, including the conditional invoice update.
type fakeDebts struct {
	mu     sync.Mutex
	byId   map[string]*models.Debts
	nextId int
	// findGate, when set, holds every FindByDebtId until the gate opens.
	findGate *sync.WaitGroup
}

func newFakeDebts() *fakeDebts {
	return &fakeDebts{byId: map[string]*models.Debts{}}
}

func (f *fakeDebts) put(d models.Debts) *models.Debts {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextId++
	d.ID = f.nextId
	f.byId[d.DebtId] = &d
	cp := d
	return &cp
}

func (f *fakeDebts) get(debtId string) *models.Debts {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byId[debtId]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

func (f *fakeDebts) FindByDebtId(ctx context.Context, debtId string) (*models.Debts, error) {
	cp := f.get(debtId)
	if f.findGate != nil {
		f.findGate.Done()
		f.findGate.Wait()
	}
	if cp == nil {
		return nil, utils.ErrorRecordNotFound
	}
	return cp, nil
}

func (f *fakeDebts) FindOrCreate(ctx context.Context, debt *models.Debts) (*models.Debts, bool, error) {
	if existing := f.get(debt.DebtId); existing != nil {
		return existing, false, nil
	}
	return f.put(*debt), true, nil
}

func (f *fakeDebts) MarkInvoiceGenerated(ctx context.Context, id int, barcode, digitableLine string, generatedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.byId {
		if d.ID != id {
			continue
		}
		if d.InvoiceGenerated {
			return false, nil
		}
		d.InvoiceGenerated = true
		d.Barcode = &barcode
		d.DigitableLine = &digitableLine
		d.InvoiceGeneratedAt = &generatedAt
		return true, nil
	}
	return false, nil
}

type fileLine struct {
	fileMetadataId int
	lineNumber     int
}

// fakeRows mimics FileRowRepo and keeps the per-batch counters MarkTerminal would bump.
type fakeRows struct {
	mu        sync.Mutex
	rows      map[int]*models.FileRow
	byLine    map[fileLine]int
	nextId    int
	completed map[int]int
	failed    map[int]int
	now       func() time.Time
}

func newFakeRows() *fakeRows {
	return &fakeRows{
		rows:      map[int]*models.FileRow{},
		byLine:    map[fileLine]int{},
		completed: map[int]int{},
		failed:    map[int]int{},
		now:       time.Now,
	}
}

func (f *fakeRows) CreateOrGet(ctx context.Context, fileMetadataId, lineNumber int, row []byte) (*models.FileRow, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byLine[fileLine{fileMetadataId, lineNumber}]; ok {
		cp := *f.rows[id]
		return &cp, false, nil
	}
	f.nextId++
	now := f.now().UTC()
	rec := &models.FileRow{
		ID:             f.nextId,
		FileMetadataId: fileMetadataId,
		LineNumber:     lineNumber,
		Row:            append([]byte(nil), row...),
		Status:         models.FileRowStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.rows[rec.ID] = rec
	f.byLine[fileLine{fileMetadataId, lineNumber}] = rec.ID
	cp := *rec
	return &cp, true, nil
}

func (f *fakeRows) Get(ctx context.Context, id int) (*models.FileRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRows) MarkProcessing(ctx context.Context, id int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	if !ok || rec.Status.IsTerminal() {
		return false, nil
	}
	rec.Status = models.FileRowStatusProcessing
	rec.UpdatedAt = f.now().UTC()
	return true, nil
}

func (f *fakeRows) MarkTerminal(ctx context.Context, id int, status models.FileRowStatus, kind *models.ErrorKind, detail *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	if !ok {
		return false, utils.ErrorRecordNotFound
	}
	if rec.Status.IsTerminal() {
		return false, nil
	}
	rec.Status = status
	rec.ErrorKind = kind
	rec.ErrorDetail = detail
	rec.UpdatedAt = f.now().UTC()
	if status == models.FileRowStatusCompleted {
		f.completed[rec.FileMetadataId]++
	} else {
		f.failed[rec.FileMetadataId]++
	}
	return true, nil
}

func (f *fakeRows) ListStale(ctx context.Context, status models.FileRowStatus, before time.Time, limit int) ([]*models.FileRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.FileRow
	for id := 1; id <= f.nextId; id++ {
		rec, ok := f.rows[id]
		if !ok || rec.Status != status || rec.UpdatedAt.After(before) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRows) row(fileMetadataId, lineNumber int) *models.FileRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byLine[fileLine{fileMetadataId, lineNumber}]
	if !ok {
		return nil
	}
	cp := *f.rows[id]
	return &cp
}

func (f *fakeRows) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// fakeProvider answers with a fixed boleto; errs are returned, in order, by the first calls.
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	errs     []error
	always   error
	boleto   provider.Boleto
	requests []provider.BoletoRequest
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		boleto: provider.Boleto{
			Barcode:       "123456789",
			DigitableLine: "123456789",
			DueDate:       time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
			Amount:        decimal.NewFromInt(100),
		},
	}
}

func (p *fakeProvider) GenerateBoleto(ctx context.Context, req provider.BoletoRequest) (*provider.Boleto, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.requests = append(p.requests, req)
	if p.always != nil {
		return nil, p.always
	}
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	b := p.boleto
	return &b, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ofType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(ctx context.Context, jobType string, payload any, opts queue.EnqueueOptions) (queue.Handle, error) {
	return queue.Handle{}, errors.New("queue unavailable")
}

func scenarioDebt() models.Debts {
	return models.Debts{
		DebtId:       "1",
		Name:         "John Doe",
		GovernmentId: "123456789",
		Email:        "johndoe@kanastra.com.br",
		DebtAmount:   decimal.NewFromInt(100),
		DebtDueDate:  time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func newTestInvoiceService(debts DebtRepository, p provider.BoletoProvider, publisher events.Publisher) *InvoiceService {
	return &InvoiceService{
		Debts:           debts,
		Provider:        p,
		Events:          publisher,
		ProviderTimeout: time.Second,
		Logger:          quietLogger(),
	}
}
