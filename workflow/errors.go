package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/provider"
)

// NotFoundError: invoice generation was asked for a debt that is not stored.
type NotFoundError struct {
	DebtId string
}

func (e *NotFoundError) Error() string {
	return "Debt not found: " + e.DebtId
}

// AlreadyGeneratedError: the debt already carries a boleto. Benign for the caller; the row completes.
type AlreadyGeneratedError struct {
	DebtId string
}

func (e *AlreadyGeneratedError) Error() string {
	return "Invoice already generated: " + e.DebtId
}

// InvalidRowError is a CSV row that can never become a debt.
type InvalidRowError struct {
	Message string
}

func (e *InvalidRowError) Error() string {
	return "invalid debt row: " + e.Message
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsAlreadyGenerated(err error) bool {
	var e *AlreadyGeneratedError
	return errors.As(err, &e)
}

func IsInvalidRow(err error) bool {
	var e *InvalidRowError
	return errors.As(err, &e)
}

// ClassifyError maps a processing failure to the error kind stored on the FileRow.
func ClassifyError(err error) models.ErrorKind {
	switch {
	case err == nil:
		return ""
	case IsAlreadyGenerated(err):
		return models.ErrorKindAlreadyGenerated
	case IsNotFound(err):
		return models.ErrorKindNotFound
	case IsInvalidRow(err), provider.IsValidation(err):
		return models.ErrorKindValidation
	case provider.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindTransientProvider
	default:
		return models.ErrorKindInternal
	}
}
