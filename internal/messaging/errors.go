package messaging

import (
	"context"
	"errors"

	"github.com/example/ec-stock-saga/internal/domain/inventory"
	"github.com/example/ec-stock-saga/internal/domain/order"
	"github.com/example/ec-stock-saga/internal/event"
)

// Handler failures fall into one of these classes; the consumer acts on the class.
var (
	ErrValidation   = errors.New("validation error")
	ErrBusinessRule = errors.New("business rule violation")
	ErrTransient    = errors.New("transient infrastructure error")
	ErrInvariant    = errors.New("invariant violation")
)

type Class int

const (
	ClassNone Class = iota
	ClassValidation
	ClassBusinessRule
	ClassTransient
	// ClassDeferred is an event that arrived ahead of the one it depends on.
	ClassDeferred
	ClassInvariant
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassValidation:
		return "validation"
	case ClassBusinessRule:
		return "business_rule"
	case ClassTransient:
		return "transient"
	case ClassDeferred:
		return "deferred"
	case ClassInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

var (
	invariantErrors = []error{ErrInvariant, inventory.ErrCompensationFailed}

	validationErrors = []error{
		ErrValidation,
		event.ErrMalformedEnvelope,
		inventory.ErrInvalidQuantity,
		order.ErrInvalidItem,
	}

	// checked before the business errors an out-of-order arrival wraps
	deferredErrors = []error{order.ErrOutOfOrder}

	transientErrors = []error{ErrTransient, context.DeadlineExceeded}

	businessErrors = []error{
		ErrBusinessRule,
		inventory.ErrInsufficientStock,
		inventory.ErrStockNotFound,
		inventory.ErrReservationSettled,
		order.ErrInvalidTransition,
		order.ErrOrderNotFound,
		order.ErrOrderNotDraft,
		order.ErrEmptyOrder,
	}
)

// Classify maps a handler error to its class. Errors outside the known sentinels are
// treated as transient infrastructure failures. An aborted commit takes the class of
// its cause, except that a rule failure there is an invariant: the held stock is gone.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	class := classifyCause(err)
	if errors.Is(err, inventory.ErrCommitAborted) {
		switch class {
		case ClassBusinessRule, ClassValidation:
			return ClassInvariant
		}
	}
	return class
}

func classifyCause(err error) Class {
	for _, group := range []struct {
		errs  []error
		class Class
	}{
		{invariantErrors, ClassInvariant},
		{validationErrors, ClassValidation},
		{deferredErrors, ClassDeferred},
		{transientErrors, ClassTransient},
		{businessErrors, ClassBusinessRule},
	} {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.class
			}
		}
	}
	return ClassTransient
}
