package notify

import (
	"context"

	"snipebot/internal/model"
)

// Notifier is told about placed orders. Implementations must not block the
// checkout path; slow delivery happens off the caller's goroutine.
type Notifier interface {
	AnnounceOrder(ctx context.Context, orderID string, product model.Product, account model.Account) error
}

// Noop satisfies Notifier for deployments with no mail configured.
type Noop struct{}

func (Noop) AnnounceOrder(context.Context, string, model.Product, model.Account) error {
	return nil
}
