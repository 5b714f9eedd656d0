package checkout

import (
	"context"
	"errors"
	"fmt"

	"snipebot/internal/model"
	"snipebot/internal/taskengine"
)

// OrderSink receives successfully placed orders, typically for persistence.
type OrderSink interface {
	RecordOrder(ctx context.Context, orderID string, product model.Product, accountID string) error
}

// Announcer is told about completed purchases, typically to send mail.
type Announcer interface {
	AnnounceOrder(ctx context.Context, orderID string, product model.Product, account model.Account) error
}

// Task adapts one checkout attempt to the execution engine. The Result is
// the task's value on success; on failure the failing step travels in the
// error so the task record explains itself.
type Task struct {
	Flow    *Flow
	Product model.Product
	Account model.Account
	Session *model.Session

	Orders    OrderSink
	Announcer Announcer
}

func (t *Task) Name() string {
	return "checkout:" + t.Product.ID
}

func (t *Task) Execute(ctx context.Context) (any, error) {
	res := t.Flow.Run(ctx, t.Product, t.Account, t.Session)
	if !res.Success {
		return res, fmt.Errorf("%s: %s", res.FailedStep, res.Error)
	}

	if t.Orders != nil {
		if err := t.Orders.RecordOrder(ctx, res.OrderID, t.Product, t.Account.ID); err != nil {
			t.Flow.log("warn", "order placed but not recorded", map[string]any{
				"orderId": res.OrderID,
				"error":   err.Error(),
			})
		}
	}
	if t.Announcer != nil {
		if err := t.Announcer.AnnounceOrder(ctx, res.OrderID, t.Product, t.Account); err != nil {
			t.Flow.log("warn", "order notification failed", map[string]any{
				"orderId": res.OrderID,
				"error":   err.Error(),
			})
		}
	}
	return res, nil
}

var _ taskengine.Task = (*Task)(nil)

// FailedStepFromError recovers the step tag a failed Task folded into its
// error string. Empty when the error did not come from a checkout task.
func FailedStepFromError(err error) Step {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, s := range []Step{
		StepValidatingSession, StepAddingToCart, StepFetchingCheckoutURL,
		StepFillingShipping, StepSelectingPayment, StepCaptchaCheck,
		StepSubmittingOrder,
	} {
		if len(msg) > len(s) && msg[:len(s)] == string(s) && msg[len(s)] == ':' {
			return s
		}
	}
	return ""
}

var errNoFlow = errors.New("checkout task needs a flow")

// Validate catches wiring mistakes before the task is submitted.
func (t *Task) Validate() error {
	if t.Flow == nil {
		return errNoFlow
	}
	if t.Product.ID == "" {
		return errors.New("checkout task needs a product id")
	}
	if t.Product.Quantity <= 0 {
		return errors.New("checkout task needs a positive quantity")
	}
	if t.Session == nil {
		return errors.New("checkout task needs a session")
	}
	return nil
}
