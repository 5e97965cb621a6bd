package reactive

import (
	"fmt"

	"go.uber.org/zap"
)

// Notification is a user-facing message about a failed operation. Message
// names the resource only; the cause travels separately in Err.
type Notification struct {
	Table     string
	Operation string
	Message   string
	Err       error
}

// Notifier shows notifications to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(n Notification) {
	log := l.Log
	if log == nil {
		log = zap.L()
	}
	log.Warn(n.Message,
		zap.String("table", n.Table),
		zap.String("operation", n.Operation),
		zap.Error(n.Err),
	)
}

func loadFailed(table string, err error) Notification {
	return Notification{
		Table:     table,
		Operation: "read",
		Message:   fmt.Sprintf("Could not load %s", table),
		Err:       err,
	}
}

func saveFailed(table string, op MutationType, err error) Notification {
	return Notification{
		Table:     table,
		Operation: string(op),
		Message:   fmt.Sprintf("Could not save changes to %s", table),
		Err:       err,
	}
}
