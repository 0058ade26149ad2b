// Package notify доставляет пользовательские уведомления оформления заказа.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/atelier-checkout/internal/model"
)

// Publisher публикует уведомления, порождённые переходами оформления.
type Publisher interface {
	Publish(ctx context.Context, notifications []model.Notification) error
}

// LogPublisher записывает уведомления в журнал. Используется, когда брокер не настроен.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher создаёт публикатор, пишущий уведомления в logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish записывает каждое уведомление отдельной строкой журнала.
func (p *LogPublisher) Publish(ctx context.Context, notifications []model.Notification) error {
	for _, n := range notifications {
		p.logger.Info("checkout notification",
			zap.String("id", n.ID),
			zap.String("session", n.SessionID),
			zap.String("customer", n.CustomerID),
			zap.String("kind", string(n.Kind)),
			zap.String("title", n.Title),
		)
	}
	return nil
}
