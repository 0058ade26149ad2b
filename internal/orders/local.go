package orders

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/mmeshcher/atelier-checkout/internal/model"
	"github.com/mmeshcher/atelier-checkout/internal/validation"
)

const orderNumberLength = 12

// LocalPlacer размещает заказ без внешнего сервиса: выдаёт номер заказа,
// проходящий проверку по алгоритму Луна. Используется, когда адрес сервиса заказов не задан.
type LocalPlacer struct{}

// NewLocalPlacer создаёт локальный размещатель заказов.
func NewLocalPlacer() *LocalPlacer {
	return &LocalPlacer{}
}

// PlaceOrder выдаёт новый номер заказа.
func (p *LocalPlacer) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.PlacedOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	number, err := newOrderNumber()
	if err != nil {
		return nil, err
	}

	return &model.PlacedOrder{Number: number, Status: model.OrderStatusPlaced}, nil
}

func newOrderNumber() (string, error) {
	payload := make([]byte, orderNumberLength-1)
	payload[0] = byte('1' + rand.IntN(9))
	for i := 1; i < len(payload); i++ {
		payload[i] = byte('0' + rand.IntN(10))
	}

	check, ok := validation.LuhnCheckDigit(string(payload))
	if !ok {
		return "", fmt.Errorf("generate order number: invalid payload %q", payload)
	}

	return string(payload) + string(check), nil
}
