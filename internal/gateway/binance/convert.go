package binance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"keeper/internal/gateway/exchange"
	symbolpkg "keeper/internal/pkg/symbol"
)

func toBinanceSymbol(sym string) string {
	return symbolpkg.ToVenue(sym)
}

func dec(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// convertPositions keeps only open legs; a negative amount in one-way mode is a short.
func convertPositions(symbol string, risks []*futures.PositionRisk) []exchange.Position {
	var out []exchange.Position
	for _, r := range risks {
		if r == nil || !strings.EqualFold(r.Symbol, symbol) {
			continue
		}
		amt := dec(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := "long"
		switch strings.ToUpper(r.PositionSide) {
		case "SHORT":
			side = "short"
		case "LONG":
		default:
			if amt.IsNegative() {
				side = "short"
			}
		}
		out = append(out, exchange.Position{
			Symbol:     symbol,
			Side:       side,
			Size:       amt.Abs(),
			EntryPrice: dec(r.EntryPrice),
			MarkPrice:  dec(r.MarkPrice),
		})
	}
	return out
}

func convertOrders(orders []*futures.Order) []exchange.Order {
	out := make([]exchange.Order, 0, len(orders))
	for _, o := range orders {
		if o == nil {
			continue
		}
		out = append(out, exchange.Order{
			ID:            fmt.Sprintf("%d", o.OrderID),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          strings.ToLower(string(o.Side)),
			Type:          string(o.Type),
			Price:         dec(o.Price),
			StopPrice:     dec(o.StopPrice),
			Quantity:      dec(o.OrigQuantity),
			ReduceOnly:    o.ReduceOnly,
			ClosePosition: o.ClosePosition,
			CreatedAt:     msTime(o.Time),
		})
	}
	return out
}

func sideType(orderSide string) futures.SideType {
	if strings.EqualFold(orderSide, "buy") {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

// mapAPIError folds venue error codes onto the exchange sentinels.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case -1121:
		return fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, apiErr.Message)
	case -1022, -2014, -2015:
		return fmt.Errorf("%w: %s", exchange.ErrNoCredentials, apiErr.Message)
	case -4116:
		return fmt.Errorf("%w: %s", exchange.ErrDuplicateOrder, apiErr.Message)
	case -2019, -2021, -2022, -4003, -4164:
		return fmt.Errorf("%w: %s", exchange.ErrRejected, apiErr.Message)
	default:
		return err
	}
}
