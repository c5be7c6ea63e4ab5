package worker

import (
	"strconv"
	"strings"
	"time"

	"async-notify/internal/models"
)

// Parser maps provider fields onto the canonical payload. It never fails;
// missing fields stay empty and unparsable amounts become 0.
type Parser func(data map[string]string, receivedAt time.Time) models.Payload

// ParserFor returns the field mapping used by category.
func ParserFor(category string) Parser {
	switch category {
	case "alipay":
		return parseAlipay
	case "wxpay":
		return parseWxpay
	case "huaweipay":
		return func(data map[string]string, at time.Time) models.Payload {
			p := base(data, at)
			p.TradeStatus = data["trade_state"]
			p.Amount = amount(data["total_amount"])
			return p
		}
	default:
		// applepay and the remaining providers use status/amount.
		return parseDefault
	}
}

func parseAlipay(data map[string]string, at time.Time) models.Payload {
	p := base(data, at)
	p.TransactionID = data["trade_no"]
	p.TradeStatus = data["trade_status"]
	p.Amount = amount(data["total_amount"])
	return p
}

// wxpay reports total_fee in fen.
func parseWxpay(data map[string]string, at time.Time) models.Payload {
	p := base(data, at)
	p.TradeStatus = data["result_code"]
	p.Amount = amount(data["total_fee"]) / 100
	return p
}

func parseDefault(data map[string]string, at time.Time) models.Payload {
	p := base(data, at)
	p.TradeStatus = data["status"]
	p.Amount = amount(data["amount"])
	return p
}

func base(data map[string]string, at time.Time) models.Payload {
	raw := make(map[string]string, len(data))
	for k, v := range data {
		raw[k] = v
	}
	return models.Payload{
		OrderRef:      data["out_trade_no"],
		TransactionID: data["transaction_id"],
		ReceivedAt:    at.Unix(),
		Raw:           raw,
	}
}

func amount(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
