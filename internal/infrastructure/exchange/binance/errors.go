package binance

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/adshao/go-binance/v2/common"

	"fundingarb/internal/domain/model"
)

// mapStatus 归一化 Binance 订单状态
func mapStatus(status string) model.OrderState {
	switch status {
	case "NEW", "NEW_INSURANCE", "NEW_ADL":
		return model.OrderSubmitted
	case "PARTIALLY_FILLED":
		return model.OrderPartiallyFilled
	case "FILLED":
		return model.OrderFilled
	case "CANCELED":
		return model.OrderCancelled
	case "REJECTED":
		return model.OrderRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return model.OrderExpired
	default:
		return model.OrderSubmitted
	}
}

// mapError 将 SDK 错误映射为连接器错误分类
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015:
			return fmt.Errorf("binance %s: %s: %w", op, apiErr.Message, model.ErrRateLimited)
		case -1007, -1001:
			return fmt.Errorf("binance %s: %s: %w", op, apiErr.Message, model.ErrTimeout)
		case -2014, -2015, -1022:
			return fmt.Errorf("binance %s: %s: %w", op, apiErr.Message, model.ErrAuthFailure)
		case -2013:
			return fmt.Errorf("binance %s: %s: %w", op, apiErr.Message, model.ErrNotFound)
		}
		return model.Rejected(strconv.FormatInt(apiErr.Code, 10), apiErr.Message)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("binance %s: %v: %w", op, err, model.ErrTimeout)
	}
	return fmt.Errorf("binance %s: %w", op, err)
}
