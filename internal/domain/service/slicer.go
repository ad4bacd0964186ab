package service

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// defaultPrecision 未配置步长时的截断精度
const defaultPrecision = 8

// SliceQuantity 计算第 part 个分片（从 1 开始）的数量
//
// 前 parts-1 片为 total/parts 按步长向下取整，最后一片吸收取整余量，
// 所有分片之和严格等于 total。
func SliceQuantity(total decimal.Decimal, parts, part int, step decimal.Decimal) (decimal.Decimal, error) {
	if !total.IsPositive() {
		return decimal.Zero, fmt.Errorf("slice: total quantity must be positive, got %s", total)
	}
	if parts < 1 {
		return decimal.Zero, fmt.Errorf("slice: graduated parts must be >= 1, got %d", parts)
	}
	if part < 1 || part > parts {
		return decimal.Zero, fmt.Errorf("slice: part %d out of range 1..%d", part, parts)
	}
	if parts == 1 {
		return total, nil
	}

	base := roundDown(total.Div(decimal.NewFromInt(int64(parts))), step)
	if !base.IsPositive() {
		return decimal.Zero, fmt.Errorf("slice: quantity %s too small for %d parts at step %s", total, parts, step)
	}
	if part < parts {
		return base, nil
	}
	return total.Sub(base.Mul(decimal.NewFromInt(int64(parts - 1)))), nil
}

// PlanSlices 返回全部分片数量
func PlanSlices(total decimal.Decimal, parts int, step decimal.Decimal) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, parts)
	for i := 1; i <= parts; i++ {
		q, err := SliceQuantity(total, parts, i, step)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// roundDown 按交易所数量步长向下取整
func roundDown(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v.Truncate(defaultPrecision)
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundToStep 对外暴露的步长取整
func RoundToStep(v, step decimal.Decimal) decimal.Decimal {
	return roundDown(v, step)
}
