package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecordingStatus 录制会话状态
type RecordingStatus string

const (
	RecordingActive    RecordingStatus = "RECORDING"
	RecordingCompleted RecordingStatus = "COMPLETED"
	RecordingError     RecordingStatus = "ERROR"
)

// RecordingSession 资金费结算前后的时间序列录制会话
type RecordingSession struct {
	ID                 string          `json:"id"`
	Exchange           string          `json:"exchange"`
	Symbol             string          `json:"symbol"`
	FundingRate        decimal.Decimal `json:"funding_rate"`
	FundingPaymentTime time.Time       `json:"funding_payment_time"`
	WindowStart        time.Time       `json:"window_start"`
	WindowEnd          time.Time       `json:"window_end"`
	Status             RecordingStatus `json:"status"`
	TotalDataPoints    int             `json:"total_data_points"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	ArchiveKey         string          `json:"archive_key,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// DataPoint 录制样本，按 Seq 只追加
type DataPoint struct {
	SessionID       string          `json:"session_id"`
	Seq             int             `json:"seq"`
	CapturedAt      time.Time       `json:"captured_at"`
	OffsetMs        int64           `json:"offset_ms"` // 相对结算时间，负数为结算前
	MarkPrice       decimal.Decimal `json:"mark_price"`
	FundingRate     decimal.Decimal `json:"funding_rate"`
	NextFundingTime time.Time       `json:"next_funding_time"`
}
