package model

import "time"

// AuditRecord 运维操作审计记录（状态改写、清理、删除）
type AuditRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	PositionID string    `json:"position_id,omitempty"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Operator   string    `json:"operator"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// 审计动作
const (
	AuditMarkError = "mark_error"
	AuditNormalize = "normalize_status"
	AuditPurge     = "purge_position"
	AuditImport    = "import_orphan"
	AuditLiquidate = "mark_liquidated"
)
