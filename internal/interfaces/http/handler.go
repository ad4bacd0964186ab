package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"fundingarb/internal/application/service"
	"fundingarb/internal/domain/model"
)

// UserHeader 调用方身份（鉴权不在本服务范围内）
const UserHeader = "X-User-ID"

// Subscriptions 订阅调度能力
type Subscriptions interface {
	Subscribe(ctx context.Context, symbol, primary, hedge string, cfg model.SubscriptionConfig) (model.Subscription, error)
	List(ctx context.Context, statuses ...model.SubscriptionStatus) ([]model.Subscription, error)
	Get(ctx context.Context, id string) (model.Subscription, error)
	Cancel(ctx context.Context, id string) (model.Subscription, error)
}

// Positions 建仓执行与持仓管理能力
type Positions interface {
	RequestExecution(ctx context.Context, req service.ExecutionRequest) (service.PositionHandle, error)
	GetActivePositions(ctx context.Context, userID string) ([]model.Position, error)
	GetPosition(ctx context.Context, positionID, userID string) (model.Position, error)
	SyncTpSl(ctx context.Context, positionID, userID string) error
	UpdateProtective(ctx context.Context, positionID, userID string, params model.ProtectiveParams) error
	ClosePosition(ctx context.Context, positionID, userID string) (model.Position, error)
	StopAll(ctx context.Context) service.StopReport
	Resume()
	Stopped() bool
}

// Maintenance 对账与运维能力
type Maintenance interface {
	DetectOrphans(ctx context.Context, userID string) (service.OrphanReport, error)
	DetectStuck(ctx context.Context, staleAfter time.Duration) ([]model.Position, error)
	DetectLiquidated(ctx context.Context) ([]model.Position, error)
	MarkError(ctx context.Context, positionID, reason, operator string) error
	CleanupTerminal(ctx context.Context, statuses []model.PositionStatus, olderThan time.Duration, operator string) (int, error)
	PurgePosition(ctx context.Context, positionID, operator string) error
	Audit(ctx context.Context, limit int) ([]model.AuditRecord, error)
}

// FundingBackfill 资金费补录
type FundingBackfill interface {
	Backfill(ctx context.Context, positionID string) (int, error)
}

// Recordings 资金费窗口录制
type Recordings interface {
	StartSession(ctx context.Context, exchange, symbol string) (model.RecordingSession, error)
	StopSession(ctx context.Context, id string) error
	Sessions(ctx context.Context) ([]model.RecordingSession, error)
	DataPoints(ctx context.Context, id string) ([]model.DataPoint, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// Deps Handler 依赖
type Deps struct {
	Subscriptions Subscriptions
	Positions     Positions
	Maintenance   Maintenance
	Funding       FundingBackfill
	Recordings    Recordings
	Metrics       http.Handler // 为空时不暴露 /metrics
	MetricsPath   string
	StuckAfter    time.Duration
}

// Handler 运维 HTTP 接口
type Handler struct {
	deps Deps
}

// NewHandler 创建处理器
func NewHandler(deps Deps) *Handler {
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	if deps.StuckAfter <= 0 {
		deps.StuckAfter = 10 * time.Minute
	}
	return &Handler{deps: deps}
}

// Router 构建 gin 路由
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	if h.deps.Metrics != nil {
		r.GET(h.deps.MetricsPath, gin.WrapH(h.deps.Metrics))
	}

	api := r.Group("/api/v1")
	{
		api.POST("/subscriptions", h.CreateSubscription)
		api.GET("/subscriptions", h.ListSubscriptions)
		api.DELETE("/subscriptions/:id", h.CancelSubscription)

		api.POST("/executions", h.RequestExecution)
		api.GET("/positions", h.ListPositions)
		api.GET("/positions/:id", h.GetPosition)
		api.POST("/positions/:id/tpsl", h.SyncTpSl)
		api.POST("/positions/:id/close", h.ClosePosition)
		api.POST("/positions/:id/mark-error", h.MarkError)
		api.POST("/positions/:id/backfill-funding", h.BackfillFunding)
		api.DELETE("/positions/:id", h.PurgePosition)

		api.POST("/stop", h.StopAll)
		api.POST("/resume", h.Resume)

		api.POST("/reconcile/orphans", h.DetectOrphans)
		api.GET("/reconcile/stuck", h.DetectStuck)
		api.POST("/reconcile/liquidated", h.DetectLiquidated)
		api.POST("/maintenance/cleanup", h.Cleanup)
		api.GET("/audit", h.Audit)

		api.POST("/recordings", h.StartRecording)
		api.GET("/recordings", h.ListRecordings)
		api.GET("/recordings/:id/points", h.RecordingPoints)
		api.DELETE("/recordings/:id", h.StopRecording)
		api.POST("/recordings/cleanup", h.CleanupRecordings)
	}
}

// Health 存活检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "stopped": h.deps.Positions.Stopped()})
}

type subscribeRequest struct {
	Symbol          string `json:"symbol" binding:"required"`
	PrimaryExchange string `json:"primary_exchange" binding:"required"`
	HedgeExchange   string `json:"hedge_exchange" binding:"required"`
	model.SubscriptionConfig
}

// CreateSubscription 创建订阅
func (h *Handler) CreateSubscription(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.UserID = user
	sub, err := h.deps.Subscriptions.Subscribe(c.Request.Context(),
		strings.ToUpper(req.Symbol), strings.ToLower(req.PrimaryExchange), strings.ToLower(req.HedgeExchange), req.SubscriptionConfig)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// ListSubscriptions 列出本用户订阅，可用 ?status=PENDING,TRIGGERED 过滤
func (h *Handler) ListSubscriptions(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var statuses []model.SubscriptionStatus
	for _, s := range splitCSV(c.Query("status")) {
		statuses = append(statuses, model.SubscriptionStatus(strings.ToUpper(s)))
	}
	subs, err := h.deps.Subscriptions.List(c.Request.Context(), statuses...)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]model.Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Config.UserID == user {
			out = append(out, s)
		}
	}
	c.JSON(http.StatusOK, out)
}

// CancelSubscription 取消订阅
func (h *Handler) CancelSubscription(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sub, err := h.deps.Subscriptions.Get(ctx, c.Param("id"))
	if err == nil && sub.Config.UserID != user {
		err = model.ErrNotFound
	}
	if err != nil {
		fail(c, err)
		return
	}
	sub, err = h.deps.Subscriptions.Cancel(ctx, sub.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// RequestExecution 立即建仓
func (h *Handler) RequestExecution(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var req service.ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.UserID = user
	req.Symbol = strings.ToUpper(req.Symbol)
	req.PrimaryExchange = strings.ToLower(req.PrimaryExchange)
	req.HedgeExchange = strings.ToLower(req.HedgeExchange)
	// 订阅交接只走调度器
	req.SubscriptionID = ""

	handle, err := h.deps.Positions.RequestExecution(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

// ListPositions 本用户非终态持仓
func (h *Handler) ListPositions(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	positions, err := h.deps.Positions.GetActivePositions(c.Request.Context(), user)
	if err != nil {
		fail(c, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

// GetPosition 查询持仓
func (h *Handler) GetPosition(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	p, err := h.deps.Positions.GetPosition(c.Request.Context(), c.Param("id"), user)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// SyncTpSl 重挂保护单；带请求体时先更新参数
func (h *Handler) SyncTpSl(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	var err error
	if c.Request.ContentLength > 0 {
		var params model.ProtectiveParams
		if bindErr := c.ShouldBindJSON(&params); bindErr != nil {
			badRequest(c, bindErr.Error())
			return
		}
		err = h.deps.Positions.UpdateProtective(ctx, id, user, params)
	} else {
		err = h.deps.Positions.SyncTpSl(ctx, id, user)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ClosePosition 平仓
func (h *Handler) ClosePosition(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	p, err := h.deps.Positions.ClosePosition(c.Request.Context(), c.Param("id"), user)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// StopAll 紧急停止
func (h *Handler) StopAll(c *gin.Context) {
	report := h.deps.Positions.StopAll(c.Request.Context())
	log.Warn().Str("operator", c.GetHeader(UserHeader)).Int("executions", len(report.Executions)).Msg("emergency stop via api")
	c.JSON(http.StatusOK, report)
}

// Resume 解除紧急停止
func (h *Handler) Resume(c *gin.Context) {
	h.deps.Positions.Resume()
	log.Info().Str("operator", c.GetHeader(UserHeader)).Msg("emergency stop lifted via api")
	c.Status(http.StatusNoContent)
}

// DetectOrphans 导入交易所上未被记录的持仓，归属当前用户
func (h *Handler) DetectOrphans(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	report, err := h.deps.Maintenance.DetectOrphans(c.Request.Context(), user)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// DetectLiquidated 交易所侧已消失的 ACTIVE 持仓标记为 LIQUIDATED
func (h *Handler) DetectLiquidated(c *gin.Context) {
	liquidated, err := h.deps.Maintenance.DetectLiquidated(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if liquidated == nil {
		liquidated = []model.Position{}
	}
	c.JSON(http.StatusOK, liquidated)
}

// DetectStuck ?older_than=15m 覆盖默认阈值
func (h *Handler) DetectStuck(c *gin.Context) {
	after := h.deps.StuckAfter
	if v := c.Query("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			badRequest(c, "invalid older_than")
			return
		}
		after = d
	}
	stuck, err := h.deps.Maintenance.DetectStuck(c.Request.Context(), after)
	if err != nil {
		fail(c, err)
		return
	}
	if stuck == nil {
		stuck = []model.Position{}
	}
	c.JSON(http.StatusOK, stuck)
}

type markErrorRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// MarkError 运维标记持仓为 ERROR
func (h *Handler) MarkError(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var req markErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.deps.Maintenance.MarkError(c.Request.Context(), c.Param("id"), req.Reason, user); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type cleanupRequest struct {
	Statuses  []model.PositionStatus `json:"statuses"`
	OlderThan string                 `json:"older_than" binding:"required"`
}

// Cleanup 规范化终态持仓
func (h *Handler) Cleanup(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil || olderThan < 0 {
		badRequest(c, "invalid older_than")
		return
	}
	n, err := h.deps.Maintenance.CleanupTerminal(c.Request.Context(), req.Statuses, olderThan, user)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"normalized": n})
}

// CleanupRecordings 删除早于 older_than 的已结束录制
func (h *Handler) CleanupRecordings(c *gin.Context) {
	var req struct {
		OlderThan string `json:"older_than" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil || olderThan <= 0 {
		badRequest(c, "invalid older_than")
		return
	}
	n, err := h.deps.Recordings.Cleanup(c.Request.Context(), olderThan)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// PurgePosition 删除持仓及其资金费记录
func (h *Handler) PurgePosition(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.deps.Maintenance.PurgePosition(c.Request.Context(), c.Param("id"), user); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// BackfillFunding 补录遗漏的资金费
func (h *Handler) BackfillFunding(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.deps.Positions.GetPosition(ctx, id, user); err != nil {
		fail(c, err)
		return
	}
	n, err := h.deps.Funding.Backfill(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credited": n})
}

// Audit 最近的运维审计记录
func (h *Handler) Audit(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		badRequest(c, "invalid limit")
		return
	}
	records, err := h.deps.Maintenance.Audit(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

type recordingRequest struct {
	Exchange string `json:"exchange" binding:"required"`
	Symbol   string `json:"symbol" binding:"required"`
}

// StartRecording 录制下一次结算窗口
func (h *Handler) StartRecording(c *gin.Context) {
	var req recordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	session, err := h.deps.Recordings.StartSession(c.Request.Context(), strings.ToLower(req.Exchange), strings.ToUpper(req.Symbol))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// ListRecordings 录制会话列表
func (h *Handler) ListRecordings(c *gin.Context) {
	sessions, err := h.deps.Recordings.Sessions(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// RecordingPoints 会话样本
func (h *Handler) RecordingPoints(c *gin.Context) {
	points, err := h.deps.Recordings.DataPoints(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

// StopRecording 提前结束录制
func (h *Handler) StopRecording(c *gin.Context) {
	if err := h.deps.Recordings.StopSession(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func requireUser(c *gin.Context) (string, bool) {
	user := strings.TrimSpace(c.GetHeader(UserHeader))
	if user == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": UserHeader + " header required"})
		return "", false
	}
	return user, true
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// fail 按错误分类映射 HTTP 状态码
func fail(c *gin.Context, err error) {
	kind := model.KindOf(err)
	status := statusFor(err, kind)
	if status >= http.StatusInternalServerError {
		log.Error().Str("path", c.FullPath()).Err(err).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": model.Reason(err), "kind": kind.String()})
}

func statusFor(err error, kind model.ErrorKind) int {
	if errors.Is(err, model.ErrNotFound) {
		return http.StatusNotFound
	}
	switch kind {
	case model.KindConstraint:
		return http.StatusConflict
	case model.KindDataQuality:
		return http.StatusUnprocessableEntity
	case model.KindRejected:
		return http.StatusBadRequest
	case model.KindTransient, model.KindAuth:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
