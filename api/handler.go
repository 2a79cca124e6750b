// Package api exposes the Tollgate engine over HTTP using gin.
//
// Routes (relative to the base path):
//
//	POST /sessions                              start a session
//	GET  /sessions/:id?customer_id=             live status for the owner
//	POST /sessions/:id/events                   provider lifecycle callback
//	GET  /affordability?customer_id=&operator_id=
//	POST /messages                              charge a per-message fee
//	POST /customers                             open a prepaid account
//	POST /customers/:id/topups                  credit the balance
//	POST /customers/:id/grants                  add free minutes
//	PUT  /operators/:id                         create or update pricing
//	GET  /entries                               list journal entries
//	POST /entries/:id/refund                    reverse an entry
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/bridge"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/rate"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// Handler serves the Tollgate HTTP API.
type Handler struct {
	engine *tollgate.Engine
	logger *slog.Logger
}

// New creates a Handler for engine.
func New(engine *tollgate.Engine) *Handler {
	return &Handler{engine: engine, logger: engine.Logger()}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/sessions", h.StartSession)
	r.GET("/sessions/:id", h.SessionStatus)
	r.POST("/sessions/:id/events", h.SessionEvent)
	r.GET("/affordability", h.Affordability)
	r.POST("/messages", h.ChargeMessage)

	r.POST("/customers", h.OpenAccount)
	r.POST("/customers/:id/topups", h.TopUp)
	r.POST("/customers/:id/grants", h.GrantFreeMinutes)
	r.PUT("/operators/:id", h.UpsertOperator)

	r.GET("/entries", h.ListEntries)
	r.POST("/entries/:id/refund", h.RefundEntry)
}

// NewRouter returns a gin engine with recovery and the API under basePath.
func NewRouter(engine *tollgate.Engine, basePath string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		if err := engine.Store().Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	New(engine).Register(router.Group(basePath))
	return router
}

// ============================================================================
// SESSIONS
// ============================================================================

// StartSession creates a session after the affordability check.
func (h *Handler) StartSession(c *gin.Context) {
	var req tollgate.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.engine.StartSession(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "start session", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// SessionStatus returns the live view of a session to its customer.
func (h *Handler) SessionStatus(c *gin.Context) {
	sid, ok := sessionParam(c)
	if !ok {
		return
	}
	customerID := c.Query("customer_id")
	if customerID == "" {
		badRequest(c, tollgate.ValidationError{Field: "customer_id", Message: "required"})
		return
	}

	view, err := h.engine.QueryStatus(c.Request.Context(), sid, customerID)
	if err != nil {
		h.fail(c, "query status", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// eventRequest accepts either a session state or a raw provider status
// such as "busy" or "completed".
type eventRequest struct {
	State       session.State `json:"state"`
	Status      string        `json:"status"`
	At          time.Time     `json:"at"`
	ProviderRef string        `json:"provider_ref"`
	Reason      string        `json:"reason"`
}

// SessionEvent applies a provider lifecycle event. Duplicates are
// acknowledged with applied=false.
func (h *Handler) SessionEvent(c *gin.Context) {
	sid, ok := sessionParam(c)
	if !ok {
		return
	}
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ev := bridge.Event{
		SessionID:   sid,
		State:       req.State,
		At:          req.At,
		ProviderRef: req.ProviderRef,
		Reason:      req.Reason,
	}
	if ev.State == "" && req.Status != "" {
		st, err := bridge.ParseKind(req.Status)
		if err != nil {
			badRequest(c, err)
			return
		}
		ev.State = st
		if ev.Reason == "" {
			ev.Reason = bridge.FailureReason(req.Status)
		}
	}

	res, err := h.engine.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		h.fail(c, "session event", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Affordability answers whether a session could start right now.
func (h *Handler) Affordability(c *gin.Context) {
	customerID, operatorID := c.Query("customer_id"), c.Query("operator_id")
	if customerID == "" || operatorID == "" {
		badRequest(c, tollgate.ValidationError{Field: "customer_id, operator_id", Message: "required"})
		return
	}

	view, err := h.engine.Affordability(c.Request.Context(), customerID, operatorID)
	if err != nil {
		h.fail(c, "affordability", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type messageRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	OperatorID string `json:"operator_id" binding:"required"`
	Domain     string `json:"domain"`
}

// ChargeMessage debits the operator's per-message price. Free messages
// return 204.
func (h *Handler) ChargeMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	entry, err := h.engine.ChargeMessage(c.Request.Context(), req.CustomerID, req.OperatorID, req.Domain)
	if err != nil {
		h.fail(c, "charge message", err)
		return
	}
	if entry == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ============================================================================
// ACCOUNTS AND PRICING
// ============================================================================

type accountRequest struct {
	CustomerID string            `json:"customer_id" binding:"required"`
	Balance    string            `json:"balance"`
	Contact    string            `json:"contact"`
	Metadata   map[string]string `json:"metadata"`
}

// OpenAccount creates a prepaid account. Balance is in major units.
func (h *Handler) OpenAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	bal := types.Zero(h.engine.Currency())
	if req.Balance != "" {
		m, err := types.ParseMajor(req.Balance, h.engine.Currency())
		if err != nil {
			badRequest(c, err)
			return
		}
		bal = m
	}

	acct := &balance.Account{
		CustomerID: req.CustomerID,
		Balance:    bal,
		Contact:    req.Contact,
		Metadata:   req.Metadata,
	}
	if err := h.engine.OpenAccount(c.Request.Context(), acct); err != nil {
		h.fail(c, "open account", err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

type topUpRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// TopUp credits a customer's balance. Amount is in major units.
func (h *Handler) TopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount, err := types.ParseMajor(req.Amount, h.engine.Currency())
	if err != nil {
		badRequest(c, err)
		return
	}

	bal, err := h.engine.TopUp(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		h.fail(c, "top up", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer_id": c.Param("id"), "balance": bal})
}

type grantRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
	Minutes    int64  `json:"minutes"`
}

// GrantFreeMinutes adds minutes to a customer's grant with one operator.
func (h *Handler) GrantFreeMinutes(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := h.engine.GrantFreeMinutes(ctx, c.Param("id"), req.OperatorID, req.Minutes); err != nil {
		h.fail(c, "grant free minutes", err)
		return
	}
	free, err := h.engine.Entitlements().Available(ctx, c.Param("id"), req.OperatorID)
	if err != nil {
		h.fail(c, "grant free minutes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer_id": c.Param("id"), "operator_id": req.OperatorID, "free_minutes": free})
}

type operatorRequest struct {
	DisplayName    string            `json:"display_name"`
	Contact        string            `json:"contact"`
	Active         *bool             `json:"active"`
	RatePerMinute  string            `json:"rate_per_minute"`
	ConnectFee     string            `json:"connect_fee"`
	RatePerMessage string            `json:"rate_per_message"`
	Metadata       map[string]string `json:"metadata"`
}

// UpsertOperator creates or replaces an operator's pricing. Prices are in
// major units; empty means free.
func (h *Handler) UpsertOperator(c *gin.Context) {
	var req operatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	currency := h.engine.Currency()
	var (
		prices [3]types.Money
		errs   tollgate.MultiError
	)
	for i, field := range []struct{ name, value string }{
		{"rate_per_minute", req.RatePerMinute},
		{"connect_fee", req.ConnectFee},
		{"rate_per_message", req.RatePerMessage},
	} {
		prices[i] = types.Zero(currency)
		if field.value == "" {
			continue
		}
		m, err := types.ParseMajor(field.value, currency)
		if err != nil {
			errs.Add(tollgate.ValidationError{Field: field.name, Message: err.Error()})
			continue
		}
		prices[i] = m
	}
	if err := errs.ErrorOrNil(); err != nil {
		badRequest(c, err)
		return
	}

	op := &rate.Operator{
		ID:          c.Param("id"),
		DisplayName: req.DisplayName,
		Contact:     req.Contact,
		Active:      req.Active == nil || *req.Active,
		Plan: rate.Plan{
			RatePerMinute:  prices[0],
			ConnectFee:     prices[1],
			RatePerMessage: prices[2],
		},
		Metadata: req.Metadata,
	}
	if err := h.engine.UpsertOperator(c.Request.Context(), op); err != nil {
		h.fail(c, "upsert operator", err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// ============================================================================
// JOURNAL
// ============================================================================

// ListEntries lists journal entries filtered by the query string.
func (h *Handler) ListEntries(c *gin.Context) {
	opts := journal.ListOpts{
		CustomerID: c.Query("customer_id"),
		OperatorID: c.Query("operator_id"),
		Kind:       journal.Kind(c.Query("kind")),
	}
	if raw := c.Query("session_id"); raw != "" {
		sid, err := id.ParseSessionID(raw)
		if err != nil {
			badRequest(c, err)
			return
		}
		opts.SessionID = sid
	}
	var err error
	if opts.Limit, err = intQuery(c, "limit"); err != nil {
		badRequest(c, err)
		return
	}
	if opts.Offset, err = intQuery(c, "offset"); err != nil {
		badRequest(c, err)
		return
	}

	entries, err := h.engine.Journal().List(c.Request.Context(), opts)
	if err != nil {
		h.fail(c, "list entries", err)
		return
	}
	if entries == nil {
		entries = []*journal.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// RefundEntry reverses a journal entry and credits the customer.
func (h *Handler) RefundEntry(c *gin.Context) {
	eid, err := id.ParseEntryID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}

	rev, err := h.engine.RefundEntry(c.Request.Context(), eid)
	if err != nil {
		h.fail(c, "refund entry", err)
		return
	}
	c.JSON(http.StatusCreated, rev)
}

// ============================================================================
// HELPERS
// ============================================================================

func sessionParam(c *gin.Context) (id.SessionID, bool) {
	sid, err := id.ParseSessionID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return id.Nil, false
	}
	return sid, true
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, tollgate.ValidationError{Field: key, Message: "must be a non-negative integer"}
	}
	return n, nil
}
