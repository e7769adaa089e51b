package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fiscalcontrol/auth"
	"fiscalcontrol/payment"
	"fiscalcontrol/sheet"
)

var errUnauthorized = errors.New("unauthorized")

type actorPayload struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type recordPayload struct {
	ID              string      `json:"id,omitempty"`
	DateRegistered  string      `json:"dateRegistered"`
	Organism        string      `json:"organism"`
	PaymentType     string      `json:"paymentType"`
	Amount          json.Number `json:"amount"`
	PaymentDateReal string      `json:"paymentDateReal"`
	UnitCode        string      `json:"unitCode"`
	UnitName        string      `json:"unitName"`
	Municipality    string      `json:"municipality"`
	Status          string      `json:"status,omitempty"`
	Description     string      `json:"description"`
	ContactPhone    string      `json:"contactPhone"`
}

type actionRequest struct {
	Action     string        `json:"action"`
	Actor      actorPayload  `json:"actor"`
	ID         string        `json:"id"`
	Transition string        `json:"transition"`
	Data       recordPayload `json:"data"`
}

type recordResponse struct {
	ID              string      `json:"id"`
	DateRegistered  string      `json:"dateRegistered"`
	Organism        string      `json:"organism"`
	PaymentType     string      `json:"paymentType"`
	TypeCode        string      `json:"typeCode"`
	Amount          json.Number `json:"amount"`
	PaymentDateReal string      `json:"paymentDateReal"`
	UnitCode        string      `json:"unitCode"`
	UnitName        string      `json:"unitName"`
	Municipality    string      `json:"municipality"`
	Status          string      `json:"status"`
	Description     string      `json:"description"`
	ContactPhone    string      `json:"contactPhone"`
	CreatedAt       string      `json:"createdAt,omitempty"`
}

type typeSummaryResponse struct {
	Type            string      `json:"type"`
	Label           string      `json:"label"`
	TotalSpent      json.Number `json:"totalSpent"`
	ProjectedAnnual json.Number `json:"projectedAnnual"`
	Count           int         `json:"count"`
}

type summaryResponse struct {
	ByType          []typeSummaryResponse `json:"byType"`
	TotalSpent      json.Number           `json:"totalSpent"`
	ProjectedAnnual json.Number           `json:"projectedAnnual"`
	PendingAmount   json.Number           `json:"pendingAmount"`
	PendingCount    int                   `json:"pendingCount"`
	Upcoming        []recordResponse      `json:"upcoming"`
}

type eventResponse struct {
	Kind      string `json:"kind"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	ActorName string `json:"actorName"`
	ActorRole string `json:"actorRole"`
	At        string `json:"at"`
}

func toRecordResponse(rec payment.Record) recordResponse {
	resp := recordResponse{
		ID:              rec.ID,
		DateRegistered:  rec.DateRegistered.String(),
		Organism:        rec.Organism,
		PaymentType:     rec.Type.Label(),
		TypeCode:        string(rec.Type),
		Amount:          money(rec),
		PaymentDateReal: rec.PaymentDateReal.String(),
		UnitCode:        rec.UnitCode,
		UnitName:        rec.UnitName,
		Municipality:    rec.Municipality,
		Status:          string(rec.Status),
		Description:     rec.Description,
		ContactPhone:    rec.ContactPhone,
	}
	if !rec.CreatedAt.IsZero() {
		resp.CreatedAt = rec.CreatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func money(rec payment.Record) json.Number {
	return json.Number(rec.Amount.StringFixed(2))
}

func toRecordResponses(records []payment.Record) []recordResponse {
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordResponse(rec))
	}
	return out
}

func toSummaryResponse(sum payment.Summary) summaryResponse {
	resp := summaryResponse{
		ByType:          make([]typeSummaryResponse, 0, len(sum.ByType)),
		TotalSpent:      json.Number(sum.TotalSpent.StringFixed(2)),
		ProjectedAnnual: json.Number(sum.ProjectedAnnual.StringFixed(2)),
		PendingAmount:   json.Number(sum.PendingAmount.StringFixed(2)),
		PendingCount:    sum.PendingCount,
		Upcoming:        toRecordResponses(sum.Upcoming),
	}
	for _, ts := range sum.ByType {
		resp.ByType = append(resp.ByType, typeSummaryResponse{
			Type:            string(ts.Type),
			Label:           ts.Type.Label(),
			TotalSpent:      json.Number(ts.TotalSpent.StringFixed(2)),
			ProjectedAnnual: json.Number(ts.ProjectedAnnual.StringFixed(2)),
			Count:           ts.Count,
		})
	}
	return resp
}

func success(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"result": "success", "data": data})
}

func failure(c *gin.Context, status int, message string, err error) {
	body := gin.H{"result": "error", "message": message}
	if err != nil {
		body["error"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

// writeError maps lifecycle sentinels onto status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errUnauthorized):
		failure(c, http.StatusUnauthorized, "authentication required", err)
	case errors.Is(err, payment.ErrValidation):
		failure(c, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, payment.ErrForbidden):
		failure(c, http.StatusForbidden, "operation not allowed for this role", err)
	case errors.Is(err, payment.ErrNotFound):
		failure(c, http.StatusNotFound, "payment not found", err)
	case errors.Is(err, payment.ErrInvalidState):
		failure(c, http.StatusConflict, "payment already reviewed", err)
	case errors.Is(err, payment.ErrStoreUnavailable):
		failure(c, http.StatusServiceUnavailable, "store unavailable, try again later", err)
	default:
		s.logger.ErrorContext(c.Request.Context(), "request failed", "error", err)
		failure(c, http.StatusInternalServerError, "internal error", err)
	}
}

// resolveActor prefers the bearer token's identity over the declared one.
// Without a token the declared actor is trusted unless tokens are required.
func (s *Server) resolveActor(c *gin.Context, declared actorPayload) (auth.Actor, error) {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return auth.Actor{}, fmt.Errorf("%w: malformed Authorization header", errUnauthorized)
		}
		if s.auth == nil {
			return auth.Actor{}, fmt.Errorf("%w: tokens are not accepted", errUnauthorized)
		}
		actor, err := s.auth.VerifyToken(strings.TrimSpace(parts[1]))
		if err != nil {
			return auth.Actor{}, fmt.Errorf("%w: %v", errUnauthorized, err)
		}
		return actor, nil
	}
	if s.requireToken {
		return auth.Actor{}, fmt.Errorf("%w: bearer token required", errUnauthorized)
	}
	return auth.Actor{Name: strings.TrimSpace(declared.Name), Role: auth.ParseRole(declared.Role)}, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive", "message": "Use POST to interact with data"})
}

func (s *Server) handleAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	actor, err := s.resolveActor(c, req.Actor)
	if err != nil {
		s.writeError(c, err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "", "create":
		s.create(c, actor, req.Data)
	case "read":
		s.read(c, actor, req.ID)
	case "update":
		s.update(c, actor, req)
	case "summary":
		s.summary(c, actor)
	case "history":
		s.history(c, actor, req.ID)
	case "setuptrigger":
		c.JSON(http.StatusOK, gin.H{"result": "success", "message": "Daily reminder sweep is scheduled by the server"})
	default:
		failure(c, http.StatusBadRequest, "Invalid action", fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *Server) create(c *gin.Context, actor auth.Actor, data recordPayload) {
	rec, err := s.payments.Register(c.Request.Context(), actor, payment.Input{
		DateRegistered:  data.DateRegistered,
		Organism:        data.Organism,
		Type:            data.PaymentType,
		Amount:          data.Amount.String(),
		PaymentDateReal: data.PaymentDateReal,
		UnitCode:        data.UnitCode,
		UnitName:        data.UnitName,
		Municipality:    data.Municipality,
		Description:     data.Description,
		ContactPhone:    data.ContactPhone,
	})
	if err != nil {
		if errors.Is(err, payment.ErrStoreUnavailable) && rec.ID != "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"result":  "error",
				"message": "saved locally only",
				"error":   err.Error(),
				"data":    toRecordResponse(rec),
			})
			return
		}
		s.writeError(c, err)
		return
	}
	success(c, http.StatusCreated, toRecordResponse(rec))
}

func (s *Server) read(c *gin.Context, actor auth.Actor, id string) {
	if !payment.Can(actor.Role, payment.ActionRead) {
		s.writeError(c, fmt.Errorf("%w: role %q cannot read payments", payment.ErrForbidden, actor.Role))
		return
	}
	if id != "" {
		rec, err := s.payments.Get(c.Request.Context(), id)
		if err != nil {
			s.writeError(c, err)
			return
		}
		success(c, http.StatusOK, toRecordResponse(rec))
		return
	}
	records, err := s.payments.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	success(c, http.StatusOK, toRecordResponses(records))
}

func (s *Server) update(c *gin.Context, actor auth.Actor, req actionRequest) {
	id := req.ID
	if id == "" {
		id = req.Data.ID
	}
	if id == "" {
		s.writeError(c, fmt.Errorf("%w: id required", payment.ErrValidation))
		return
	}

	action, err := transitionAction(req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	rec, err := s.payments.Transition(c.Request.Context(), id, action, actor)
	if err != nil {
		s.writeError(c, err)
		return
	}
	success(c, http.StatusOK, toRecordResponse(rec))
}

// transitionAction reads the requested transition, accepting either an
// explicit "transition" or the target status in data.status.
func transitionAction(req actionRequest) (payment.Action, error) {
	if req.Transition != "" {
		action, err := payment.ParseAction(req.Transition)
		if err != nil {
			return "", err
		}
		if _, ok := payment.Target(action); !ok {
			return "", fmt.Errorf("%w: %q is not a transition", payment.ErrValidation, req.Transition)
		}
		return action, nil
	}
	if req.Data.Status != "" {
		status, err := payment.ParseStatus(req.Data.Status)
		if err != nil {
			return "", fmt.Errorf("%w: %v", payment.ErrValidation, err)
		}
		switch status {
		case payment.StatusApproved:
			return payment.ActionApprove, nil
		case payment.StatusRejected:
			return payment.ActionReject, nil
		}
	}
	return "", fmt.Errorf("%w: transition must be approve or reject", payment.ErrValidation)
}

func (s *Server) summary(c *gin.Context, actor auth.Actor) {
	if !payment.Can(actor.Role, payment.ActionRead) {
		s.writeError(c, fmt.Errorf("%w: role %q cannot read payments", payment.ErrForbidden, actor.Role))
		return
	}
	records, err := s.payments.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	success(c, http.StatusOK, toSummaryResponse(payment.Summarize(records, s.payments.Today())))
}

func (s *Server) history(c *gin.Context, actor auth.Actor, id string) {
	if !payment.Can(actor.Role, payment.ActionRead) {
		s.writeError(c, fmt.Errorf("%w: role %q cannot read payments", payment.ErrForbidden, actor.Role))
		return
	}
	events, err := s.payments.History(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			Kind:      string(ev.Kind),
			From:      string(ev.From),
			To:        string(ev.To),
			ActorName: ev.Actor.Name,
			ActorRole: string(ev.Actor.Role),
			At:        ev.At.UTC().Format(time.RFC3339),
		})
	}
	success(c, http.StatusOK, out)
}

func (s *Server) handleLogin(c *gin.Context) {
	if s.auth == nil {
		failure(c, http.StatusNotImplemented, "login is disabled", nil)
		return
	}
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	res, err := s.auth.Login(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			failure(c, http.StatusUnauthorized, "invalid credentials", nil)
			return
		}
		s.writeError(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{
		"token": res.Token,
		"user": gin.H{
			"username": res.User.Username,
			"name":     res.User.Name,
			"role":     res.User.Role,
		},
	})
}

func (s *Server) handleExport(c *gin.Context) {
	actor, err := s.resolveActor(c, actorPayload{Name: c.Query("name"), Role: c.Query("role")})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !payment.Can(actor.Role, payment.ActionRead) {
		s.writeError(c, fmt.Errorf("%w: role %q cannot read payments", payment.ErrForbidden, actor.Role))
		return
	}
	records, err := s.payments.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	export := s.export
	if export == nil {
		export = sheet.Export
	}
	var buf bytes.Buffer
	if err := export(&buf, records); err != nil {
		s.logger.ErrorContext(c.Request.Context(), "export failed", "error", err)
		failure(c, http.StatusInternalServerError, "failed to write workbook", err)
		return
	}

	fileName := fmt.Sprintf("pagos_%s.xlsx", s.payments.Today())
	c.Header("Content-Disposition", "attachment; filename="+fileName)
	c.Data(http.StatusOK, sheet.ContentType, buf.Bytes())
}

func (s *Server) handleRunReminders(c *gin.Context) {
	var body struct {
		Actor actorPayload `json:"actor"`
		Date  string       `json:"date"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			failure(c, http.StatusBadRequest, "invalid JSON body", err)
			return
		}
	}
	actor, err := s.resolveActor(c, body.Actor)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if actor.Role != auth.RoleAdmin {
		s.writeError(c, fmt.Errorf("%w: only admin can run the reminder sweep", payment.ErrForbidden))
		return
	}

	today := s.payments.Today()
	if body.Date != "" {
		if today, err = payment.ParseDate(body.Date); err != nil {
			s.writeError(c, fmt.Errorf("%w: %v", payment.ErrValidation, err))
			return
		}
	}
	report, err := s.reminders.Run(c.Request.Context(), today)
	if err != nil {
		s.writeError(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{
		"date":    report.Date.String(),
		"matched": report.Matched,
		"sent":    report.Sent,
		"failed":  report.Failed,
	})
}
