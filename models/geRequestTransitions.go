package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

type geTransitionKey struct {
	From   GERequestStatus
	Action GEDecision
	Role   Role
}

type geOutcome int

const (
	outcomeEnterRoute geOutcome = iota + 1
	outcomeRestartRoute
	outcomeApproveStage
	outcomeQuery
	outcomeDeny
)

// geTransitions is checked server-side for every command, whatever the UI offers.
var geTransitions = buildGETransitions()

func buildGETransitions() map[geTransitionKey]geOutcome {
	t := map[geTransitionKey]geOutcome{
		{GERequestStatusDraft, GEDecisionSubmit, RoleRequester}:     outcomeEnterRoute,
		{GERequestStatusQueried, GEDecisionResubmit, RoleRequester}: outcomeRestartRoute,
	}
	for i, def := range stageCatalog {
		froms := []GERequestStatus{def.Pending}
		// every route starts at the first catalog stage, which is where a resubmission lands
		if i == 0 {
			froms = append(froms, GERequestStatusResubmitted)
		}
		for _, from := range froms {
			t[geTransitionKey{from, GEDecisionApprove, def.Role}] = outcomeApproveStage
			t[geTransitionKey{from, GEDecisionQuery, def.Role}] = outcomeQuery
			t[geTransitionKey{from, GEDecisionDeny, def.Role}] = outcomeDeny
		}
	}
	return t
}

func authorizeGETransition(req *GERequest, action GEDecision, actor Actor) (geOutcome, Role, error) {
	for _, role := range actor.Roles {
		if outcome, ok := geTransitions[geTransitionKey{req.Status, action, role}]; ok {
			return outcome, role, nil
		}
	}

	var required []string
	for key := range geTransitions {
		if key.From == req.Status && key.Action == action {
			required = append(required, string(key.Role))
		}
	}
	reason := "not allowed in this status"
	if req.Status.IsTerminal() {
		reason = "request is closed"
	} else if len(required) > 0 {
		reason = "requires role " + strings.Join(required, " or ")
	}
	return 0, "", &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: string(action), Reason: reason}
}

type GEDecisionInput struct {
	Decision GEDecision `json:"decision" validate:"required,oneof=Approve Query Deny"`
	Comment  string     `json:"comment" validate:"max=2000"`
}

func (input *GEDecisionInput) validate() error {
	input.Comment = strings.TrimSpace(input.Comment)
	if err := utils.ValidateStruct(input); err != nil {
		return toValidationError(err)
	}
	if input.Decision != GEDecisionApprove && input.Comment == "" {
		return newValidationError("comment", "is required to "+strings.ToLower(string(input.Decision)))
	}
	return nil
}

func materializeStages(tx *gorm.DB, requestId int, cycle int, route []ApprovalStage) error {
	stages := make([]GERequestStage, 0, len(route))
	for i, stage := range route {
		def, ok := stageDef(stage)
		if !ok {
			return fmt.Errorf("unknown approval stage %q", stage)
		}
		stages = append(stages, GERequestStage{
			GERequestId: requestId,
			Cycle:       cycle,
			Sequence:    i + 1,
			Stage:       stage,
			Role:        def.Role,
		})
	}
	return tx.Create(&stages).Error
}

func appendApproval(tx *gorm.DB, req *GERequest, stage string, actor Actor, decision GEDecision, comment string, isSystem bool) error {
	return tx.Create(&GERequestApproval{
		GERequestId: req.ID,
		Cycle:       req.Cycle,
		Stage:       stage,
		ActorId:     actor.Id,
		ActorName:   actor.Name,
		Decision:    decision,
		Comment:     comment,
		IsSystem:    isSystem,
	}).Error
}

func requireQuotes(tx *gorm.DB, req *GERequest) error {
	docs, err := loadAttachments(tx, req.ID)
	if err != nil {
		return err
	}
	need := QuotesRequired(req.RequestType, req.Amount)
	if have := countDocuments(docs, DocumentKindQuote); have < need {
		return newValidationError("attachments", fmt.Sprintf("%d quote(s) required, %d attached", need, have))
	}
	return nil
}

// SubmitGERequest routes a draft into its first approval stage.
func SubmitGERequest(ctx context.Context, id int, actor Actor) (*GERequest, error) {
	err := runCommand(ctx, "GERequest.Submit", actor, func(tx *gorm.DB) error {
		req, err := lockGERequest(tx, id)
		if err != nil {
			return err
		}
		if _, _, err := authorizeGETransition(req, GEDecisionSubmit, actor); err != nil {
			return err
		}
		if actor.Id != req.RequesterId {
			return &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: string(GEDecisionSubmit), Reason: "only the requester can submit"}
		}
		if err := requirePositive("amount", req.Amount); err != nil {
			return err
		}
		if err := requireQuotes(tx, req); err != nil {
			return err
		}

		route := Route(req.Amount, req.RequestType)
		first, _ := stageDef(route[0])
		if err := materializeStages(tx, req.ID, 1, route); err != nil {
			return err
		}

		before := *req
		now := time.Now().UTC()
		if err := updateGERequestGuarded(tx, req, GEDecisionSubmit, map[string]interface{}{
			"status":        first.Pending,
			"current_stage": 0,
			"cycle":         1,
			"submitted_at":  now,
		}); err != nil {
			return err
		}
		if err := appendApproval(tx, req, "", actor, GEDecisionSubmit, "", false); err != nil {
			return err
		}
		if err := createHistory(tx, actor, HistoryActionUpdate, "GERequest", req.ID, &before, req, "GE request submitted"); err != nil {
			return err
		}
		return enqueueNotification(tx, EventGERequestSubmitted, "GERequest", req.ID, []string{roleRecipient(first.Role)}, geRequestEvent(req))
	})
	if err != nil {
		return nil, err
	}
	return GetGERequest(ctx, id)
}

// AdvanceGERequest records one reviewer decision at the current stage. Final approval creates
// the commitment in the same transaction; if the budget cannot cover it the request is
// auto-denied and the InsufficientBudgetError is returned together with the denied request.
func AdvanceGERequest(ctx context.Context, id int, actor Actor, input *GEDecisionInput) (*GERequest, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	var budgetErr *InsufficientBudgetError
	err := runCommand(ctx, "GERequest.Advance", actor, func(tx *gorm.DB) error {
		req, err := lockGERequest(tx, id)
		if err != nil {
			return err
		}
		outcome, role, err := authorizeGETransition(req, input.Decision, actor)
		if err != nil {
			return err
		}
		if actor.Id == req.RequesterId {
			return &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: string(input.Decision), Reason: "requester cannot review own request"}
		}
		stages, err := loadStages(tx, req.ID, req.Cycle)
		if err != nil {
			return err
		}
		idx := req.CurrentStage
		if idx < 0 || idx >= len(stages) || stages[idx].Role != role {
			return &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: string(input.Decision), Reason: "current stage does not belong to role " + string(role)}
		}
		current := stages[idx]
		now := time.Now().UTC()

		if err := tx.Model(&GERequestStage{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
			"decision":   input.Decision,
			"actor_id":   actor.Id,
			"actor_name": actor.Name,
			"decided_at": now,
		}).Error; err != nil {
			return err
		}

		fields := map[string]interface{}{}
		var event string
		var recipients []string
		switch outcome {
		case outcomeApproveStage:
			if idx == len(stages)-1 {
				fields["status"] = GERequestStatusApproved
				fields["decided_at"] = now
				event = EventGERequestApproved
				recipients = []string{userRecipient(req.RequesterId), roleRecipient(RoleFinanceClerk)}
			} else {
				next, _ := stageDef(stages[idx+1].Stage)
				fields["status"] = next.Pending
				fields["current_stage"] = idx + 1
				event = EventGERequestAdvanced
				recipients = []string{roleRecipient(next.Role)}
			}
		case outcomeQuery:
			fields["status"] = GERequestStatusQueried
			event = EventGERequestQueried
			recipients = []string{userRecipient(req.RequesterId)}
		case outcomeDeny:
			fields["status"] = GERequestStatusDenied
			fields["decided_at"] = now
			event = EventGERequestDenied
			recipients = []string{userRecipient(req.RequesterId)}
		default:
			return &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: string(input.Decision)}
		}

		before := *req
		if err := updateGERequestGuarded(tx, req, input.Decision, fields); err != nil {
			return err
		}
		if err := appendApproval(tx, req, string(current.Stage), actor, input.Decision, input.Comment, false); err != nil {
			return err
		}
		if err := createHistory(tx, actor, HistoryActionUpdate, "GERequest", req.ID, &before, req,
			fmt.Sprintf("%s at %s stage", input.Decision, current.Stage)); err != nil {
			return err
		}

		if req.Status == GERequestStatusApproved {
			_, err := createCommitment(tx, req, actor)
			if errors.As(err, &budgetErr) {
				return autoDenyGERequest(tx, req, budgetErr)
			}
			if err != nil {
				return err
			}
		}
		return enqueueNotification(tx, event, "GERequest", req.ID, recipients, geRequestEvent(req))
	})
	if err != nil {
		return nil, err
	}
	req, err := GetGERequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if budgetErr != nil {
		return req, budgetErr
	}
	return req, nil
}

// ResubmitGERequest starts a new cycle at the first stage of the original route.
// Earlier approvals are not carried over.
func ResubmitGERequest(ctx context.Context, id int, actor Actor) (*GERequest, error) {
	err := runCommand(ctx, "GERequest.Resubmit", actor, func(tx *gorm.DB) error {
		req, err := lockGERequest(tx, id)
		if err != nil {
			return err
		}
		if _, _, err := authorizeGETransition(req, GEDecisionResubmit, actor); err != nil {
			return err
		}
		if actor.Id != req.RequesterId {
			return &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: string(GEDecisionResubmit), Reason: "only the requester can resubmit"}
		}
		if err := requireQuotes(tx, req); err != nil {
			return err
		}

		previous, err := loadStages(tx, req.ID, req.Cycle)
		if err != nil {
			return err
		}
		if len(previous) == 0 {
			return &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: string(GEDecisionResubmit), Reason: "queried request has no stored route"}
		}
		route := make([]ApprovalStage, 0, len(previous))
		for _, s := range previous {
			route = append(route, s.Stage)
		}
		cycle := req.Cycle + 1
		if err := materializeStages(tx, req.ID, cycle, route); err != nil {
			return err
		}
		first, _ := stageDef(route[0])

		before := *req
		if err := updateGERequestGuarded(tx, req, GEDecisionResubmit, map[string]interface{}{
			"status":        GERequestStatusResubmitted,
			"current_stage": 0,
			"cycle":         cycle,
			"submitted_at":  time.Now().UTC(),
			"decided_at":    nil,
		}); err != nil {
			return err
		}
		if err := appendApproval(tx, req, "", actor, GEDecisionResubmit, "", false); err != nil {
			return err
		}
		if err := createHistory(tx, actor, HistoryActionUpdate, "GERequest", req.ID, &before, req, "GE request resubmitted"); err != nil {
			return err
		}
		return enqueueNotification(tx, EventGERequestResubmitted, "GERequest", req.ID, []string{roleRecipient(first.Role)}, geRequestEvent(req))
	})
	if err != nil {
		return nil, err
	}
	return GetGERequest(ctx, id)
}

// autoDenyGERequest overturns an approval the budget cannot cover. The entry is attributed to
// the system so it can never be mistaken for a reviewer's Deny.
func autoDenyGERequest(tx *gorm.DB, req *GERequest, cause *InsufficientBudgetError) error {
	before := *req
	comment := fmt.Sprintf("Automatically denied: budget line %d has %s available, %s requested.",
		cause.BudgetLineId, cause.Available.String(), cause.Requested.String())

	if err := updateGERequestGuarded(tx, req, GEDecisionAutoDeny, map[string]interface{}{
		"status":     GERequestStatusDenied,
		"decided_at": time.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := appendApproval(tx, req, "", SystemActor, GEDecisionAutoDeny, comment, true); err != nil {
		return err
	}
	if err := createHistory(tx, SystemActor, HistoryActionUpdate, "GERequest", req.ID, &before, req, comment); err != nil {
		return err
	}
	if err := enqueueNotification(tx, EventGERequestAutoDenied, "GERequest", req.ID,
		[]string{userRecipient(req.RequesterId), roleRecipient(RoleBudgetOfficer)}, geRequestEvent(req)); err != nil {
		return err
	}

	config.GetLogger().WithFields(logrus.Fields{
		"event":          "budget_auto_deny",
		"ge_request_id":  req.ID,
		"budget_line_id": cause.BudgetLineId,
		"requested":      cause.Requested.String(),
		"available":      cause.Available.String(),
		"correlation_id": correlationIdFromContextOrNew(tx.Statement.Context),
	}).Warn("GE request denied: insufficient budget")
	return nil
}
