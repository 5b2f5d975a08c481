package models

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

type GERequestStatus string

const (
	GERequestStatusDraft                    GERequestStatus = "Draft"
	GERequestStatusPendingManagerReview     GERequestStatus = "PendingManagerReview"
	GERequestStatusPendingSeniorApproval    GERequestStatus = "PendingSeniorApproval"
	GERequestStatusPendingExecutiveApproval GERequestStatus = "PendingExecutiveApproval"
	GERequestStatusQueried                  GERequestStatus = "Queried"
	GERequestStatusResubmitted              GERequestStatus = "Resubmitted"
	GERequestStatusApproved                 GERequestStatus = "Approved"
	GERequestStatusDenied                   GERequestStatus = "Denied"
)

// IsSubmitted is true while the request sits at an approval stage.
func (s GERequestStatus) IsSubmitted() bool {
	if s == GERequestStatusResubmitted {
		return true
	}
	for _, d := range stageCatalog {
		if d.Pending == s {
			return true
		}
	}
	return false
}

func (s GERequestStatus) IsTerminal() bool {
	return s == GERequestStatusApproved || s == GERequestStatusDenied
}

type GEDecision string

const (
	GEDecisionSubmit   GEDecision = "Submit"
	GEDecisionApprove  GEDecision = "Approve"
	GEDecisionQuery    GEDecision = "Query"
	GEDecisionDeny     GEDecision = "Deny"
	GEDecisionResubmit GEDecision = "Resubmit"
	GEDecisionAutoDeny GEDecision = "AutoDeny"
)

type GERequest struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	RequestNumber string              `gorm:"size:30;not null;uniqueIndex" json:"request_number"`
	RequesterId   int                 `gorm:"index;not null" json:"requester_id"`
	RequesterName string              `gorm:"size:100" json:"requester_name"`
	CostCentreId  string              `gorm:"size:50;not null" json:"cost_centre_id"`
	BudgetLineId  int                 `gorm:"index;not null" json:"budget_line_id"`
	RequestType   RequestType         `gorm:"size:20;not null" json:"request_type"`
	Title         string              `gorm:"size:200;not null" json:"title"`
	Description   string              `gorm:"type:text" json:"description"`
	Payee         string              `gorm:"size:200" json:"payee"`
	Amount        decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Status        GERequestStatus     `gorm:"size:40;index;not null" json:"status"`
	CurrentStage  int                 `gorm:"not null;default:0" json:"current_stage"`
	Cycle         int                 `gorm:"not null;default:0" json:"cycle"`
	SubmittedAt   *time.Time          `json:"submitted_at"`
	DecidedAt     *time.Time          `json:"decided_at"`
	Version       int                 `gorm:"not null;default:1" json:"version"`
	Stages        []GERequestStage    `gorm:"foreignKey:GERequestId" json:"stages,omitempty"`
	Approvals     []GERequestApproval `gorm:"foreignKey:GERequestId" json:"approvals,omitempty"`
	Attachments   []Document          `gorm:"polymorphic:Reference;polymorphicValue:GERequest" json:"attachments,omitempty"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GERequest) TableName() string { return "ge_requests" }

// GERequestStage is the route skeleton materialized at submission, one set per cycle.
type GERequestStage struct {
	ID          int           `gorm:"primary_key" json:"id"`
	GERequestId int           `gorm:"not null;index:idx_ge_request_stage_cycle,priority:1" json:"ge_request_id"`
	Cycle       int           `gorm:"not null;index:idx_ge_request_stage_cycle,priority:2" json:"cycle"`
	Sequence    int           `gorm:"not null" json:"sequence"`
	Stage       ApprovalStage `gorm:"size:30;not null" json:"stage"`
	Role        Role          `gorm:"size:30;not null" json:"role"`
	Decision    GEDecision    `gorm:"size:20" json:"decision"`
	ActorId     *int          `json:"actor_id"`
	ActorName   string        `gorm:"size:100" json:"actor_name"`
	DecidedAt   *time.Time    `json:"decided_at"`
}

func (GERequestStage) TableName() string { return "ge_request_stages" }

// GERequestApproval is the append-only approval history.
type GERequestApproval struct {
	ID          int        `gorm:"primary_key" json:"id"`
	GERequestId int        `gorm:"index;not null" json:"ge_request_id"`
	Cycle       int        `gorm:"not null" json:"cycle"`
	Stage       string     `gorm:"size:30" json:"stage"`
	ActorId     int        `gorm:"not null" json:"actor_id"`
	ActorName   string     `gorm:"size:100" json:"actor_name"`
	Decision    GEDecision `gorm:"size:20;not null" json:"decision"`
	Comment     string     `gorm:"type:text" json:"comment"`
	IsSystem    bool       `gorm:"not null;default:false" json:"is_system"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (GERequestApproval) TableName() string { return "ge_request_approvals" }

type NewGERequest struct {
	BudgetLineId int             `json:"budget_line_id" validate:"required,gt=0"`
	RequestType  RequestType     `json:"request_type" validate:"required"`
	Title        string          `json:"title" validate:"required,max=200"`
	Description  string          `json:"description"`
	Payee        string          `json:"payee" validate:"max=200"`
	Amount       decimal.Decimal `json:"amount"`
}

// UpdateGERequestInput carries only the fields being changed.
type UpdateGERequestInput struct {
	BudgetLineId *int             `json:"budget_line_id"`
	RequestType  *RequestType     `json:"request_type"`
	Title        *string          `json:"title"`
	Description  *string          `json:"description"`
	Payee        *string          `json:"payee"`
	Amount       *decimal.Decimal `json:"amount"`
}

type GERequestFilter struct {
	Status       GERequestStatus
	RequesterId  int
	BudgetLineId int
}

func (input *NewGERequest) validate() error {
	input.Title = strings.TrimSpace(input.Title)
	if err := utils.ValidateStruct(input); err != nil {
		return toValidationError(err)
	}
	if !input.RequestType.IsValid() {
		return newValidationError("request_type", "unknown request type")
	}
	if input.Amount.IsNegative() {
		return newValidationError("amount", "must not be negative")
	}
	return nil
}

func findBudgetLineForRequest(tx *gorm.DB, budgetLineId int) (*BudgetLine, error) {
	var line BudgetLine
	if err := tx.First(&line, budgetLineId).Error; err != nil {
		if utils.NotFoundOr(err) == utils.ErrorRecordNotFound {
			return nil, newValidationError("budget_line_id", "budget line does not exist")
		}
		return nil, err
	}
	return &line, nil
}

func CreateGERequest(ctx context.Context, actor Actor, input *NewGERequest) (*GERequest, error) {
	if !actor.HasRole(RoleRequester) {
		return nil, &InvalidTransitionError{Entity: "GERequest", Action: "Create", From: "None", Reason: "requires role Requester"}
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	var req GERequest
	err := runCommand(ctx, "GERequest.Create", actor, func(tx *gorm.DB) error {
		line, err := findBudgetLineForRequest(tx, input.BudgetLineId)
		if err != nil {
			return err
		}
		number, err := nextDocumentNumber(tx, NumberSeriesGERequest, line.FiscalYear)
		if err != nil {
			return err
		}
		req = GERequest{
			RequestNumber: number,
			RequesterId:   actor.Id,
			RequesterName: actor.Name,
			CostCentreId:  line.CostCentreId,
			BudgetLineId:  line.ID,
			RequestType:   input.RequestType,
			Title:         input.Title,
			Description:   input.Description,
			Payee:         strings.TrimSpace(input.Payee),
			Amount:        input.Amount,
			Status:        GERequestStatusDraft,
			Version:       1,
		}
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		return createHistory(tx, actor, HistoryActionCreate, "GERequest", req.ID, nil, &req, "GE request "+req.RequestNumber+" drafted")
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// UpdateGERequest edits a request owned by its requester. Drafts accept any field; a queried
// request keeps its amount, type and budget line because its route was fixed at submission.
func UpdateGERequest(ctx context.Context, id int, actor Actor, input *UpdateGERequestInput) (*GERequest, error) {
	err := runCommand(ctx, "GERequest.Update", actor, func(tx *gorm.DB) error {
		req, err := lockGERequest(tx, id)
		if err != nil {
			return err
		}
		if err := requireRequesterEditable(req, actor, "Update"); err != nil {
			return err
		}

		fields := map[string]interface{}{}
		if input.Title != nil {
			title := strings.TrimSpace(*input.Title)
			if title == "" || len(title) > 200 {
				return newValidationError("title", "must be 1 to 200 characters")
			}
			fields["title"] = title
		}
		if input.Description != nil {
			fields["description"] = *input.Description
		}
		if input.Payee != nil {
			fields["payee"] = strings.TrimSpace(*input.Payee)
		}

		frozen := req.Status != GERequestStatusDraft
		if input.Amount != nil && !input.Amount.Equal(req.Amount) {
			if frozen {
				return newValidationError("amount", "cannot change after submission")
			}
			if input.Amount.IsNegative() {
				return newValidationError("amount", "must not be negative")
			}
			fields["amount"] = *input.Amount
		}
		if input.RequestType != nil && *input.RequestType != req.RequestType {
			if frozen {
				return newValidationError("request_type", "cannot change after submission")
			}
			if !input.RequestType.IsValid() {
				return newValidationError("request_type", "unknown request type")
			}
			fields["request_type"] = *input.RequestType
		}
		if input.BudgetLineId != nil && *input.BudgetLineId != req.BudgetLineId {
			if frozen {
				return newValidationError("budget_line_id", "cannot change after submission")
			}
			line, err := findBudgetLineForRequest(tx, *input.BudgetLineId)
			if err != nil {
				return err
			}
			fields["budget_line_id"] = line.ID
			fields["cost_centre_id"] = line.CostCentreId
		}
		if len(fields) == 0 {
			return nil
		}

		before := *req
		if err := updateGERequestGuarded(tx, req, "Update", fields); err != nil {
			return err
		}
		return createHistory(tx, actor, HistoryActionUpdate, "GERequest", req.ID, &before, req, "GE request edited")
	})
	if err != nil {
		return nil, err
	}
	return GetGERequest(ctx, id)
}

func AddGERequestAttachment(ctx context.Context, id int, actor Actor, input *NewDocument) (*Document, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}
	var doc Document
	err := runCommand(ctx, "GERequest.AddAttachment", actor, func(tx *gorm.DB) error {
		req, err := lockGERequest(tx, id)
		if err != nil {
			return err
		}
		if err := requireRequesterEditable(req, actor, "AddAttachment"); err != nil {
			return err
		}
		doc = Document{
			ReferenceType: "GERequest",
			ReferenceID:   req.ID,
			Kind:          input.Kind,
			DocumentUrl:   input.DocumentUrl,
			FileName:      input.FileName,
			UploadedBy:    actor.Id,
		}
		if err := tx.Create(&doc).Error; err != nil {
			return err
		}
		return createHistory(tx, actor, HistoryActionUpdate, "GERequest", req.ID, nil, &doc, "Attached "+string(doc.Kind)+" document")
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func requireRequesterEditable(req *GERequest, actor Actor, action string) error {
	if req.Status != GERequestStatusDraft && req.Status != GERequestStatusQueried {
		return &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: action, Reason: "only Draft or Queried requests can be edited"}
	}
	if actor.Id != req.RequesterId {
		return &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: action, Reason: "only the requester can edit"}
	}
	return nil
}

func GetGERequest(ctx context.Context, id int) (*GERequest, error) {
	var req GERequest
	err := config.GetDB().WithContext(ctx).
		Preload("Stages", func(db *gorm.DB) *gorm.DB { return db.Order("cycle, sequence") }).
		Preload("Approvals", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&req, id).Error
	if err != nil {
		return nil, utils.NotFoundOr(err)
	}
	return &req, nil
}

func ListGERequests(ctx context.Context, filter GERequestFilter) ([]*GERequest, error) {
	var results []*GERequest
	dbCtx := config.GetDB().WithContext(ctx)
	if filter.Status != "" {
		dbCtx = dbCtx.Where("status = ?", filter.Status)
	}
	if filter.RequesterId > 0 {
		dbCtx = dbCtx.Where("requester_id = ?", filter.RequesterId)
	}
	if filter.BudgetLineId > 0 {
		dbCtx = dbCtx.Where("budget_line_id = ?", filter.BudgetLineId)
	}
	if err := dbCtx.Order("id DESC").Limit(config.SearchLimit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func lockGERequest(tx *gorm.DB, id int) (*GERequest, error) {
	var req GERequest
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&req, id).Error; err != nil {
		return nil, utils.NotFoundOr(err)
	}
	return &req, nil
}

// updateGERequestGuarded writes fields only if nobody moved the request since it was read,
// then refreshes req in place.
func updateGERequestGuarded(tx *gorm.DB, req *GERequest, action GEDecision, fields map[string]interface{}) error {
	fields["version"] = gorm.Expr("version + 1")
	res := tx.Model(&GERequest{}).
		Where("id = ? AND version = ? AND status = ?", req.ID, req.Version, req.Status).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: string(action), Reason: "request was changed concurrently"}
	}
	var fresh GERequest
	if err := tx.First(&fresh, req.ID).Error; err != nil {
		return err
	}
	*req = fresh
	return nil
}

func loadAttachments(tx *gorm.DB, requestId int) ([]Document, error) {
	var docs []Document
	err := tx.Where("reference_type = ? AND reference_id = ?", "GERequest", requestId).Order("id").Find(&docs).Error
	return docs, err
}

func loadStages(tx *gorm.DB, requestId int, cycle int) ([]GERequestStage, error) {
	var stages []GERequestStage
	err := tx.Where("ge_request_id = ? AND cycle = ?", requestId, cycle).Order("sequence").Find(&stages).Error
	return stages, err
}

func geRequestEvent(req *GERequest) map[string]interface{} {
	return map[string]interface{}{
		"request_number": req.RequestNumber,
		"title":          req.Title,
		"amount":         req.Amount.String(),
		"status":         req.Status,
		"requester_id":   req.RequesterId,
		"cycle":          req.Cycle,
	}
}
