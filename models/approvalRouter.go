package models

import (
	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/ge_backend/config"
)

type RequestType string

const (
	RequestTypeGoods    RequestType = "Goods"
	RequestTypeServices RequestType = "Services"
	RequestTypeWorks    RequestType = "Works"
	RequestTypeTravel   RequestType = "Travel"
	RequestTypeCapital  RequestType = "Capital"
)

func (t RequestType) IsValid() bool {
	switch t {
	case RequestTypeGoods, RequestTypeServices, RequestTypeWorks, RequestTypeTravel, RequestTypeCapital:
		return true
	}
	return false
}

type ApprovalStage string

const (
	StageManager           ApprovalStage = "Manager"
	StageSeniorApprover    ApprovalStage = "SeniorApprover"
	StageExecutiveApprover ApprovalStage = "ExecutiveApprover"
)

type stageDefinition struct {
	Stage   ApprovalStage
	Role    Role
	Pending GERequestStatus
}

// stageCatalog is the single source for stage → role → pending status.
var stageCatalog = []stageDefinition{
	{Stage: StageManager, Role: RoleManager, Pending: GERequestStatusPendingManagerReview},
	{Stage: StageSeniorApprover, Role: RoleSeniorApprover, Pending: GERequestStatusPendingSeniorApproval},
	{Stage: StageExecutiveApprover, Role: RoleExecutiveApprover, Pending: GERequestStatusPendingExecutiveApproval},
}

func stageDef(stage ApprovalStage) (stageDefinition, bool) {
	for _, d := range stageCatalog {
		if d.Stage == stage {
			return d, true
		}
	}
	return stageDefinition{}, false
}

// Route returns the ordered approval stages for a request under the configured policy.
func Route(amount decimal.Decimal, requestType RequestType) []ApprovalStage {
	return RouteWithPolicy(amount, requestType, config.GetApprovalPolicy())
}

// RouteWithPolicy: amount <= threshold goes Manager → SeniorApprover; above the threshold, or
// any Capital request, adds ExecutiveApprover as the final stage.
func RouteWithPolicy(amount decimal.Decimal, requestType RequestType, policy config.ApprovalPolicy) []ApprovalStage {
	route := []ApprovalStage{StageManager, StageSeniorApprover}
	if amount.GreaterThan(policy.ExecutiveThreshold) || requestType == RequestTypeCapital {
		route = append(route, StageExecutiveApprover)
	}
	return route
}

// QuotesRequired is the number of quote attachments a request needs before submission.
func QuotesRequired(requestType RequestType, amount decimal.Decimal) int {
	return QuotesRequiredWithPolicy(requestType, amount, config.GetApprovalPolicy())
}

func QuotesRequiredWithPolicy(requestType RequestType, amount decimal.Decimal, policy config.ApprovalPolicy) int {
	switch requestType {
	case RequestTypeGoods, RequestTypeWorks, RequestTypeCapital:
		if amount.GreaterThan(policy.QuoteThreshold) {
			return policy.QuotesAboveThreshold
		}
		return 1
	case RequestTypeServices:
		return 1
	default:
		return 0
	}
}
