package models

import (
	"context"

	"bitbucket.org/mmdatafocus/ge_backend/appctx"
)

type Role string

const (
	RoleRequester         Role = "Requester"
	RoleManager           Role = "Manager"
	RoleSeniorApprover    Role = "SeniorApprover"
	RoleExecutiveApprover Role = "ExecutiveApprover"
	RoleFinanceClerk      Role = "FinanceClerk"
	RoleFinanceApprover   Role = "FinanceApprover"
	RolePaymentProcessor  Role = "PaymentProcessor"
	RoleBudgetOfficer     Role = "BudgetOfficer"
	RoleAdmin             Role = "Admin"
)

var (
	voucherCreatorRoles   = []Role{RoleFinanceClerk}
	voucherApproverRoles  = []Role{RoleFinanceApprover, RoleSeniorApprover}
	voucherProcessorRoles = []Role{RolePaymentProcessor}
	voucherCancelRoles    = []Role{RoleFinanceClerk, RoleFinanceApprover, RoleSeniorApprover}
	budgetAdminRoles      = []Role{RoleBudgetOfficer, RoleAdmin}
	commitmentCancelRoles = []Role{RoleBudgetOfficer, RoleFinanceApprover}
)

// Actor is the authenticated caller as supplied by the auth service.
type Actor struct {
	Id    int    `json:"id"`
	Name  string `json:"name"`
	Roles []Role `json:"roles"`
}

// SystemActor attributes automatic transitions (auto-deny, scheduled sweeps).
var SystemActor = Actor{Id: 0, Name: "system"}

func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	ctx = appctx.With(ctx, appctx.ContextKeyActor, actor)
	ctx = appctx.With(ctx, appctx.ContextKeyUserId, actor.Id)
	return appctx.With(ctx, appctx.ContextKeyUserName, actor.Name)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	return appctx.Value[Actor](ctx, appctx.ContextKeyActor)
}
