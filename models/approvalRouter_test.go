package models

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/ge_backend/config"
)

var testPolicy = config.ApprovalPolicy{
	ExecutiveThreshold:   decimal.NewFromInt(50000),
	QuoteThreshold:       decimal.NewFromInt(10000),
	QuotesAboveThreshold: 3,
}

func TestRouteWithPolicy(t *testing.T) {
	twoStage := []ApprovalStage{StageManager, StageSeniorApprover}
	threeStage := []ApprovalStage{StageManager, StageSeniorApprover, StageExecutiveApprover}

	cases := []struct {
		name   string
		amount int64
		typ    RequestType
		want   []ApprovalStage
	}{
		{"small goods", 4800, RequestTypeGoods, twoStage},
		{"at threshold", 50000, RequestTypeServices, twoStage},
		{"above threshold", 50001, RequestTypeServices, threeStage},
		{"small capital", 100, RequestTypeCapital, threeStage},
	}
	for _, tc := range cases {
		got := RouteWithPolicy(decimal.NewFromInt(tc.amount), tc.typ, testPolicy)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestRouteWithPolicy_IsPure(t *testing.T) {
	a := RouteWithPolicy(decimal.NewFromInt(60000), RequestTypeGoods, testPolicy)
	a[0] = StageExecutiveApprover
	b := RouteWithPolicy(decimal.NewFromInt(60000), RequestTypeGoods, testPolicy)
	if b[0] != StageManager {
		t.Fatalf("route result shares state between calls")
	}
}

func TestQuotesRequiredWithPolicy(t *testing.T) {
	cases := []struct {
		typ    RequestType
		amount int64
		want   int
	}{
		{RequestTypeGoods, 4800, 1},
		{RequestTypeGoods, 10001, 3},
		{RequestTypeWorks, 20000, 3},
		{RequestTypeServices, 90000, 1},
		{RequestTypeTravel, 90000, 0},
	}
	for _, tc := range cases {
		if got := QuotesRequiredWithPolicy(tc.typ, decimal.NewFromInt(tc.amount), testPolicy); got != tc.want {
			t.Fatalf("%s %d: expected %d quotes, got %d", tc.typ, tc.amount, tc.want, got)
		}
	}
}

func TestStageCatalogCoversRoute(t *testing.T) {
	for _, s := range []ApprovalStage{StageManager, StageSeniorApprover, StageExecutiveApprover} {
		if _, ok := stageDef(s); !ok {
			t.Fatalf("stage %s missing from catalog", s)
		}
	}
}
