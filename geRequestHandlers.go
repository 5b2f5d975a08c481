package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/ge_backend/models"
)

func listGERequestsHandler(c *gin.Context) {
	reqs, err := models.ListGERequests(c.Request.Context(), models.GERequestFilter{
		Status:       models.GERequestStatus(c.Query("status")),
		RequesterId:  queryInt(c, "requester_id"),
		BudgetLineId: queryInt(c, "budget_line_id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

func getGERequestHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	req, err := models.GetGERequest(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func createGERequestHandler(c *gin.Context) {
	var input models.NewGERequest
	if !bindJSON(c, &input) {
		return
	}
	req, err := models.CreateGERequest(c.Request.Context(), actorFrom(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func updateGERequestHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.UpdateGERequestInput
	if !bindJSON(c, &input) {
		return
	}
	req, err := models.UpdateGERequest(c.Request.Context(), id, actorFrom(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func addGERequestAttachmentHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.NewDocument
	if !bindJSON(c, &input) {
		return
	}
	doc, err := models.AddGERequestAttachment(c.Request.Context(), id, actorFrom(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func submitGERequestHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	req, err := models.SubmitGERequest(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// decideGERequestHandler records Approve / Query / Deny. When final approval is overturned by
// the budget check the response is 422 and still carries the denied request.
func decideGERequestHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.GEDecisionInput
	if !bindJSON(c, &input) {
		return
	}
	req, err := models.AdvanceGERequest(c.Request.Context(), id, actorFrom(c), &input)
	var ibe *models.InsufficientBudgetError
	if errors.As(err, &ibe) && req != nil {
		status, body := errorBody(err)
		body["ge_request"] = req
		c.JSON(status, body)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func resubmitGERequestHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	req, err := models.ResubmitGERequest(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func createCommitmentHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	commitment, err := models.CreateCommitmentFromApprovedRequest(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, commitment)
}

// historyHandler serves the audit trail of one aggregate.
func historyHandler(referenceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		histories, err := models.GetHistories(c.Request.Context(), referenceType, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, histories)
	}
}

func getRequestCommitmentHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	commitment, err := models.GetCommitmentByRequest(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commitment)
}
