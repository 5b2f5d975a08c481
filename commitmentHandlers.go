package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/ge_backend/models"
)

func listCommitmentsHandler(c *gin.Context) {
	commitments, err := models.ListCommitments(c.Request.Context(), models.CommitmentFilter{
		BudgetLineId: queryInt(c, "budget_line_id"),
		FiscalYear:   queryInt(c, "fiscal_year"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commitments)
}

func getCommitmentHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	commitment, err := models.GetCommitment(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commitment)
}

func cancelCommitmentHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.CancelCommitmentInput
	if !bindJSON(c, &input) {
		return
	}
	commitment, err := models.CancelCommitment(c.Request.Context(), id, actorFrom(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commitment)
}

// createPaymentVoucherHandler honours an optional Idempotency-Key header.
func createPaymentVoucherHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.NewPaymentVoucher
	if !bindJSON(c, &input) {
		return
	}
	voucher, err := models.CreatePaymentVoucher(c.Request.Context(), id, actorFrom(c), &input, c.GetHeader("Idempotency-Key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, voucher)
}
