package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/ge_backend/models"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

func listPaymentVouchersHandler(c *gin.Context) {
	vouchers, err := models.ListPaymentVouchers(c.Request.Context(), models.PaymentVoucherFilter{
		CommitmentId: queryInt(c, "commitment_id"),
		Status:       models.PaymentVoucherStatus(c.Query("status")),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, vouchers)
}

func getPaymentVoucherHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	voucher, err := models.GetPaymentVoucher(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, voucher)
}

func approvePaymentVoucherHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	voucher, err := models.ApprovePaymentVoucher(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, voucher)
}

// processPaymentVoucherHandler serializes payments per commitment through Redis when it is
// available; the row locks inside the command decide the outcome either way.
func processPaymentVoucherHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.ProcessPaymentVoucherInput
	if !bindJSON(c, &input) {
		return
	}
	ctx := c.Request.Context()
	current, err := models.GetPaymentVoucher(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	var voucher *models.PaymentVoucher
	err = utils.WithAdvisoryLock(ctx, "lock:commitment", current.CommitmentId, func() error {
		var err error
		voucher, err = models.ProcessPaymentVoucher(ctx, id, actorFrom(c), &input)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, voucher)
}

func cancelPaymentVoucherHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var input models.CancelPaymentVoucherInput
	if !bindJSON(c, &input) {
		return
	}
	voucher, err := models.CancelPaymentVoucher(c.Request.Context(), id, actorFrom(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, voucher)
}
