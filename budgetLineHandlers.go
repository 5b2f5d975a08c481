package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/ge_backend/models"
)

func listBudgetLinesHandler(c *gin.Context) {
	lines, err := models.ListBudgetLines(c.Request.Context(), models.BudgetLineFilter{
		CostCentreId: c.Query("cost_centre_id"),
		FiscalYear:   queryInt(c, "fiscal_year"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lines)
}

func getBudgetLineHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	line, err := models.GetBudgetLine(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

func createBudgetLineHandler(c *gin.Context) {
	var input models.NewBudgetLine
	if !bindJSON(c, &input) {
		return
	}
	line, err := models.CreateBudgetLine(c.Request.Context(), actorFrom(c), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, line)
}
