// import-budget loads approved budget lines from an .xlsx workbook.
//
// Expected header row (case-insensitive, any column order):
//
//	cost_centre_id | fiscal_year | line_code | description | original_amount
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/import-budget -file budget.xlsx
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/models"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

var requiredColumns = []string{"cost_centre_id", "fiscal_year", "line_code", "original_amount"}

type rowError struct {
	Row int
	Err error
}

func (e rowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

// parseBudgetSheet reads every data row of sheet. Rows that cannot be parsed are reported
// and skipped; blank rows are ignored.
func parseBudgetSheet(f *excelize.File, sheet string) ([]models.NewBudgetLine, []error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, []error{err}
	}
	if len(rows) == 0 {
		return nil, []error{fmt.Errorf("sheet %q is empty", sheet)}
	}

	cols := map[string]int{}
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, []error{fmt.Errorf("missing column %q", c)}
		}
	}
	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var lines []models.NewBudgetLine
	var errs []error
	for n, row := range rows[1:] {
		rowNum := n + 2
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}
		year, err := strconv.Atoi(cell(row, "fiscal_year"))
		if err != nil {
			errs = append(errs, rowError{rowNum, fmt.Errorf("fiscal_year: %w", err)})
			continue
		}
		amount, err := utils.ParseAmount(cell(row, "original_amount"))
		if err != nil {
			errs = append(errs, rowError{rowNum, fmt.Errorf("original_amount: %w", err)})
			continue
		}
		lines = append(lines, models.NewBudgetLine{
			CostCentreId:   cell(row, "cost_centre_id"),
			FiscalYear:     year,
			LineCode:       cell(row, "line_code"),
			Description:    cell(row, "description"),
			OriginalAmount: amount,
		})
	}
	return lines, errs
}

func main() {
	path := flag.String("file", "", "Path to the .xlsx workbook")
	sheet := flag.String("sheet", "", "Sheet name (defaults to the first sheet)")
	dryRun := flag.Bool("dry-run", false, "Parse and validate only")
	flag.Parse()

	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		os.Exit(2)
	}
	f, err := excelize.OpenFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open workbook: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	if *sheet == "" {
		*sheet = f.GetSheetName(0)
	}

	lines, errs := parseBudgetSheet(f, *sheet)
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, e)
	}
	fmt.Printf("parsed %d budget lines (%d rows rejected)\n", len(lines), len(errs))
	if *dryRun {
		return
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	actor := models.Actor{Id: 0, Name: "ImportBudget", Roles: []models.Role{models.RoleAdmin}}
	ctx := models.ContextWithActor(context.Background(), actor)
	var created, failed int
	for i := range lines {
		line, err := models.CreateBudgetLine(ctx, actor, &lines[i])
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s/%d/%s: %v\n", lines[i].CostCentreId, lines[i].FiscalYear, lines[i].LineCode, err)
			continue
		}
		created++
		fmt.Printf("created budget line %d (%s %s)\n", line.ID, line.CostCentreId, line.LineCode)
	}
	fmt.Printf("done: created=%d failed=%d\n", created, failed)
	if failed > 0 || len(errs) > 0 {
		os.Exit(1)
	}
}
