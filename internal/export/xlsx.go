// Package export writes a completed job's enrichment results to an xlsx
// workbook, one row per business in position order.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

var header = []string{
	"Position", "Name", "Website", "Phone", "Address",
	"Rating", "Review Count", "Review Source",
	"Summary", "Owner", "Search Visibility", "Analysis Status",
}

// WriteJob writes the job's results to path and returns the job with the
// number of rows written. Jobs in any state can be exported; positions
// still being processed are simply absent.
func WriteJob(ctx context.Context, st store.Store, jobID, accountID, path string) (*model.Job, int, error) {
	job, results, err := st.GetJobResultsAfter(ctx, jobID, accountID, -1)
	if err != nil {
		return nil, 0, eris.Wrap(err, fmt.Sprintf("export: load job %s", jobID))
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Results")
	if err != nil {
		return nil, 0, eris.Wrap(err, "export: add sheet")
	}

	headerRow := sheet.AddRow()
	for _, h := range header {
		headerRow.AddCell().SetString(h)
	}

	for _, res := range results {
		var enr model.Enrichment
		if err := json.Unmarshal(res.Payload, &enr); err != nil {
			return nil, 0, eris.Wrap(err, fmt.Sprintf("export: decode result %d", res.Position))
		}
		addResultRow(sheet, res.Position, enr)
	}

	if err := f.Save(path); err != nil {
		return nil, 0, eris.Wrap(err, fmt.Sprintf("export: save %s", path))
	}
	return job, len(results), nil
}

func addResultRow(sheet *xlsx.Sheet, position int, enr model.Enrichment) {
	row := sheet.AddRow()
	row.AddCell().SetInt(position)
	row.AddCell().SetString(enr.Business.Name)
	row.AddCell().SetString(enr.Business.Website)
	row.AddCell().SetString(enr.Business.Phone)
	row.AddCell().SetString(enr.Business.FullAddress())

	if enr.Review.Defaulted {
		row.AddCell().SetString("")
		row.AddCell().SetString("")
		row.AddCell().SetString("unavailable")
	} else {
		row.AddCell().SetFloat(enr.Review.Rating)
		row.AddCell().SetInt(enr.Review.ReviewCount)
		row.AddCell().SetString(enr.Review.Source)
	}

	row.AddCell().SetString(enr.Fields.Summary)
	row.AddCell().SetString(enr.Fields.OwnerName)
	row.AddCell().SetString(enr.Fields.SearchVisibility)
	if enr.Fields.Failed {
		row.AddCell().SetString("failed")
	} else {
		row.AddCell().SetString("ok")
	}
}

// Filename suggests an export filename for a job.
func Filename(job *model.Job) string {
	parts := []string{"leads"}
	if job.Category != "" {
		parts = append(parts, strings.ReplaceAll(job.Category, " ", "-"))
	}
	parts = append(parts, job.ID[:8])
	return strings.Join(parts, "-") + ".xlsx"
}
