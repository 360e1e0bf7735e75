// Package export renders a checklist as a flattened table for
// spreadsheet-style consumption: one row per question and answer
// option, with the selected option flagged and the resolved answer
// repeated on every row of its question. Presentation only; nothing
// here feeds back into scoring.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
)

// Row is one option cell of the flattened view.
type Row struct {
	Checklist string `json:"checklist"`
	Reviewer  string `json:"reviewer"`
	Domain    string `json:"domain"`
	Question  string `json:"question"`
	Column    string `json:"column"`
	Option    string `json:"option"`
	Selected  bool   `json:"selected"`
	Answer    string `json:"answer"`
}

// Rows flattens a checklist into option rows over the active domains.
// The stored code is rendered exactly as entered: Not-Applicable stays
// Not-Applicable here even though scoring treats it as No-Information.
// A nil or unrecognized checklist yields no rows.
func Rows(c *model.Checklist, reviewer string) []Row {
	if c == nil {
		return nil
	}
	in, ok := schema.Get(c.Instrument)
	if !ok {
		return nil
	}

	var rows []Row
	for _, d := range in.ActiveDomains(in.Mode(c)) {
		state := c.Domain(d.Key)
		for _, q := range d.Questions {
			var stored *model.Code
			if state != nil {
				if a, ok := state.Answers[q.Key]; ok {
					code := a.Code
					stored = &code
				}
			}
			answer := ""
			if stored != nil {
				answer = schema.CodeLabel(*stored)
			}
			for _, code := range q.Codes {
				rows = append(rows, Row{
					Checklist: c.Name,
					Reviewer:  reviewer,
					Domain:    d.Title,
					Question:  q.Text,
					Column:    string(code),
					Option:    schema.CodeLabel(code),
					Selected:  stored != nil && *stored == code,
					Answer:    answer,
				})
			}
		}
	}
	return rows
}

var csvHeader = []string{"checklist", "reviewer", "domain", "question", "column", "option", "selected", "answer"}

// WriteCSV writes the rows as CSV with a header line.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.Checklist, r.Reviewer, r.Domain, r.Question,
			r.Column, r.Option, strconv.FormatBool(r.Selected), r.Answer,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("export: write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: flush: %w", err)
	}
	return nil
}

// WriteJSON writes the rows as a JSON array.
func WriteJSON(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("export: encode: %w", err)
	}
	return nil
}
