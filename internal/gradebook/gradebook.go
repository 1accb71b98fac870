// Package gradebook exports a quiz's attempts as an XLSX workbook and reads
// free-text grades back from its Pending sheet.
package gradebook

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

const (
	AttemptsSheet = "Attempts"
	PendingSheet  = "Pending"
)

var (
	attemptsHeader = []any{
		"Attempt ID", "User", "Attempt", "Status", "Started", "Submitted",
		"Score", "Total Marks", "Percentage", "Passed", "Expired", "Graded By",
	}
	pendingHeader = []any{
		"Attempt ID", "User", "Attempt", "Submitted", "Question ID", "Question",
		"Max Marks", "Answer", "Marks", "Feedback",
	}
)

// Pending sheet columns read back by ParseGrades.
const (
	colAttemptID  = 0
	colQuestionID = 4
	colMaxMarks   = 6
	colMarks      = 8
	colFeedback   = 9
)

// Export writes every attempt of q to w. The Pending sheet has one row per
// ungraded free-text answer with blank Marks and Feedback columns for a
// grader to fill in.
func Export(w io.Writer, q domain.Quiz, attempts []domain.Attempt) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", AttemptsSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if _, err := f.NewSheet(PendingSheet); err != nil {
		return fmt.Errorf("creating sheet: %w", err)
	}

	if err := f.SetSheetRow(AttemptsSheet, "A1", &attemptsHeader); err != nil {
		return err
	}
	for i, a := range attempts {
		row := []any{
			a.ID, a.UserID, a.Number, string(a.Status), a.StartTime.Format(time.RFC3339), timeCell(a.SubmitTime),
			floatCell(a.Score), a.TotalMarks, floatCell(a.Percentage), a.Passed, a.Expired, a.GradedBy,
		}
		if err := f.SetSheetRow(AttemptsSheet, cell(i+2), &row); err != nil {
			return err
		}
	}

	if err := f.SetSheetRow(PendingSheet, "A1", &pendingHeader); err != nil {
		return err
	}
	next := 2
	for _, a := range attempts {
		if a.Status != domain.AttemptSubmitted || !a.NeedsManualGrading || a.Expired {
			continue
		}
		for _, ans := range a.Answers {
			question, ok := q.Question(ans.QuestionID)
			if !ok || question.Type != domain.QuestionText {
				continue
			}
			row := []any{
				a.ID, a.UserID, a.Number, timeCell(a.SubmitTime), question.ID, question.Text,
				question.Marks, ans.Text, "", "",
			}
			if err := f.SetSheetRow(PendingSheet, cell(next), &row); err != nil {
				return err
			}
			next++
		}
	}

	if err := f.SetColWidth(PendingSheet, "F", "F", 40); err != nil {
		return err
	}
	if err := f.SetColWidth(PendingSheet, "H", "H", 60); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// ParseGrades reads the grader-filled Pending sheet of a workbook produced
// by Export and groups the grades by attempt ID. Rows with a blank Marks
// cell are skipped.
func ParseGrades(r io.Reader) (map[string][]quiz.GradeInput, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, domain.Validationf("reading workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(PendingSheet)
	if err != nil {
		return nil, domain.Validationf("workbook has no %s sheet", PendingSheet)
	}

	grades := make(map[string][]quiz.GradeInput)
	for i, row := range rows {
		if i == 0 {
			continue
		}
		attemptID := column(row, colAttemptID)
		questionID := column(row, colQuestionID)
		raw := column(row, colMarks)
		if attemptID == "" || questionID == "" || raw == "" {
			continue
		}
		marks, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(marks) || math.IsInf(marks, 0) {
			return nil, domain.Validationf("row %d: marks %q is not a number", i+1, raw)
		}
		if limit := column(row, colMaxMarks); limit != "" {
			if most, err := strconv.ParseFloat(limit, 64); err == nil && marks > most {
				return nil, domain.Validationf("row %d: %v marks exceeds the question's %v", i+1, marks, most)
			}
		}
		grades[attemptID] = append(grades[attemptID], quiz.GradeInput{
			QuestionID: questionID,
			Marks:      marks,
			Feedback:   column(row, colFeedback),
		})
	}
	if len(grades) == 0 {
		return nil, domain.Validationf("no grades found in %s sheet", PendingSheet)
	}
	return grades, nil
}

func column(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func cell(row int) string {
	name, _ := excelize.CoordinatesToCellName(1, row)
	return name
}

func timeCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func floatCell(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
