// Package report exports a user's level progress as a spreadsheet.
package report

import (
	"bytes"
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-quiz/internal/tutorapi"
)

const (
	sheetName   = "Levels"
	fetchLimit  = 4
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var header = []any{"Lesson ID", "Lesson", "Category", "Level", "Status", "Correct", "Required"}

// Source is the part of the tutor API the report reads.
type Source interface {
	Lessons(ctx context.Context) ([]tutorapi.Lesson, error)
	Levels(ctx context.Context, lessonID int) ([]tutorapi.LevelStatus, error)
}

// Row is one level of one lesson.
type Row struct {
	Lesson tutorapi.Lesson
	Level  tutorapi.LevelStatus
}

// Status is the human-readable state of the level.
func (r Row) Status() string {
	switch {
	case r.Level.IsCompleted:
		return "completed"
	case r.Level.IsUnlocked:
		return "open"
	default:
		return "locked"
	}
}

// Collect fetches every lesson's levels, a few lessons at a time. Rows keep the lesson order.
func Collect(ctx context.Context, src Source) ([]Row, error) {
	lessons, err := src.Lessons(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch lessons: %w", err)
	}

	// Each goroutine writes only its own index.
	perLesson := make([][]tutorapi.LevelStatus, len(lessons))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchLimit)
	for i, lesson := range lessons {
		g.Go(func() error {
			levels, err := src.Levels(gctx, lesson.ID)
			if err != nil {
				return fmt.Errorf("fetch levels of lesson %d: %w", lesson.ID, err)
			}
			perLesson[i] = levels
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rows []Row
	for i, lesson := range lessons {
		for _, lvl := range perLesson[i] {
			rows = append(rows, Row{Lesson: lesson, Level: lvl})
		}
	}
	return rows, nil
}

// LevelsWorkbook builds an xlsx workbook with one row per lesson level.
func LevelsWorkbook(ctx context.Context, src Source) ([]byte, error) {
	rows, err := Collect(ctx, src)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		name := r.Level.DisplayName
		if name == "" {
			name = r.Level.Level
		}
		values := []any{r.Lesson.ID, r.Lesson.Title, r.Lesson.Category, name, r.Status(), r.Level.CorrectCount, r.Level.RequiredCount}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
