// internal/pipeline/board.go
package pipeline

import "crm-pipeline/internal/models"

// Card is one application on the board.
type Card struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Amount  float64      `json:"amount"`
	Contact string       `json:"contact"`
	Stage   models.Stage `json:"stage"`
}

// Column is one stage of the board with its aggregates.
type Column struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Count       int     `json:"count"`
	TotalAmount float64 `json:"totalAmount"`
	WIPLimit    int     `json:"wipLimit"`
	Items       []Card  `json:"items"`
}

type Board struct {
	Columns []Column `json:"columns"`
}

// Column returns the column for stage, or nil.
func (b *Board) Column(stage models.Stage) *Column {
	for i := range b.Columns {
		if b.Columns[i].Label == string(stage) {
			return &b.Columns[i]
		}
	}
	return nil
}

// BuildBoard buckets applications into the fixed stage columns. Rows whose
// stage is stored in another spelling ("in_review") are normalized; rows
// with an unknown stage are left off the board and counted in skipped.
func BuildBoard(apps []models.Application, wipLimits map[string]int) (board *Board, skipped int) {
	board = &Board{Columns: make([]Column, len(models.AllStages))}
	for i, s := range models.AllStages {
		board.Columns[i] = Column{
			ID:       s.ID(),
			Label:    s.Label(),
			WIPLimit: wipLimits[s.ID()],
			Items:    []Card{},
		}
	}

	for _, app := range apps {
		stage, ok := models.ParseStage(string(app.Stage))
		if !ok {
			skipped++
			continue
		}
		col := &board.Columns[stage.Index()]
		col.Items = append(col.Items, Card{
			ID:      app.ID,
			Title:   app.BusinessName,
			Amount:  app.RequestedAmount,
			Contact: app.Contact(),
			Stage:   stage,
		})
	}
	board.Recompute()
	return board, skipped
}

// Recompute rebuilds every column's count and total from its items.
func (b *Board) Recompute() {
	for i := range b.Columns {
		col := &b.Columns[i]
		col.Count = len(col.Items)
		col.TotalAmount = 0
		for _, c := range col.Items {
			col.TotalAmount += c.Amount
		}
	}
}

// StageMetric is one entry of the metrics response.
type StageMetric struct {
	Stage  string  `json:"stage"`
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

type Metrics struct {
	Stages      []StageMetric `json:"stages"`
	Total       int           `json:"total"`
	TotalAmount float64       `json:"totalAmount"`
}

// BuildMetrics folds per-stage totals into the fixed stage order. Every
// stage is present, zero when it has no applications.
func BuildMetrics(totals []StageTotal) *Metrics {
	m := &Metrics{Stages: make([]StageMetric, len(models.AllStages))}
	for i, s := range models.AllStages {
		m.Stages[i] = StageMetric{Stage: s.Label()}
	}
	for _, t := range totals {
		stage, ok := models.ParseStage(string(t.Stage))
		if !ok {
			continue
		}
		sm := &m.Stages[stage.Index()]
		sm.Count += t.Count
		sm.Amount += t.Amount
		m.Total += t.Count
		m.TotalAmount += t.Amount
	}
	return m
}
