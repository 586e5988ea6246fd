package reports

import (
	"encoding/json"
	"fmt"
	"time"

	"tai-desktop/internal/models"
)

// ReportResponse is a generation report as served by /ai-reviews and /structured-data
type ReportResponse struct {
	ID             int64                  `json:"id"`
	ArticleID      int64                  `json:"article_id"`
	Status         models.ReportStatus    `json:"status"`
	SourceData     string                 `json:"source_data"`
	StructuredData map[string]interface{} `json:"structured_data"`
	IsActive       bool                   `json:"is_active"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ToReport converts the response into the materialized model for kind
func (r ReportResponse) ToReport(kind models.ReportKind) models.Report {
	status := r.Status
	if status == "" {
		status = models.ReportPending
	}
	report := models.Report{
		ID:        r.ID,
		Kind:      kind,
		ArticleID: r.ArticleID,
		Status:    status,
		IsFinal:   status == models.ReportCompleted,
		UpdatedAt: r.UpdatedAt,
	}
	if kind == models.ReportKindStructuredData {
		report.Data = r.StructuredData
	} else {
		report.Text = r.SourceData
	}
	return report
}

// decodeReports accepts either a single report object or a list of reports
func decodeReports(body []byte) ([]ReportResponse, error) {
	var list []ReportResponse
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var single ReportResponse
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("failed to parse report response: %w", err)
	}
	return []ReportResponse{single}, nil
}

// pickActive returns the article's active report, falling back to the newest one
func pickActive(list []ReportResponse) (ReportResponse, bool) {
	if len(list) == 0 {
		return ReportResponse{}, false
	}
	for _, r := range list {
		if r.IsActive {
			return r, true
		}
	}
	newest := list[0]
	for _, r := range list[1:] {
		if r.CreatedAt.After(newest.CreatedAt) || (r.CreatedAt.Equal(newest.CreatedAt) && r.ID > newest.ID) {
			newest = r
		}
	}
	return newest, true
}
