// internal/workers/application/create-application-record/models.go
package createapplicationrecord

type Input struct {
	BusinessName    string  `json:"businessName"`
	RequestedAmount float64 `json:"requestedAmount"`
	ContactName     string  `json:"contactName"`
	ContactEmail    string  `json:"contactEmail"`
	ContactPhone    string  `json:"contactPhone"`
	Actor           string  `json:"actor"`
}

type Output struct {
	ApplicationID string `json:"applicationId"`
	Stage         string `json:"stage"`
	CreatedAt     string `json:"createdAt"` // ISO 8601
}
