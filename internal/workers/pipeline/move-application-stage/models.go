// internal/workers/pipeline/move-application-stage/models.go
package moveapplicationstage

type Input struct {
	ApplicationID string `json:"applicationId"`
	ToStage       string `json:"toStage"`
	ExpectedStage string `json:"expectedStage,omitempty"`
	Note          string `json:"note,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

type Output struct {
	Changed bool   `json:"changed"`
	Stage   string `json:"stage"`
}
