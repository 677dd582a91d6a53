package validation

// MoveRequestSchema describes POST /api/pipeline/move. applicationId and
// toStage presence are checked by the handler so they map to their own error
// codes; the schema only pins types and sizes. Stage names carry no size
// limit here because any unknown stage, however long, is invalid_stage.
var MoveRequestSchema = MustSchema("move-request", `{
  "type": "object",
  "properties": {
    "applicationId": {"type": "string", "maxLength": 128},
    "toStage":       {"type": "string"},
    "expectedStage": {"type": "string"},
    "note":          {"type": "string", "maxLength": 4000},
    "actor":         {"type": "string", "maxLength": 256}
  }
}`)

// CreateApplicationSchema describes POST /api/applications and the
// create-application-record job variables.
var CreateApplicationSchema = MustSchema("create-application", `{
  "type": "object",
  "required": ["businessName", "requestedAmount"],
  "properties": {
    "businessName":    {"type": "string", "minLength": 1, "maxLength": 256},
    "requestedAmount": {"type": "number", "minimum": 0},
    "contactName":     {"type": "string", "maxLength": 256},
    "contactEmail":    {"type": "string", "maxLength": 256},
    "contactPhone":    {"type": "string", "maxLength": 64},
    "actor":           {"type": "string", "maxLength": 256}
  }
}`)
