// internal/workers/pipeline/move-application-stage/config.go
package moveapplicationstage

import (
	"time"

	"crm-pipeline/internal/common/config"
)

type Config struct {
	Timeout time.Duration
	// DefaultActor is recorded on the activity row when the job carries no actor.
	DefaultActor string
}

func LoadConfig(wcfg config.WorkerConfig) *Config {
	timeout := config.GetDuration(wcfg.Timeout)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Config{
		Timeout:      timeout,
		DefaultActor: "zeebe:" + TaskType,
	}
}
