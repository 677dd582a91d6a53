// internal/workers/application/create-application-record/config.go
package createapplicationrecord

import (
	"time"

	"crm-pipeline/internal/common/config"
)

type Config struct {
	Timeout      time.Duration
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
