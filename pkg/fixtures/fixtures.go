// pkg/fixtures/fixtures.go
package fixtures

import (
	"fmt"
	"os"
	"strings"

	"crm-pipeline/internal/models"

	"gopkg.in/yaml.v3"
)

// File is a seed fixture document.
type File struct {
	Version      string        `yaml:"version"`
	Applications []Application `yaml:"applications"`
}

// Application is one seeded application and the stage it should end up in.
type Application struct {
	BusinessName    string  `yaml:"businessName"`
	RequestedAmount float64 `yaml:"requestedAmount"`
	ContactName     string  `yaml:"contactName"`
	ContactEmail    string  `yaml:"contactEmail"`
	ContactPhone    string  `yaml:"contactPhone"`
	Stage           string  `yaml:"stage"`
	Note            string  `yaml:"note"`
}

// NewApplication converts the fixture into an intake request.
func (a Application) NewApplication(actor string) models.NewApplication {
	return models.NewApplication{
		BusinessName:    a.BusinessName,
		RequestedAmount: a.RequestedAmount,
		ContactName:     a.ContactName,
		ContactEmail:    a.ContactEmail,
		ContactPhone:    a.ContactPhone,
		Actor:           actor,
	}
}

// TargetStage returns the parsed stage, New when none is given.
func (a Application) TargetStage() (models.Stage, bool) {
	if strings.TrimSpace(a.Stage) == "" {
		return models.StageNew, true
	}
	return models.ParseStage(a.Stage)
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	return &f, nil
}

// Validate reports the first problem found in the fixture set.
func (f *File) Validate() error {
	if len(f.Applications) == 0 {
		return fmt.Errorf("fixtures contain no applications")
	}

	seen := make(map[string]bool)
	for i, app := range f.Applications {
		if strings.TrimSpace(app.BusinessName) == "" {
			return fmt.Errorf("application %d missing required field: businessName", i)
		}
		if app.RequestedAmount < 0 {
			return fmt.Errorf("application %q has negative requestedAmount", app.BusinessName)
		}
		if _, ok := app.TargetStage(); !ok {
			return fmt.Errorf("application %q has unknown stage %q", app.BusinessName, app.Stage)
		}
		key := strings.ToLower(app.BusinessName) + "|" + strings.ToLower(app.ContactEmail)
		if seen[key] {
			return fmt.Errorf("duplicate application: %s", app.BusinessName)
		}
		seen[key] = true
	}
	return nil
}
