package deadlines

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medrex/clinic-timeline/pkg/interfaces"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/monitoring"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// FallbackPatientName is used when the patient directory cannot resolve a name
const FallbackPatientName = "patient"

// Calculator computes a cascade, labels it and stores it as the patient's deadline set
type Calculator struct {
	repo     interfaces.DeadlineRepository
	patients interfaces.PatientDirectory
	metrics  *monitoring.MetricsCollector
	logger   *logrus.Entry
	now      func() time.Time
}

// NewCalculator creates a new cascade calculator
func NewCalculator(repo interfaces.DeadlineRepository, patients interfaces.PatientDirectory, log *logger.Logger, metrics *monitoring.MetricsCollector) *Calculator {
	return &Calculator{
		repo:     repo,
		patients: patients,
		metrics:  metrics,
		logger:   log.WithComponent("deadlines"),
		now:      time.Now,
	}
}

// Run computes and upserts the deadline set for anchor. Warnings describe
// degraded output that was still stored.
func (c *Calculator) Run(ctx context.Context, anchor AnchorEvent) (*types.DeadlineSet, []string, error) {
	set, warnings, err := c.run(ctx, anchor)
	if c.metrics != nil {
		c.metrics.RecordCascade(string(anchor.Kind), err == nil)
	}
	return set, warnings, err
}

func (c *Calculator) run(ctx context.Context, anchor AnchorEvent) (*types.DeadlineSet, []string, error) {
	if anchor.PatientRef == "" {
		return nil, nil, types.NewValidationError(types.ErrCodeInvalidInput, "patient_ref is required", nil)
	}

	deadlines, err := ComputeCascade(anchor.Kind, anchor.Date, anchor.PlannedDate)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	name, err := c.patientName(ctx, anchor.PatientRef)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("patient name unavailable, labelled as %q: %v", FallbackPatientName, err))
		name = FallbackPatientName
	}

	for i := range deadlines {
		deadlines[i].Label = deadlines[i].Label + " – " + name
	}

	set := &types.DeadlineSet{
		PatientRef: anchor.PatientRef,
		AnchorKind: anchor.Kind,
		AnchorDate: day(anchor.Date),
		Deadlines:  deadlines,
		Warning:    strings.Join(warnings, "; "),
		UpdatedAt:  c.now().UTC(),
	}
	if anchor.PlannedDate != nil {
		planned := day(*anchor.PlannedDate)
		set.PlannedDate = &planned
	}

	if err := c.repo.Upsert(ctx, set); err != nil {
		return nil, warnings, fmt.Errorf("failed to store deadlines: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"patient_ref": anchor.PatientRef,
		"anchor_kind": anchor.Kind,
		"deadlines":   len(deadlines),
	}).Info("Deadline cascade stored")
	return set, warnings, nil
}

func (c *Calculator) patientName(ctx context.Context, patientRef string) (string, error) {
	if c.patients == nil {
		return "", fmt.Errorf("no patient directory configured")
	}
	name, err := c.patients.DisplayName(ctx, patientRef)
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty display name for %s", patientRef)
	}
	return name, nil
}
