package lookup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/pkg/option"
)

// Patients looks up patient records
type Patients struct {
	source PatientSource
	logger *zap.Logger
}

// NewPatients creates a patient lookup over source
func NewPatients(source PatientSource, logger *zap.Logger) *Patients {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Patients{source: source, logger: logger}
}

// FetchPatient queries the directory once and classifies the outcome
func (p *Patients) FetchPatient(ctx context.Context, id patient.ID) option.Option[patient.Patient] {
	ctx, span := startSpan(ctx, "fetch_patient", id)

	var result option.Option[patient.Patient]
	raw, err := p.source.GetPatient(ctx, id)
	if err != nil {
		result = option.NoneWithDetail[patient.Patient](option.ServiceUnavailable, "%v", err)
	} else {
		result = decode(raw, func(v patient.Patient) error {
			if v.ID != id {
				return fmt.Errorf("directory returned patient %d for id %d", v.ID, id)
			}
			return v.Validate()
		})
	}

	endSpan(span, result)
	logAbsent(p.logger, "patient", id, result)
	return result
}
