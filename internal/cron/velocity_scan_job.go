package cron

import (
	"context"
	"fmt"

	"github.com/triproam/settlement-engine/internal/affiliate"
	"github.com/triproam/settlement-engine/pkg/logger"
)

type velocityFlagSource interface {
	VelocityFlags(ctx context.Context) ([]affiliate.VelocityFlag, error)
}

// VelocityScanJobParams configure the referral velocity scan.
type VelocityScanJobParams struct {
	Logger     *logger.Logger
	Affiliates velocityFlagSource
}

// NewVelocityScanJob builds the job that surfaces abnormal referral
// velocity for manual review. It only reports; no attribution or
// commission is ever voided automatically.
func NewVelocityScanJob(params VelocityScanJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Affiliates == nil {
		return nil, fmt.Errorf("affiliate service required")
	}
	return &velocityScanJob{
		logg:       params.Logger,
		affiliates: params.Affiliates,
	}, nil
}

type velocityScanJob struct {
	logg       *logger.Logger
	affiliates velocityFlagSource
}

func (j *velocityScanJob) Name() string { return "referral-velocity-scan" }

func (j *velocityScanJob) Run(ctx context.Context) error {
	flags, err := j.affiliates.VelocityFlags(ctx)
	if err != nil {
		return fmt.Errorf("velocity scan: %w", err)
	}

	for _, flag := range flags {
		flagCtx := j.logg.WithFields(ctx, map[string]any{
			"kind":  flag.Kind,
			"key":   flag.Key,
			"count": flag.Count,
		})
		j.logg.Warn(flagCtx, "referral velocity flagged for review")
	}

	logCtx := j.logg.WithField(ctx, "flags", len(flags))
	j.logg.Info(logCtx, "referral velocity scan complete")
	return nil
}
