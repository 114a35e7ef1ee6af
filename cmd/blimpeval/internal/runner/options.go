// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/catalogue"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/evaluator"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/util"
)

// optionsValidate is the validator instance for run options.
// Field names in errors come from the `name` tag so they match the CLI.
var optionsValidate *validator.Validate

func init() {
	optionsValidate = validator.New()
	optionsValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("name"); name != "" {
			return name
		}
		return f.Name
	})
}

// Options is one worker's invocation.
type Options struct {
	// ModelPath is the model directory and the result root.
	ModelPath string `name:"model_path" validate:"required"`

	// Backend is the parsed model architecture.
	Backend evaluator.Backend `name:"model_type" validate:"required"`

	// Selector is a group name or catalogue.SelectAll.
	Selector string `name:"tasks" validate:"required"`

	// Device is passed to the evaluator verbatim.
	Device string `name:"device" validate:"required"`

	TrustRemoteCode bool `name:"trust_remote_code"`

	// WorkerIndex and WorkerCount select this worker's share.
	WorkerIndex int `name:"process_index" validate:"gte=0,ltfield=WorkerCount"`
	WorkerCount int `name:"world_size" validate:"gte=1"`

	// DryRun evaluates at most one task.
	DryRun bool `name:"dry_run"`

	NumFewshot int `name:"num_fewshot" validate:"gte=0"`

	// Seed is passed to every evaluation. Default: evaluator.DefaultSeed.
	Seed int `name:"seed"`

	// RunAnalysis runs the surprisal analysis after the task loop.
	RunAnalysis bool `name:"run_aoa"`

	// AnalysisBatchSize is the analysis batch size. Default: 32.
	AnalysisBatchSize int `name:"batch_size" validate:"gt=0"`

	// RunID tags logs, the journal, and exported points.
	RunID string `name:"run_id"`
}

// DefaultOptions returns options for a single worker evaluating every task
// on cuda.
func DefaultOptions() Options {
	return Options{
		Selector:          catalogue.SelectAll,
		Device:            "cuda",
		WorkerIndex:       0,
		WorkerCount:       1,
		Seed:              evaluator.DefaultSeed,
		AnalysisBatchSize: evaluator.DefaultAnalysisBatchSize,
	}
}

// Validate checks opts against reg.
//
// Description:
//
//	Struct tags cover ranges; the selector is checked against the registry.
//	The first violation is returned as a ConfigurationError whose Field is
//	the option's CLI name.
//
// Outputs:
//
//	error - *util.ConfigurationError, or nil.
func (o Options) Validate(reg *catalogue.Registry) error {
	if err := optionsValidate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return toConfigurationError(verrs[0])
		}
		return util.NewConfigurationError("options", "", util.ErrInvalidOption, err.Error())
	}
	if reg != nil {
		if _, err := reg.Select(o.Selector); err != nil {
			return err
		}
	}
	return nil
}

func toConfigurationError(fe validator.FieldError) *util.ConfigurationError {
	value := fmt.Sprint(fe.Value())
	switch fe.Field() {
	case "process_index", "world_size":
		reason := "worker count must be at least 1"
		if fe.Field() == "process_index" {
			reason = "must satisfy 0 <= process_index < world_size"
		}
		return util.NewConfigurationError(fe.Field(), value, util.ErrWorkerRange, reason)
	}

	reason := fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return util.NewConfigurationError(fe.Field(), value, util.ErrInvalidOption, "failed "+reason)
}
