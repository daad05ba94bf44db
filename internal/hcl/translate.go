package hcl

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/backhaul/internal/config"
)

// defaultRetryAttempts bounds per-target transfer retries when a target
// does not configure its own count.
const defaultRetryAttempts = 3

// translateJob converts a decoded job block into the agnostic model,
// applying catalogue defaults.
func (l *Loader) translateJob(s *jobSchema) (*config.Job, error) {
	if len(s.SourcePaths) == 0 {
		return nil, config.Errorf("job %q: source_paths must not be empty", s.Name)
	}
	if s.StagingDir == "" {
		return nil, config.Errorf("job %q: staging_dir is required", s.Name)
	}

	base := s.ArchiveBaseName
	if base == "" {
		base = s.Name
	}
	layout := s.DateStampFormat
	if layout == "" {
		layout = config.DefaultDateStampLayout
	}

	verify := config.VerifyOff
	switch s.Verify {
	case "", string(config.VerifyOff):
	case string(config.VerifyWarn):
		verify = config.VerifyWarn
	case string(config.VerifyGate):
		verify = config.VerifyGate
	default:
		return nil, config.Errorf("job %q: verify must be one of off, warn, gate; got %q", s.Name, s.Verify)
	}

	// Checksums default on; verification depends on the sidecar.
	checksum := true
	if s.Checksum != nil {
		checksum = *s.Checksum
	}
	if verify != config.VerifyOff && !checksum {
		return nil, config.Errorf("job %q: verify requires checksum", s.Name)
	}

	return &config.Job{
		Name:                     s.Name,
		SourcePaths:              s.SourcePaths,
		StagingDir:               s.StagingDir,
		ArchiveBaseName:          base,
		DateStampFormat:          layout,
		DependsOn:                s.DependsOn,
		Targets:                  s.Targets,
		LocalKeepCount:           s.LocalKeepCount,
		DeleteLocalAfterTransfer: s.DeleteLocalAfterTransfer,
		TreatWarningsAsSuccess:   s.TreatWarningsAsSuccess,
		ToleratePartialTransfer:  s.ToleratePartialTransfer,
		UseSnapshot:              s.UseSnapshot,
		Checksum:                 checksum,
		Verify:                   verify,
		SplitSizeMB:              s.SplitSizeMB,
		PreCommand:               s.PreCommand,
		PostCommand:              s.PostCommand,
		Disabled:                 s.Disabled,
	}, nil
}

// translateTarget converts a decoded target block, evaluating the
// free-form settings body into static cty values.
func (l *Loader) translateTarget(s *targetSchema) (*config.Target, error) {
	delay := 10 * time.Second
	if s.RetryDelay != "" {
		d, err := time.ParseDuration(s.RetryDelay)
		if err != nil {
			return nil, config.Errorf("target %q: invalid retry_delay %q: %v", s.Name, s.RetryDelay, err)
		}
		delay = d
	}
	attempts := s.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}

	settings, err := extractSettings(s.Settings)
	if err != nil {
		return nil, config.Errorf("target %q: %v", s.Name, err)
	}

	return &config.Target{
		Name:          s.Name,
		Kind:          s.Kind,
		KeepCount:     s.KeepCount,
		RetryAttempts: attempts,
		RetryDelay:    delay,
		Settings:      settings,
	}, nil
}

// translateSet converts a decoded set block.
func (l *Loader) translateSet(s *setSchema) *config.Set {
	return &config.Set{
		Name:        s.Name,
		Jobs:        s.Jobs,
		StopOnError: s.StopOnError,
	}
}

// extractSettings evaluates every attribute of a settings block with a
// nil evaluation context; catalogue settings are static values, not
// expressions over other blocks.
func extractSettings(block *settingsBlock) (map[string]cty.Value, error) {
	settings := make(map[string]cty.Value)
	if block == nil || block.Body == nil {
		return settings, nil
	}
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(&hcl.EvalContext{})
		if diags.HasErrors() {
			return nil, diags
		}
		settings[name] = val
	}
	return settings, nil
}
