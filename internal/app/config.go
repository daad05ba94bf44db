package app

import "errors"

// Config holds everything an App instance needs to run one invocation.
type Config struct {
	// CataloguePath points at a single .hcl file or a directory of them.
	CataloguePath string

	// SetName selects a named set from the catalogue. Empty means the run
	// is driven by JobNames (or every enabled job when that is empty too).
	SetName  string
	JobNames []string

	Simulate bool

	LogFormat string
	LogLevel  string

	// TransferWorkers caps concurrent target transfers per job. 0 sizes
	// the pool to the target count.
	TransferWorkers int
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.CataloguePath == "" {
		return nil, errors.New("CataloguePath is a required configuration field and cannot be empty")
	}
	if cfg.SetName != "" && len(cfg.JobNames) > 0 {
		return nil, errors.New("a set selection and explicit job names are mutually exclusive")
	}
	return &cfg, nil
}
