package hcl

import (
	"github.com/hashicorp/hcl/v2"
)

// settingsBlock captures the free-form provider settings inside a target.
type settingsBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// jobSchema represents a `job` block from a catalogue file.
type jobSchema struct {
	Name            string   `hcl:"name,label"`
	SourcePaths     []string `hcl:"source_paths"`
	StagingDir      string   `hcl:"staging_dir"`
	ArchiveBaseName string   `hcl:"archive_base_name,optional"`
	DateStampFormat string   `hcl:"date_stamp_format,optional"`
	DependsOn       []string `hcl:"depends_on,optional"`
	Targets         []string `hcl:"targets,optional"`

	LocalKeepCount           int  `hcl:"local_keep_count,optional"`
	DeleteLocalAfterTransfer bool `hcl:"delete_local_after_transfer,optional"`
	TreatWarningsAsSuccess   bool `hcl:"treat_warnings_as_success,optional"`
	ToleratePartialTransfer  bool `hcl:"tolerate_partial_transfer,optional"`

	UseSnapshot bool   `hcl:"use_snapshot,optional"`
	Checksum    *bool  `hcl:"checksum,optional"`
	Verify      string `hcl:"verify,optional"`
	SplitSizeMB int    `hcl:"split_size_mb,optional"`

	PreCommand  string `hcl:"pre_command,optional"`
	PostCommand string `hcl:"post_command,optional"`

	Disabled bool `hcl:"disabled,optional"`
}

// targetSchema represents a `target` block. The first label selects the
// provider kind, the second is the target's unique name.
type targetSchema struct {
	Kind          string         `hcl:"kind,label"`
	Name          string         `hcl:"name,label"`
	KeepCount     int            `hcl:"keep_count,optional"`
	RetryAttempts int            `hcl:"retry_attempts,optional"`
	RetryDelay    string         `hcl:"retry_delay,optional"`
	Settings      *settingsBlock `hcl:"settings,block"`
}

// setSchema represents a `set` block grouping jobs under one policy.
type setSchema struct {
	Name        string   `hcl:"name,label"`
	Jobs        []string `hcl:"jobs"`
	StopOnError bool     `hcl:"stop_on_error,optional"`
}

// fileRoot decodes all recognized top-level blocks from any catalogue file.
type fileRoot struct {
	Jobs    []*jobSchema    `hcl:"job,block"`
	Targets []*targetSchema `hcl:"target,block"`
	Sets    []*setSchema    `hcl:"set,block"`
	Remain  hcl.Body        `hcl:",remain"`
}
