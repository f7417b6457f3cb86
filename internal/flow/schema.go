package flow

import (
	"github.com/hashicorp/hcl/v2"
)

// fileRoot is every top-level block a flow file may contain.
type fileRoot struct {
	Settings    []*settingsBlock    `hcl:"settings,block"`
	Licenses    []*licenseBlock     `hcl:"license,block"`
	Sources     []*sourceBlock      `hcl:"source,block"`
	Constraints []*constraintsBlock `hcl:"constraints,block"`
	Stages      []*stageBlock       `hcl:"stage,block"`
}

type settingsBlock struct {
	StateDir        *string  `hcl:"state_dir,optional"`
	MaxParallel     *int     `hcl:"max_parallel,optional"`
	ResourceTimeout *string  `hcl:"resource_timeout,optional"`
	BackoffBase     *string  `hcl:"backoff_base,optional"`
	BackoffMax      *string  `hcl:"backoff_max,optional"`
	KillGrace       *string  `hcl:"kill_grace,optional"`
	PassEnv         []string `hcl:"pass_env,optional"`
}

type licenseBlock struct {
	Name      string `hcl:"name,label"`
	Slots     int    `hcl:"slots"`
}

type sourceBlock struct {
	Kind      string `hcl:"kind,label"`
	Path      string `hcl:"path"`
}

// constraintsBlock holds arbitrary directive attributes.
type constraintsBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type stageBlock struct {
	Name      string         `hcl:"name,label"`
	Inputs    []string       `hcl:"inputs,optional"`
	Optional  bool           `hcl:"optional,optional"`
	Outputs   []*outputBlock `hcl:"output,block"`
	Backend   *backendBlock  `hcl:"backend,block"`
}

type outputBlock struct {
	Kind      string `hcl:"kind,label"`
	Path      string `hcl:"path"`
	Normalize bool   `hcl:"normalize,optional"`
}

type backendBlock struct {
	Command               hcl.Expression    `hcl:"command"`
	License               string            `hcl:"license,optional"`
	Timeout               *string           `hcl:"timeout,optional"`
	Env                   map[string]string `hcl:"env,optional"`
	PassEnv               []string          `hcl:"pass_env,optional"`
	OutputDir             string            `hcl:"output_dir,optional"`
	ConstraintsOut        string            `hcl:"constraints_out,optional"`
	LicenseRetryExitCodes []int             `hcl:"license_retry_exit_codes,optional"`
	LicenseRetryPattern   string            `hcl:"license_retry_pattern,optional"`
}
