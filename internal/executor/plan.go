package executor

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type StepKind string

const (
	KindRun      StepKind = "run"
	KindUpload   StepKind = "upload"
	KindSentinel StepKind = "sentinel"
)

// Plan is the ordered list of bootstrap steps. It is read-only once loaded.
type Plan struct {
	Steps []Step `yaml:"steps"`
}

// Step is one of: run a command (exit code 0 expected), upload a local file
// or inline content to a remote path, or wait for a sentinel file to exist.
type Step struct {
	Name     string        `yaml:"name"`
	Run      string        `yaml:"run,omitempty"`
	Upload   string        `yaml:"upload,omitempty"`
	Content  string        `yaml:"content,omitempty"`
	To       string        `yaml:"to,omitempty"`
	Mode     string        `yaml:"mode,omitempty"`
	Sentinel string        `yaml:"sentinel,omitempty"`
	Wait     time.Duration `yaml:"wait,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

func (s Step) Kind() StepKind {
	switch {
	case s.Sentinel != "":
		return KindSentinel
	case s.Upload != "" || s.To != "":
		return KindUpload
	default:
		return KindRun
	}
}

func (s Step) validate() error {
	set := 0
	for _, v := range []string{s.Run, s.Sentinel, s.To} {
		if v != "" {
			set++
		}
	}

	if set != 1 {
		return errors.New("exactly one of run, sentinel or to must be set")
	}

	if s.Upload != "" && s.Content != "" {
		return errors.New("upload and content are exclusive")
	}

	if s.Kind() == KindSentinel && s.Wait <= 0 {
		return errors.New("sentinel requires a positive wait")
	}

	if s.Mode != "" {
		if _, err := strconv.ParseUint(s.Mode, 8, 32); err != nil {
			return errors.Errorf("invalid mode %q", s.Mode)
		}
	}

	return nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${NAME} placeholders found in vars. Other shell syntax,
// including unknown placeholders, is left untouched.
func Expand(s string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		if v, ok := vars[match[2:len(match)-1]]; ok {
			return v
		}
		return match
	})
}

// LoadPlan reads a YAML plan. Local upload sources are resolved relative to
// the plan file and read eagerly, so the plan no longer depends on the local
// filesystem once loaded.
func LoadPlan(path string, vars map[string]string) (*Plan, error) {
	data, err := os.ReadFile(path)

	if err != nil {
		return nil, errors.Wrap(err, "read plan")
	}

	plan, err := ParsePlan(data, vars)

	if err != nil {
		return nil, errors.Wrapf(err, "plan %s", path)
	}

	dir := filepath.Dir(path)

	for i := range plan.Steps {
		step := &plan.Steps[i]

		if step.Upload == "" {
			continue
		}

		source := step.Upload
		if !filepath.IsAbs(source) {
			source = filepath.Join(dir, source)
		}

		content, err := os.ReadFile(source)

		if err != nil {
			return nil, errors.Wrapf(err, "step %d (%s)", i+1, step.Name)
		}

		step.Content = Expand(string(content), vars)
	}

	return plan, nil
}

// ParsePlan decodes a plan and expands placeholders in every string field.
// Upload sources are not read.
func ParsePlan(data []byte, vars map[string]string) (*Plan, error) {
	plan := &Plan{}

	if err := yaml.UnmarshalStrict(data, plan); err != nil {
		return nil, errors.Wrap(err, "decode plan")
	}

	if len(plan.Steps) == 0 {
		return nil, errors.New("plan has no steps")
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]

		if err := step.validate(); err != nil {
			return nil, errors.Wrapf(err, "step %d (%s)", i+1, step.Name)
		}

		if step.Name == "" {
			step.Name = fmt.Sprintf("step-%d", i+1)
		}

		step.Run = Expand(step.Run, vars)
		step.Content = Expand(step.Content, vars)
		step.To = Expand(step.To, vars)
		step.Sentinel = Expand(step.Sentinel, vars)
	}

	return plan, nil
}

// WithDeadline returns a copy of the plan whose first step schedules a host
// shutdown after maxRuntime.
func (p *Plan) WithDeadline(maxRuntime time.Duration) *Plan {
	if maxRuntime <= 0 {
		return p
	}

	minutes := int(math.Ceil(maxRuntime.Minutes()))

	steps := make([]Step, 0, len(p.Steps)+1)
	steps = append(steps, Step{
		Name: "schedule shutdown",
		Run:  NewCmd("shutdown", "-h", "+"+strconv.Itoa(minutes)).String(),
	})
	steps = append(steps, p.Steps...)

	return &Plan{Steps: steps}
}
