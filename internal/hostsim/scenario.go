package hostsim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/attack-scheduler/model"
)

// Scenario is the initial state of a simulated host.
type Scenario struct {
	// Skill is the operator's skill level.
	Skill float64 `yaml:"skill"`
	// TimeScale multiplies every operation duration. Zero means 1.
	TimeScale float64 `yaml:"time_scale"`

	Nodes   []NodeSpec   `yaml:"nodes"`
	Targets []TargetSpec `yaml:"targets"`
}

// NodeSpec describes one worker node.
type NodeSpec struct {
	ID       string  `yaml:"id"`
	Capacity float64 `yaml:"capacity"`
	Used     float64 `yaml:"used"`
}

// TargetSpec describes one target.
type TargetSpec struct {
	ID            string  `yaml:"id"`
	Defense       float64 `yaml:"defense"`
	MinDefense    float64 `yaml:"min_defense"`
	Resource      float64 `yaml:"resource"`
	ResourceMax   float64 `yaml:"resource_max"`
	Growth        float64 `yaml:"growth"`
	RequiredSkill float64 `yaml:"required_skill"`
	Access        bool    `yaml:"access"`
}

func (s TargetSpec) target() model.Target {
	return model.Target{
		ID:            s.ID,
		Defense:       s.Defense,
		MinDefense:    s.MinDefense,
		Resource:      s.Resource,
		ResourceMax:   s.ResourceMax,
		Growth:        s.Growth,
		RequiredSkill: s.RequiredSkill,
		Access:        s.Access,
	}
}

// LoadScenario decodes a YAML scenario from r and validates it. Unknown
// keys are rejected.
func LoadScenario(r io.Reader) (Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return Scenario{}, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, fmt.Errorf("LoadScenario: %w", err)
	}
	return sc, nil
}

// ReadScenarioFile loads the scenario stored at path.
func ReadScenarioFile(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario %s: %w", path, err)
	}
	return LoadScenario(bytes.NewReader(data))
}

// Validate reports structural problems: empty or duplicate ids and
// impossible numbers.
func (sc Scenario) Validate() error {
	var errs []error
	if sc.Skill <= 0 {
		errs = append(errs, fmt.Errorf("skill must be positive, got %v", sc.Skill))
	}
	if sc.TimeScale < 0 {
		errs = append(errs, fmt.Errorf("time_scale must be >= 0, got %v", sc.TimeScale))
	}

	seen := make(map[string]bool)
	for _, n := range sc.Nodes {
		switch {
		case n.ID == "":
			errs = append(errs, errors.New("node with empty id"))
		case seen["node/"+n.ID]:
			errs = append(errs, fmt.Errorf("duplicate node %q", n.ID))
		case n.Capacity < 0 || n.Used < 0:
			errs = append(errs, fmt.Errorf("node %q: capacity and used must be >= 0", n.ID))
		}
		seen["node/"+n.ID] = true
	}
	for _, t := range sc.Targets {
		switch {
		case t.ID == "":
			errs = append(errs, errors.New("target with empty id"))
		case seen["target/"+t.ID]:
			errs = append(errs, fmt.Errorf("duplicate target %q", t.ID))
		case t.ResourceMax <= 0:
			errs = append(errs, fmt.Errorf("target %q: resource_max must be positive", t.ID))
		case t.Resource < 0 || t.Resource > t.ResourceMax:
			errs = append(errs, fmt.Errorf("target %q: resource must be in [0, resource_max]", t.ID))
		case t.MinDefense < 0 || t.Defense < t.MinDefense:
			errs = append(errs, fmt.Errorf("target %q: defense must be >= min_defense >= 0", t.ID))
		}
		seen["target/"+t.ID] = true
	}
	return errors.Join(errs...)
}
