package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/attack-scheduler/core"
	"github.com/signalsfoundry/attack-scheduler/internal/config"
	"github.com/signalsfoundry/attack-scheduler/internal/eventsched"
	"github.com/signalsfoundry/attack-scheduler/internal/hostsim"
	"github.com/signalsfoundry/attack-scheduler/internal/logging"
	"github.com/signalsfoundry/attack-scheduler/model"
	"github.com/signalsfoundry/attack-scheduler/timectrl"
)

func newPlanCmd() *cobra.Command {
	var targetID string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the plan and packing for targets without dispatching",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			scenarioPath, _ := cmd.Flags().GetString("scenario")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			sc, err := hostsim.ReadScenarioFile(scenarioPath)
			if err != nil {
				return err
			}
			return writePlans(cmd.Context(), cmd.OutOrStdout(), cfg, sc, targetID)
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "plan only this target; default plans every accessible target")
	return cmd
}

type planReport struct {
	Target            string       `yaml:"target"`
	Mode              string       `yaml:"mode"`
	Chance            float64      `yaml:"chance"`
	Value             float64      `yaml:"value_per_second"`
	ExtractedFraction float64      `yaml:"extracted_fraction"`
	Total             string       `yaml:"total"`
	Demand            float64      `yaml:"demand"`
	Operations        []planOp     `yaml:"operations"`
	Packing           packingEntry `yaml:"packing"`
}

type planOp struct {
	Kind     string `yaml:"kind"`
	Units    int    `yaml:"units"`
	Delay    string `yaml:"delay"`
	Duration string `yaml:"duration"`
}

type packingEntry struct {
	Scale      float64          `yaml:"scale"`
	Unassigned map[string]int   `yaml:"unassigned,omitempty"`
	Commands   []packingCommand `yaml:"commands"`
}

type packingCommand struct {
	Node  string `yaml:"node"`
	Kind  string `yaml:"kind"`
	Units int    `yaml:"units"`
}

// writePlans plans each selected target against a fresh simulated host
// and writes the results as a YAML document. Packings are independent;
// each one sees the host's full free capacity.
func writePlans(ctx context.Context, w io.Writer, cfg *config.Config, sc hostsim.Scenario, targetID string) error {
	policy := cfg.Policy()
	world, err := hostsim.NewWorld(sc, policy.Catalog, eventsched.NewEventScheduler(timectrl.Wall{}), logging.Noop())
	if err != nil {
		return err
	}
	nodes, err := world.ListNodes(ctx)
	if err != nil {
		return err
	}

	var targets []model.Target
	if targetID != "" {
		t, ok := world.Target(targetID)
		if !ok {
			return fmt.Errorf("%w: %s", hostsim.ErrUnknownTarget, targetID)
		}
		targets = append(targets, t)
	} else {
		all, err := world.ListTargets(ctx)
		if err != nil {
			return err
		}
		for _, t := range all {
			if t.Access {
				targets = append(targets, t)
			}
		}
	}

	reports := make([]planReport, 0, len(targets))
	for _, t := range targets {
		plan, err := core.PlanTarget(t, world, policy)
		if err != nil {
			return fmt.Errorf("plan %s: %w", t.ID, err)
		}
		reports = append(reports, buildReport(t, plan, core.Fit(plan, nodes, policy.Catalog), world.Chance(t), policy))
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(reports); err != nil {
		return err
	}
	return enc.Close()
}

func buildReport(t model.Target, plan model.OperationPlan, p core.Packing, chance float64, policy core.Policy) planReport {
	r := planReport{
		Target:            t.ID,
		Mode:              plan.Mode.String(),
		Chance:            chance,
		Value:             core.Value(plan, t, chance),
		ExtractedFraction: plan.ExtractedFraction,
		Total:             plan.Total.String(),
		Demand:            core.Demand(plan.Units(), policy.Catalog),
		Packing:           packingEntry{Scale: p.Scale},
	}
	for _, k := range model.Kinds() {
		op := plan.Op(k)
		r.Operations = append(r.Operations, planOp{
			Kind:     k.String(),
			Units:    op.Units,
			Delay:    op.Delay.String(),
			Duration: op.Duration.String(),
		})
		if n := p.Unassigned[k]; n > 0 {
			if r.Packing.Unassigned == nil {
				r.Packing.Unassigned = make(map[string]int)
			}
			r.Packing.Unassigned[k.String()] = n
		}
	}
	for _, cmd := range p.Commands {
		r.Packing.Commands = append(r.Packing.Commands, packingCommand{
			Node:  cmd.NodeID,
			Kind:  cmd.Kind.String(),
			Units: cmd.Units,
		})
	}
	return r
}
