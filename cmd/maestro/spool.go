package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cortexius/maestro/internal/executor"
	"github.com/cortexius/maestro/pkg/models"
)

// spoolFile is one YAML submission: the workers to register, the simulated
// behavior of their actions, and the sagas and problems to run against them.
type spoolFile struct {
	Workers  []spoolWorker          `yaml:"workers"`
	Actions  map[string]spoolAction `yaml:"actions"`
	Sagas    []spoolSaga            `yaml:"sagas"`
	Problems []models.Problem       `yaml:"problems"`
}

type spoolWorker struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
	MaxLoad      float64  `yaml:"max_load"`
}

type spoolAction struct {
	Delay     string         `yaml:"delay"`
	FailTimes int            `yaml:"fail_times"`
	Error     string         `yaml:"error"`
	Output    map[string]any `yaml:"output"`
}

type spoolSaga struct {
	Name  string         `yaml:"name"`
	Data  map[string]any `yaml:"data"`
	Steps []spoolStep    `yaml:"steps"`
}

type spoolStep struct {
	Name         string `yaml:"name"`
	Capability   string `yaml:"capability"`
	Action       string `yaml:"action"`
	Compensation string `yaml:"compensation"`
	Retryable    bool   `yaml:"retryable"`
	Timeout      string `yaml:"timeout"`
}

// spool is the parsed, validated form of a spoolFile.
type spool struct {
	Workers  []*models.WorkerAgent
	Rules    map[string]executor.Rule
	Sagas    []sagaSpec
	Problems []*models.Problem
}

// sagaSpec pairs a definition with its initial data.
type sagaSpec struct {
	Definition *models.SagaDefinition
	Data       map[string]any
}

// loadSpool reads and validates one submission file.
func loadSpool(path string) (*spool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spool file: %w", err)
	}

	var file spoolFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if len(file.Sagas) == 0 && len(file.Problems) == 0 {
		return nil, fmt.Errorf("%s: no sagas or problems to run", path)
	}

	sp := &spool{Rules: make(map[string]executor.Rule, len(file.Actions))}

	for _, w := range file.Workers {
		if w.ID == "" {
			return nil, fmt.Errorf("%s: worker with empty id", path)
		}
		maxLoad := w.MaxLoad
		if maxLoad <= 0 {
			maxLoad = 1
		}
		sp.Workers = append(sp.Workers, &models.WorkerAgent{
			ID:           w.ID,
			Capabilities: w.Capabilities,
			MaxLoad:      maxLoad,
		})
	}

	for action, a := range file.Actions {
		rule := executor.Rule{
			FailTimes: a.FailTimes,
			Error:     a.Error,
			Output:    a.Output,
		}
		if a.Delay != "" {
			d, err := time.ParseDuration(a.Delay)
			if err != nil {
				return nil, fmt.Errorf("%s: action %s: bad delay %q: %w", path, action, a.Delay, err)
			}
			rule.Delay = d
		}
		sp.Rules[action] = rule
	}

	for _, s := range file.Sagas {
		if len(s.Steps) == 0 {
			return nil, fmt.Errorf("%s: saga %q has no steps", path, s.Name)
		}
		def := &models.SagaDefinition{Name: s.Name}
		for _, st := range s.Steps {
			if st.Name == "" || st.Action == "" || st.Capability == "" {
				return nil, fmt.Errorf("%s: saga %q: step needs name, capability and action", path, s.Name)
			}
			step := models.SagaStep{
				Name:         st.Name,
				Capability:   st.Capability,
				Action:       st.Action,
				Compensation: st.Compensation,
				Retryable:    st.Retryable,
			}
			if st.Timeout != "" {
				d, err := time.ParseDuration(st.Timeout)
				if err != nil {
					return nil, fmt.Errorf("%s: saga %q step %q: bad timeout %q: %w", path, s.Name, st.Name, st.Timeout, err)
				}
				step.Timeout = d
			}
			def.Steps = append(def.Steps, step)
		}
		sp.Sagas = append(sp.Sagas, sagaSpec{Definition: def, Data: s.Data})
	}

	for i := range file.Problems {
		p := file.Problems[i]
		if p.Type == "" {
			return nil, fmt.Errorf("%s: problem %d has no type", path, i)
		}
		sp.Problems = append(sp.Problems, &p)
	}

	return sp, nil
}
