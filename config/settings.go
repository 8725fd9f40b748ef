// Package config loads solver settings from a JSON document.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/openfluke/multigrid/mesh"
	"github.com/openfluke/multigrid/mg"
)

type Settings struct {
	Mesh      MeshSettings      `json:"mesh"`
	Multigrid MultigridSettings `json:"multigrid"`
	Device    DeviceSettings    `json:"device"`
	Output    OutputSettings    `json:"output"`
	Monitor   MonitorSettings   `json:"monitor"`
}

type MeshSettings struct {
	// Exponent is log2 of the element count per axis on the finest level.
	Exponent [3]int `json:"exponent"`
	// CellSize of the finest level. Zero derives 2^-max(exponent).
	CellSize float32 `json:"cellSize"`
	Timestep float32 `json:"timestep"`
}

type MultigridSettings struct {
	Levels       int     `json:"levels"`
	Sweeps       int     `json:"sweeps"`
	Cycles       int     `json:"cycles"`
	Operator     string  `json:"operator"`
	ResidualNorm string  `json:"residualNorm"` // "raw" or "l2"
	RHS          string  `json:"rhs"`          // "discrete" or "analytic"
	Tolerance    float64 `json:"tolerance"`
}

type DeviceSettings struct {
	Backend        string `json:"backend"` // "cpu" or "gpu"
	Batches        int    `json:"batches"`
	MemoryLimitMiB int    `json:"memoryLimitMiB"`
	PreferAdapter  string `json:"preferAdapter"`
}

type OutputSettings struct {
	History string `json:"history"` // JSON run record, empty to skip
	Plot    string `json:"plot"`    // convergence plot (.png, .svg, .pdf), empty to skip
	Fields  string `json:"fields"`  // directory for the finest-level fields, empty to skip
}

type MonitorSettings struct {
	Addr string `json:"addr"` // websocket listen address, empty to disable
}

// Default reproduces the reference run: a 16³ grid with h = 1/16, dt = 0.25,
// four levels, five sweeps, ten cycles.
func Default() Settings {
	return Settings{
		Mesh: MeshSettings{
			Exponent: [3]int{4, 4, 4},
			CellSize: 1.0 / 16,
			Timestep: 0.25,
		},
		Multigrid: MultigridSettings{
			Levels:       4,
			Sweeps:       5,
			Cycles:       10,
			Operator:     "poisson",
			ResidualNorm: "raw",
			RHS:          "discrete",
		},
		Device: DeviceSettings{
			Backend: "cpu",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, err
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return s, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return s, s.Validate()
}

// Save writes s as indented JSON.
func (s Settings) Save(path string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Validate checks ranges the solver would otherwise reject late.
func (s Settings) Validate() error {
	if _, err := s.Finest(); err != nil {
		return fmt.Errorf("config: mesh: %w", err)
	}
	p, err := s.Params()
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("config: multigrid: %w", err)
	}
	fin, _ := s.Finest()
	if p.Levels > fin.MaxLevels() {
		return fmt.Errorf("config: %d levels requested, mesh %v supports at most %d", p.Levels, fin, fin.MaxLevels())
	}
	if _, err := mg.LookupVariant(p.Operator); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch s.Device.Backend {
	case "cpu", "gpu":
	default:
		return fmt.Errorf("config: unknown backend %q", s.Device.Backend)
	}
	if s.Device.Batches < 0 || s.Device.MemoryLimitMiB < 0 {
		return fmt.Errorf("config: device batches and memory limit must be >= 0")
	}
	return nil
}

// Finest builds the finest mesh descriptor.
func (s Settings) Finest() (mesh.Descriptor, error) {
	h := s.Mesh.CellSize
	if h == 0 {
		e := max(s.Mesh.Exponent[0], s.Mesh.Exponent[1], s.Mesh.Exponent[2])
		h = float32(math.Pow(2, -float64(e)))
	}
	return mesh.New(s.Mesh.Exponent, h, s.Mesh.Timestep)
}

// Params converts the multigrid section.
func (s Settings) Params() (mg.Params, error) {
	norm, err := mg.ParseNormMode(s.Multigrid.ResidualNorm)
	if err != nil {
		return mg.Params{}, fmt.Errorf("config: %w", err)
	}
	rhs, err := mg.ParseRHSMode(s.Multigrid.RHS)
	if err != nil {
		return mg.Params{}, fmt.Errorf("config: %w", err)
	}
	return mg.Params{
		Levels:       s.Multigrid.Levels,
		Sweeps:       s.Multigrid.Sweeps,
		Cycles:       s.Multigrid.Cycles,
		Operator:     s.Multigrid.Operator,
		ResidualNorm: norm,
		RHS:          rhs,
		Tolerance:    s.Multigrid.Tolerance,
	}, nil
}
