package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"github.com/openfluke/multigrid/accel"
	"github.com/openfluke/multigrid/config"
	"github.com/openfluke/multigrid/cpu"
	"github.com/openfluke/multigrid/gpu"
	"github.com/openfluke/multigrid/mg"
	"github.com/openfluke/multigrid/monitor"
	"github.com/openfluke/multigrid/report"
)

func main() {
	cfgPath := flag.String("config", "", "JSON settings file (defaults when missing)")
	exp := flag.Int("e", 4, "log2 of the elements per axis on the finest level")
	levels := flag.Int("levels", 4, "number of multigrid levels")
	sweeps := flag.Int("sweeps", 5, "Jacobi sweeps per relaxation")
	cycles := flag.Int("cycles", 10, "number of V-cycles")
	op := flag.String("op", "poisson", "operator variant (poisson, heat)")
	dt := flag.Float64("dt", 0.25, "timestep of the heat operator")
	norm := flag.String("norm", "raw", "residual norm: raw or l2")
	rhs := flag.String("rhs", "discrete", "right-hand side: discrete (b = A·a) or analytic")
	tol := flag.Float64("tol", 0, "stop once the error norm drops below this (0 runs every cycle)")
	backend := flag.String("backend", "cpu", "cpu or gpu")
	batches := flag.Int("batches", 0, "parallel batches per cpu dispatch (0 = one per core)")
	history := flag.String("history", "", "write the run history as JSON")
	plotPath := flag.String("plot", "", "write a convergence plot (.png, .svg, .pdf)")
	fieldsDir := flag.String("fields", "", "write the finest u, b, r, a as raw float32 plus an XDMF index to this directory")
	addr := flag.String("monitor", "", "serve live norms over websocket on this address")
	probe := flag.Bool("probe", false, "print the WebGPU adapter report and exit")
	dump := flag.Bool("dump-config", false, "print the effective settings and exit")
	flag.Parse()
	log.SetFlags(log.Ltime)

	s, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}
	// explicit flags win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "e":
			s.Mesh.Exponent = [3]int{*exp, *exp, *exp}
			s.Mesh.CellSize = 0
		case "levels":
			s.Multigrid.Levels = *levels
		case "sweeps":
			s.Multigrid.Sweeps = *sweeps
		case "cycles":
			s.Multigrid.Cycles = *cycles
		case "op":
			s.Multigrid.Operator = *op
		case "dt":
			s.Mesh.Timestep = float32(*dt)
		case "norm":
			s.Multigrid.ResidualNorm = *norm
		case "rhs":
			s.Multigrid.RHS = *rhs
		case "tol":
			s.Multigrid.Tolerance = *tol
		case "backend":
			s.Device.Backend = *backend
		case "batches":
			s.Device.Batches = *batches
		case "history":
			s.Output.History = *history
		case "plot":
			s.Output.Plot = *plotPath
		case "fields":
			s.Output.Fields = *fieldsDir
		case "monitor":
			s.Monitor.Addr = *addr
		}
	})
	if err := s.Validate(); err != nil {
		log.Fatalf("Invalid settings: %v", err)
	}

	if *dump {
		b, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode settings: %v", err)
		}
		fmt.Println(string(b))
		return
	}
	if *probe {
		if err := printProbe(s); err != nil {
			log.Fatalf("Probe failed: %v", err)
		}
		return
	}
	if err := run(s); err != nil {
		log.Fatalf("Run failed: %v", err)
	}
}

func printProbe(s config.Settings) error {
	ctx, err := gpu.NewContext(gpu.ContextOptions{Prefer: s.Device.PreferAdapter, Logf: log.Printf})
	if err != nil {
		return err
	}
	defer ctx.Release()
	out, err := ctx.Probe().JSON()
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func openDevice(s config.Settings) (accel.Device, error) {
	limit := int64(s.Device.MemoryLimitMiB) << 20
	switch s.Device.Backend {
	case "gpu":
		var opts []gpu.Option
		if limit > 0 {
			opts = append(opts, gpu.WithMemoryLimit(limit))
		}
		return gpu.New(gpu.ContextOptions{Prefer: s.Device.PreferAdapter, Logf: log.Printf}, opts...)
	default:
		opts := []cpu.Option{cpu.WithBatches(s.Device.Batches)}
		if limit > 0 {
			opts = append(opts, cpu.WithMemoryLimit(limit))
		}
		return cpu.New(opts...), nil
	}
}

func run(s config.Settings) error {
	finest, err := s.Finest()
	if err != nil {
		return err
	}
	params, err := s.Params()
	if err != nil {
		return err
	}

	dev, err := openDevice(s)
	if err != nil {
		return fmt.Errorf("open %s device: %w", s.Device.Backend, err)
	}
	defer dev.Close()

	opts := []mg.Option{mg.WithObserver(&mg.ConsoleObserver{}), mg.WithLogf(log.Printf)}
	var hub *monitor.Hub
	if s.Monitor.Addr != "" {
		hub = monitor.NewHub(log.Printf)
		srv, err := monitor.Listen(s.Monitor.Addr, hub)
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		defer srv.Close()
		log.Printf("monitor: ws://%s/ws", srv.Addr)
		opts = append(opts, mg.WithObserver(hub))
	}

	solver, err := mg.NewSolver(dev, finest, params, opts...)
	if err != nil {
		return err
	}
	defer solver.Close()

	res, err := solver.Run()
	if err != nil {
		return err
	}

	h := report.FromResult(dev.Name(), res)
	log.Printf("done %d cycles in %v, error reduction %.3e, mean rate %.3f", h.Cycles, h.Elapsed, float64(h.Stats.ErrorReduction), float64(h.Stats.ErrorRate))
	if res.Converged {
		log.Printf("tolerance %g reached", params.Tolerance)
	}
	if hub != nil {
		hub.Complete(h)
	}
	if s.Output.History != "" {
		if err := h.Save(s.Output.History); err != nil {
			return err
		}
		log.Printf("history written to %s", s.Output.History)
	}
	if s.Output.Fields != "" {
		m, fields, err := report.Snapshot(solver)
		if err != nil {
			return err
		}
		if err := report.WriteFields(s.Output.Fields, m, fields); err != nil {
			return err
		}
		log.Printf("fields written to %s", s.Output.Fields)
	}
	if s.Output.Plot != "" {
		if err := report.PlotConvergence(h, s.Output.Plot); err != nil {
			return err
		}
		log.Printf("plot written to %s", s.Output.Plot)
	}
	return nil
}
