package backend

import (
	"context"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/model"
)

type reference struct{}

// Reference returns the built-in builder: each ensemble is a leaky integrator driven by
// the weighted sum of its inputs, integrated with forward Euler.
func Reference() model.Builder {
	return reference{}
}

func (reference) Name() string {
	return "reference"
}

func (reference) Build(ctx context.Context, def *model.Definition) (model.Executable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return newSimulator(def), nil
}

type edge struct {
	pre    int
	weight float64
}

type simulator struct {
	dt     float64
	labels []string
	index  map[string]int
	kinds  []model.NodeKind
	value  []float64
	tau    []float64
	gain   []float64
	in     [][]edge
	x      []float64
	next   []float64
	time   float64
	step   uint64
}

func newSimulator(def *model.Definition) *simulator {
	n := len(def.Nodes)
	s := &simulator{
		dt:     def.Dt,
		labels: make([]string, n),
		index:  make(map[string]int, n),
		kinds:  make([]model.NodeKind, n),
		value:  make([]float64, n),
		tau:    make([]float64, n),
		gain:   make([]float64, n),
		in:     make([][]edge, n),
		x:      make([]float64, n),
		next:   make([]float64, n),
	}
	for i, node := range def.Nodes {
		label := strings.TrimSpace(node.Label)
		s.labels[i] = label
		s.index[label] = i
		s.kinds[i] = node.Kind
		s.value[i] = node.Value
		s.tau[i] = node.Tau
		s.gain[i] = node.Gain
	}
	for _, c := range def.Connections {
		post := s.index[c.Post]
		s.in[post] = append(s.in[post], edge{pre: s.index[c.Pre], weight: c.Weight})
	}
	s.initial()
	return s
}

func (s *simulator) initial() {
	for i := range s.x {
		if s.kinds[i] == model.KindInput {
			s.x[i] = s.value[i]
		} else {
			s.x[i] = 0
		}
	}
	s.time = 0
	s.step = 0
}

func (s *simulator) Step(ctx context.Context, n int) error {
	if n < 1 {
		return model.ExecutionError(errors.Newf("step count must be at least 1, got %d", n))
	}
	for k := 0; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return model.ExecutionError(err)
		}
		for i := range s.x {
			if s.kinds[i] == model.KindInput {
				s.next[i] = s.value[i]
				continue
			}
			var drive float64
			for _, e := range s.in[i] {
				drive += e.weight * s.x[e.pre]
			}
			s.next[i] = s.x[i] + s.dt/s.tau[i]*(s.gain[i]*drive-s.x[i])
		}
		s.x, s.next = s.next, s.x
		s.step++
		s.time = float64(s.step) * s.dt
		for i, v := range s.x {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return model.CorruptedError(errors.Newf("node %q diverged at t=%g", s.labels[i], s.time))
			}
		}
	}
	return nil
}

func (s *simulator) Reset(ctx context.Context) error {
	s.initial()
	return nil
}

func (s *simulator) SetParam(ctx context.Context, name string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return model.ExecutionError(errors.Newf("parameter %q must be finite", name))
	}
	if name == "dt" {
		if value <= 0 {
			return model.ExecutionError(errors.New("dt must be positive"))
		}
		s.dt = value
		return nil
	}
	label, field, ok := strings.Cut(name, ".")
	i, found := s.index[label]
	if !ok || !found {
		return model.ExecutionError(errors.Newf("unknown parameter %q", name))
	}
	switch {
	case field == "value" && s.kinds[i] == model.KindInput:
		s.value[i] = value
	case field == "tau" && s.kinds[i] == model.KindEnsemble:
		if value <= 0 {
			return model.ExecutionError(errors.Newf("%s must be positive", name))
		}
		s.tau[i] = value
	case field == "gain" && s.kinds[i] == model.KindEnsemble:
		s.gain[i] = value
	default:
		return model.ExecutionError(errors.Newf("unknown parameter %q", name))
	}
	return nil
}

func (s *simulator) Snapshot() model.State {
	st := model.State{
		Time:   s.time,
		Step:   s.step,
		Values: make(map[string]float64, len(s.x)),
		Params: map[string]float64{"dt": s.dt},
	}
	for i, label := range s.labels {
		st.Values[label] = s.x[i]
		switch s.kinds[i] {
		case model.KindInput:
			st.Params[label+".value"] = s.value[i]
		case model.KindEnsemble:
			st.Params[label+".tau"] = s.tau[i]
			st.Params[label+".gain"] = s.gain[i]
		}
	}
	return st
}
