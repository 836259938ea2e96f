package model

import (
	"bytes"
	"io"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// DefaultDt is the integration timestep used when a definition omits dt.
const DefaultDt = 0.001

type NodeKind string

const (
	KindInput    NodeKind = "input"
	KindEnsemble NodeKind = "ensemble"
)

// Definition is the structural description of a network loaded from a model file.
type Definition struct {
	Name        string       `yaml:"name" json:"name"`
	Dt          float64      `yaml:"dt" json:"dt"`
	Nodes       []Node       `yaml:"nodes" json:"nodes"`
	Connections []Connection `yaml:"connections" json:"connections"`
}

type Node struct {
	Label string   `yaml:"label" json:"label"`
	Kind  NodeKind `yaml:"kind" json:"kind"`
	Value float64  `yaml:"value" json:"value,omitempty"`
	Tau   float64  `yaml:"tau" json:"tau,omitempty"`
	Gain  float64  `yaml:"gain" json:"gain,omitempty"`
}

func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	type plain Node
	p := plain{Kind: KindEnsemble, Gain: 1}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = Node(p)
	return nil
}

type Connection struct {
	Pre    string  `yaml:"pre" json:"pre"`
	Post   string  `yaml:"post" json:"post"`
	Weight float64 `yaml:"weight" json:"weight"`
}

func (c *Connection) UnmarshalYAML(value *yaml.Node) error {
	type plain Connection
	p := plain{Weight: 1}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Connection(p)
	return nil
}

// Parse decodes and validates a YAML model definition.
func Parse(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty model definition")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty model definition")
		}
		return nil, errors.Wrap(err, "decoding model definition")
	}
	if def.Dt == 0 {
		def.Dt = DefaultDt
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the structural invariants of the definition.
func (d *Definition) Validate() error {
	if !(d.Dt > 0) || math.IsInf(d.Dt, 0) {
		return errors.Newf("dt must be a positive number, got %v", d.Dt)
	}
	if len(d.Nodes) == 0 {
		return errors.New("model defines no nodes")
	}
	kinds := make(map[string]NodeKind, len(d.Nodes))
	for i, n := range d.Nodes {
		label := strings.TrimSpace(n.Label)
		if label == "" {
			return errors.Newf("node %d has no label", i)
		}
		if strings.Contains(label, ".") {
			return errors.Newf("node label %q must not contain '.'", label)
		}
		if _, dup := kinds[label]; dup {
			return errors.Newf("duplicate node label %q", label)
		}
		switch n.Kind {
		case KindInput:
		case KindEnsemble:
			if !(n.Tau > 0) {
				return errors.Newf("ensemble %q needs a positive tau", label)
			}
		default:
			return errors.Newf("node %q has unknown kind %q", label, n.Kind)
		}
		kinds[label] = n.Kind
	}
	for i, c := range d.Connections {
		if _, ok := kinds[c.Pre]; !ok {
			return errors.Newf("connection %d: unknown pre node %q", i, c.Pre)
		}
		kind, ok := kinds[c.Post]
		if !ok {
			return errors.Newf("connection %d: unknown post node %q", i, c.Post)
		}
		if kind == KindInput {
			return errors.Newf("connection %d: input node %q cannot receive connections", i, c.Post)
		}
	}
	return nil
}
