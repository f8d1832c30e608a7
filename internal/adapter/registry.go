package adapter

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	"github.com/mindmux/mindmux/internal/common/logger"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

//go:embed adapters.yaml
var adaptersYAML []byte

type profileFile struct {
	Adapters map[string]profile `yaml:"adapters"`
}

// Registry holds one adapter per assistant variant.
type Registry struct {
	adapters map[v1.AgentKind]Adapter
}

// NewRegistry builds adapters for every variant in the embedded profile
// table.
func NewRegistry(mux Multiplexer, waiter Waiter, log *logger.Logger) (*Registry, error) {
	var file profileFile
	if err := yaml.Unmarshal(adaptersYAML, &file); err != nil {
		return nil, fmt.Errorf("failed to parse adapter profiles: %w", err)
	}
	if len(file.Adapters) == 0 {
		return nil, fmt.Errorf("adapter profile table is empty")
	}

	adapters := make(map[v1.AgentKind]Adapter, len(file.Adapters))
	for name, p := range file.Adapters {
		if p.Command == "" {
			return nil, fmt.Errorf("adapter profile %q has no command", name)
		}
		kind := v1.AgentKind(name)
		adapters[kind] = newCLIAdapter(kind, p, mux, waiter, log)
	}
	return &Registry{adapters: adapters}, nil
}

// Get returns the adapter for an agent kind.
func (r *Registry) Get(kind v1.AgentKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, apperrors.Validationf("unknown agent kind %q", kind)
	}
	return a, nil
}

// Kinds returns the supported agent kinds in stable order.
func (r *Registry) Kinds() []v1.AgentKind {
	kinds := make([]v1.AgentKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
