package pipeline

import (
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/kilnhq/kiln/lib/recipe"
)

// RuntimeContract is the declarative half of a baked image: the port the
// launched process is documented to bind and the exact startup command.
// It is data attached to the image config, never something the bake
// executes. Declaring the port does not open it; running the command is the
// container runtime's job.
type RuntimeContract struct {
	Port       int
	WorkingDir string
	Command    []string
}

// ContractFromRecipe derives the runtime contract from a recipe.
func ContractFromRecipe(r recipe.Recipe) RuntimeContract {
	return RuntimeContract{
		Port:       r.Port,
		WorkingDir: r.WorkDir,
		Command:    r.Command,
	}
}

// PortKey returns the exposed-ports map key, e.g. "5000/tcp".
func (c RuntimeContract) PortKey() string {
	return fmt.Sprintf("%d/tcp", c.Port)
}

// Apply records the contract on an image config. The base image's
// entrypoint is cleared so the command is the container's PID 1 argv.
func (c RuntimeContract) Apply(cfg *v1.Config) {
	cfg.WorkingDir = c.WorkingDir
	cfg.Entrypoint = nil
	cfg.Cmd = append([]string(nil), c.Command...)

	ports := make(map[string]struct{}, len(cfg.ExposedPorts)+1)
	for k := range cfg.ExposedPorts {
		ports[k] = struct{}{}
	}
	ports[c.PortKey()] = struct{}{}
	cfg.ExposedPorts = ports
}
