package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Host is one entry of the worker inventory file. Only Name and
// Address are required; everything else falls back to ssh defaults.
type Host struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	User    string `yaml:"user,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	KeyFile string `yaml:"key_file,omitempty"`
}

// Target is the destination argument handed to ssh.
func (h Host) Target() string {
	if h.User != "" {
		return h.User + "@" + h.Address
	}
	return h.Address
}

type Inventory struct {
	Workers []Host `yaml:"workers"`

	path   string
	byName map[string]Host
}

func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory %s: %w", path, err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}

	inv.path = path
	inv.byName = make(map[string]Host, len(inv.Workers))
	for _, h := range inv.Workers {
		if h.Name == "" || h.Address == "" {
			return nil, fmt.Errorf("inventory %s: every worker needs a name and address", path)
		}
		if _, dup := inv.byName[h.Name]; dup {
			return nil, fmt.Errorf("inventory %s: duplicate worker %q", path, h.Name)
		}
		inv.byName[h.Name] = h
	}

	return &inv, nil
}

// Resolve maps a worker name to its host entry. An unknown name is an
// error, never a guess; dispatching to a misaddressed VM would strand
// the job somewhere no reconcile sweep looks.
func (inv *Inventory) Resolve(name string) (Host, error) {
	h, ok := inv.byName[name]
	if !ok {
		return Host{}, fmt.Errorf("worker %q not in inventory %s", name, inv.path)
	}
	return h, nil
}
