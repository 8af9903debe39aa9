package model

import "fmt"

// Project is the persisted top-level model of a project.
type Project struct {
	ID        string      `json:"id" yaml:"id"`
	Name      string      `json:"name,omitempty" yaml:"name,omitempty"`
	LibraryID string      `json:"libraryId,omitempty" yaml:"libraryId,omitempty"`
	Instances []*Instance `json:"instances" yaml:"instances"`
	Hubs      []*Hub      `json:"hubs,omitempty" yaml:"hubs,omitempty"`
}

// Normalize fills derived instance ids and rejects duplicates.
func (p *Project) Normalize() error {
	seen := make(map[string]bool, len(p.Instances))
	for _, inst := range p.Instances {
		if inst.Type == "" || inst.Name == "" {
			return fmt.Errorf("instance %q must have a type and a name", inst.ID)
		}
		id := InstanceID(inst.Type, inst.Name)
		if inst.ID != "" && inst.ID != id {
			return fmt.Errorf("instance id %q does not match %q", inst.ID, id)
		}
		inst.ID = id
		if seen[id] {
			return fmt.Errorf("duplicate instance id: %s", id)
		}
		seen[id] = true
	}

	hubs := make(map[string]bool, len(p.Hubs))
	for _, hub := range p.Hubs {
		if hub.ID == "" {
			return fmt.Errorf("hub must have an id")
		}
		if hubs[hub.ID] {
			return fmt.Errorf("duplicate hub id: %s", hub.ID)
		}
		hubs[hub.ID] = true
	}
	return nil
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	c := &Project{ID: p.ID, Name: p.Name, LibraryID: p.LibraryID}
	c.Instances = make([]*Instance, len(p.Instances))
	for i, inst := range p.Instances {
		c.Instances[i] = inst.Clone()
	}
	c.Hubs = make([]*Hub, len(p.Hubs))
	for i, hub := range p.Hubs {
		h := *hub
		h.Inputs = append([]InstanceInput(nil), hub.Inputs...)
		h.InjectionInputs = append([]HubInput(nil), hub.InjectionInputs...)
		c.Hubs[i] = &h
	}
	return c
}
