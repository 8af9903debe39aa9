package model

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// OperationOptions controls instance selection and execution of an operation.
type OperationOptions struct {
	ForceUpdateDependencies                  bool `json:"forceUpdateDependencies" yaml:"forceUpdateDependencies"`
	IgnoreDependencies                       bool `json:"ignoreDependencies" yaml:"ignoreDependencies"`
	ForceUpdateChildren                      bool `json:"forceUpdateChildren" yaml:"forceUpdateChildren"`
	DestroyDependentInstances                bool `json:"destroyDependentInstances" yaml:"destroyDependentInstances"`
	InvokeDestroyTriggers                    bool `json:"invokeDestroyTriggers" yaml:"invokeDestroyTriggers"`
	DeleteUnreachableResources               bool `json:"deleteUnreachableResources" yaml:"deleteUnreachableResources"`
	ForceDeleteState                         bool `json:"forceDeleteState" yaml:"forceDeleteState"`
	AllowPartialCompositeInstanceUpdate      bool `json:"allowPartialCompositeInstanceUpdate" yaml:"allowPartialCompositeInstanceUpdate"`
	AllowPartialCompositeInstanceDestruction bool `json:"allowPartialCompositeInstanceDestruction" yaml:"allowPartialCompositeInstanceDestruction"`
	Refresh                                  bool `json:"refresh" yaml:"refresh"`
	Debug                                    bool `json:"debug" yaml:"debug"`
}

// DefaultOperationOptions returns the options used when a request omits them.
func DefaultOperationOptions() OperationOptions {
	return OperationOptions{
		DestroyDependentInstances: true,
		InvokeDestroyTriggers:     true,
	}
}

// UnmarshalJSON keeps the defaults for keys absent from data.
func (o *OperationOptions) UnmarshalJSON(data []byte) error {
	type plain OperationOptions
	p := plain(DefaultOperationOptions())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = OperationOptions(p)
	return nil
}

// UnmarshalYAML keeps the defaults for keys absent from the node.
func (o *OperationOptions) UnmarshalYAML(value *yaml.Node) error {
	type plain OperationOptions
	p := plain(DefaultOperationOptions())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*o = OperationOptions(p)
	return nil
}
