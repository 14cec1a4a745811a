package dist

import "fmt"

// CapabilityPolicy controls which host functions a loaded bundle may call.
// A nil AllowedCapabilities means "allow all".
type CapabilityPolicy struct {
	AllowedCapabilities map[string]bool // nil = allow all
	DeniedCapabilities  map[string]bool
}

// NewPermissivePolicy creates a policy that allows every host function.
func NewPermissivePolicy() *CapabilityPolicy {
	return &CapabilityPolicy{}
}

// NewRestrictedPolicy creates a policy that only allows the named host
// functions, typically the extensions registered with a host context.
func NewRestrictedPolicy(allowed []string) *CapabilityPolicy {
	m := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		m[c] = true
	}
	return &CapabilityPolicy{AllowedCapabilities: m}
}

// Check verifies that every host function a manifest requires is allowed.
func (p *CapabilityPolicy) Check(manifest *CapabilityManifest) error {
	if p == nil || manifest == nil {
		return nil
	}
	for _, c := range manifest.Required {
		if p.DeniedCapabilities[c] {
			return fmt.Errorf("dist: host function %q is explicitly denied", c)
		}
		if p.AllowedCapabilities != nil && !p.AllowedCapabilities[c] {
			return fmt.Errorf("dist: host function %q is not allowed", c)
		}
	}
	return nil
}

// Deny adds a host function to the deny list.
func (p *CapabilityPolicy) Deny(name string) {
	if p.DeniedCapabilities == nil {
		p.DeniedCapabilities = make(map[string]bool)
	}
	p.DeniedCapabilities[name] = true
}
