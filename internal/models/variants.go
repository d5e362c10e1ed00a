package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Material is one of the closed set of surface finishes the renderer knows about.
type Material string

const (
	MaterialLeather Material = "leather"
	MaterialFabric  Material = "fabric"
	MaterialVelvet  Material = "velvet"
	MaterialLinen   Material = "linen"
	MaterialOak     Material = "oak"
	MaterialWalnut  Material = "walnut"
)

var knownMaterials = map[Material]struct{}{
	MaterialLeather: {},
	MaterialFabric:  {},
	MaterialVelvet:  {},
	MaterialLinen:   {},
	MaterialOak:     {},
	MaterialWalnut:  {},
}

// DefaultMaterials is used when a submission does not name any materials.
func DefaultMaterials() []Material {
	return []Material{MaterialLeather, MaterialFabric, MaterialVelvet, MaterialLinen}
}

// ParseMaterial normalizes and validates a material name.
func ParseMaterial(s string) (Material, error) {
	m := Material(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownMaterials[m]; !ok {
		return "", fmt.Errorf("unknown material %q", s)
	}
	return m, nil
}

// ModelID identifies a 3D product model.
type ModelID string

var modelIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ParseModelID validates a model identifier. Identifiers are used in file
// paths and subprocess arguments so the alphabet is restricted.
func ParseModelID(s string) (ModelID, error) {
	id := strings.TrimSpace(s)
	if !modelIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid model id %q", s)
	}
	return ModelID(id), nil
}
