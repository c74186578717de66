package camera

import "log"

// Model names served by the detection backend
const (
	ModelPPE     = "ppe_detection"
	ModelFace    = "face_detection"
	ModelCap     = "cap_detection"
	ModelWeapon  = "weapon_detection"
	ModelGeneral = "general_detection"
	ModelFire    = "fire_detection"
)

// DefaultAvailableModels is the model set assumed when none is configured
var DefaultAvailableModels = []string{ModelFace, ModelCap, ModelWeapon, ModelFire, ModelGeneral}

// classToModel maps a detectable class label to the model that produces it.
// Labels are case sensitive: "Person" comes from the PPE model and "person"
// from the general one.
var classToModel = map[string]string{
	"Hardhat":        ModelPPE,
	"Mask":           ModelPPE,
	"NO-Hardhat":     ModelPPE,
	"NO-Mask":        ModelPPE,
	"NO-Safety Vest": ModelPPE,
	"Person":         ModelPPE,
	"Safety Cone":    ModelPPE,
	"Safety Vest":    ModelPPE,
	"Machinery":      ModelPPE,
	"General":        ModelPPE,
	"no_mask":        ModelFace,
	"mask":           ModelFace,
	"no_cap":         ModelCap,
	"cap":            ModelCap,
	"pistol":         ModelWeapon,
	"knife":          ModelWeapon,
	"person":         ModelGeneral,
	"bicycle":        ModelGeneral,
	"car":            ModelGeneral,
	"motorcycle":     ModelGeneral,
	"smoke":          ModelFire,
	"fire":           ModelFire,
}

// ModelForClass returns the model producing class, if known
func ModelForClass(class string) (string, bool) {
	m, ok := classToModel[class]
	return m, ok
}

// DetectModels returns the models needed to detect classes, restricted to
// available, in order of first appearance
func DetectModels(classes, available []string) []string {
	avail := make(map[string]bool, len(available))
	for _, m := range available {
		avail[m] = true
	}

	seen := make(map[string]bool)
	models := []string{}
	for _, class := range classes {
		m, ok := classToModel[class]
		if !ok || !avail[m] || seen[m] {
			continue
		}
		seen[m] = true
		models = append(models, m)
	}
	log.Printf("[Camera] Auto-detected models from classes %v: %v", classes, models)
	return models
}

// ClassesForModel keeps the classes of list that model produces. A nil result
// means no restriction.
func ClassesForModel(classes []string, model string) []string {
	var out []string
	for _, class := range classes {
		if classToModel[class] == model {
			out = append(out, class)
		}
	}
	return out
}
