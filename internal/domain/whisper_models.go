package domain

import "slices"

// ModelSizes lists the whisper model sizes a job may request.
var ModelSizes = []string{"tiny", "base", "small", "medium", "large"}

// DefaultModelSize is used when a job does not pick a model.
const DefaultModelSize = "base"

// ValidModelSize reports whether size is one of ModelSizes.
func ValidModelSize(size string) bool {
	return slices.Contains(ModelSizes, size)
}
