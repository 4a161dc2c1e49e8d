package services

import (
	"fmt"
	"strings"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

// Storage key conventions. Keys are deterministic functions of entity
// ids so re-delivered jobs overwrite instead of duplicating artifacts.

func imageKey(imageID domain.ImageID, index int, ext string) string {
	return fmt.Sprintf("images/%s/%d.%s", imageID, index, strings.TrimPrefix(ext, "."))
}

func modelKey(modelID domain.ModelID, ext string) string {
	return fmt.Sprintf("models/%s/model.%s", modelID, strings.ToLower(strings.TrimPrefix(ext, ".")))
}

func materialKey(modelID domain.ModelID) string {
	return fmt.Sprintf("models/%s/material.mtl", modelID)
}

func textureKey(modelID domain.ModelID, ext string) string {
	return fmt.Sprintf("models/%s/material.%s", modelID, strings.ToLower(strings.TrimPrefix(ext, ".")))
}

func previewKey(modelID domain.ModelID) string {
	return fmt.Sprintf("models/%s/preview.png", modelID)
}

// modelKeys returns every storage key a model may own, for deletion.
func modelKeys(modelID domain.ModelID, format string) []string {
	keys := []string{
		modelKey(modelID, format),
		previewKey(modelID),
	}
	if strings.EqualFold(format, domain.DefaultModelFormat) {
		keys = append(keys,
			materialKey(modelID),
			textureKey(modelID, "png"),
			textureKey(modelID, "jpg"),
			textureKey(modelID, "jpeg"),
		)
	}
	return keys
}
