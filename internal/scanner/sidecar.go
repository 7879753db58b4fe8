package scanner

import (
	"encoding/json"
	"fmt"
	"os"

	"go-lora-helper/internal/helpers"
	"go-lora-helper/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	CivitaiInfoSuffix = ".civitai.info"
	A1111Suffix       = ".json"
)

// SidecarMetadata is the metadata found next to a model file. Only the
// document named by Source is populated.
type SidecarMetadata struct {
	Source  string
	Version models.ModelVersion
	A1111   models.A1111Metadata
}

// ReadSidecar looks for a .civitai.info file, then an a1111 .json file.
// Unreadable or malformed sidecars are skipped.
func ReadSidecar(modelPath string) (SidecarMetadata, bool) {
	base := helpers.BaseWithoutExt(modelPath)

	var version models.ModelVersion
	if found, err := readJSON(base+CivitaiInfoSuffix, &version); err != nil {
		log.WithError(err).Warnf("Ignoring malformed sidecar for %s", modelPath)
	} else if found {
		return SidecarMetadata{Source: models.MetadataSourceCivitaiInfo, Version: version}, true
	}

	var a1111 models.A1111Metadata
	if found, err := readJSON(base+A1111Suffix, &a1111); err != nil {
		log.WithError(err).Warnf("Ignoring malformed sidecar for %s", modelPath)
	} else if found {
		return SidecarMetadata{Source: models.MetadataSourceA1111, A1111: a1111}, true
	}

	return SidecarMetadata{}, false
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding %s: %w", path, err)
	}
	return true, nil
}

// Apply copies the sidecar metadata onto entry.
func (m SidecarMetadata) Apply(entry *models.ModelEntry) {
	switch m.Source {
	case models.MetadataSourceCivitaiInfo:
		entry.ApplyVersion(m.Version, m.Source)
	case models.MetadataSourceA1111:
		entry.BaseModel = models.BaseModelFromA1111(m.A1111.SdVersion)
		if len(m.A1111.ActivationText) > 0 {
			entry.TrainedWords = append([]string(nil), m.A1111.ActivationText...)
		}
		entry.MetadataSource = m.Source
	}
}

// WriteCivitaiInfo stores version as the .civitai.info sidecar of modelPath.
func WriteCivitaiInfo(modelPath string, version models.ModelVersion) (string, error) {
	target := helpers.BaseWithoutExt(modelPath) + CivitaiInfoSuffix
	data, err := json.MarshalIndent(version, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding metadata for %s: %w", modelPath, err)
	}
	if err := os.WriteFile(target, data, 0600); err != nil {
		return "", fmt.Errorf("writing %s: %w", target, err)
	}
	return target, nil
}
