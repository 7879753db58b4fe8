package models

import (
	"encoding/json"
	"strings"
)

// StringOrStringSlice is a custom type that can unmarshal from either
// a JSON string or a JSON array of strings. Sidecar files written by
// different tools disagree on the shape of trained words.
type StringOrStringSlice []string

// UnmarshalJSON implements json.Unmarshaler for StringOrStringSlice
func (s *StringOrStringSlice) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = splitWords(str)
		return nil
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*s = arr
	return nil
}

// splitWords turns a comma separated activation text into a word list.
func splitWords(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type (
	// Config holds the application's configuration settings.
	Config struct {
		SourcePath          string       `toml:"SourcePath" json:"SourcePath"`
		DataPath            string       `toml:"DataPath" json:"DataPath"`
		DatabasePath        string       `toml:"DatabasePath" json:"DatabasePath"`
		HashCachePath       string       `toml:"HashCachePath" json:"HashCachePath"`
		BleveIndexPath      string       `toml:"BleveIndexPath" json:"BleveIndexPath"`
		LogLevel            string       `toml:"LogLevel" json:"LogLevel"`
		LogFormat           string       `toml:"LogFormat" json:"LogFormat"`
		APIKey              string       `toml:"ApiKey" json:"ApiKey"`
		Scan                ScanConfig   `toml:"Scan" json:"Scan"`
		Sort                SortConfig   `toml:"Sort" json:"Sort"`
		Tree                TreeConfig   `toml:"Tree" json:"Tree"`
		Prompt              PromptConfig `toml:"Prompt" json:"Prompt"`
		Serve               ServeConfig  `toml:"Serve" json:"Serve"`
		APIClientTimeoutSec int          `toml:"ApiClientTimeoutSec" json:"ApiClientTimeoutSec"`
		MaxRetries          int          `toml:"MaxRetries" json:"MaxRetries"`
		InitialRetryDelayMs int          `toml:"InitialRetryDelayMs" json:"InitialRetryDelayMs"`
		LogApiRequests      bool         `toml:"LogApiRequests" json:"LogApiRequests"`
	}

	// ScanConfig holds settings specific to the 'scan' command.
	ScanConfig struct {
		Extensions    []string `toml:"Extensions"`
		Concurrency   int      `toml:"Concurrency"`
		FetchMetadata bool     `toml:"FetchMetadata"`
		SaveMetadata  bool     `toml:"SaveMetadata"`
		Prune         bool     `toml:"Prune"`
	}

	// SortConfig holds settings specific to the 'sort' command.
	SortConfig struct {
		TargetPath  string `toml:"TargetPath"`
		PathPattern string `toml:"PathPattern"`
		Move        bool   `toml:"Move"`
		DryRun      bool   `toml:"DryRun"`
		Overwrite   bool   `toml:"Overwrite"`
	}

	// TreeConfig holds settings for the 'tree' command.
	TreeConfig struct {
		Format     string `toml:"Format"`
		MaxDepth   int    `toml:"MaxDepth"`
		ShowCounts bool   `toml:"ShowCounts"`
	}

	// PromptConfig holds the default prompt filter word lists.
	PromptConfig struct {
		Blacklist []string `toml:"Blacklist"`
		Whitelist []string `toml:"Whitelist"`
	}

	// ServeConfig holds settings for the 'serve' command.
	ServeConfig struct {
		Addr      string `toml:"Addr"`
		CacheSize int    `toml:"CacheSize"`
	}

	// ModelEntry is one model file recorded in the catalog.
	ModelEntry struct {
		Path             string   `json:"path"`
		FileName         string   `json:"fileName"`
		Folder           string   `json:"folder"`
		SourcePath       string   `json:"sourcePath"`
		BaseModel        string   `json:"baseModel"`
		ModelName        string   `json:"modelName"`
		ModelType        string   `json:"modelType"`
		VersionName      string   `json:"versionName"`
		CreatorName      string   `json:"creatorName"`
		MetadataSource   string   `json:"metadataSource"`
		Blake3           string   `json:"blake3"`
		TrainedWords     []string `json:"trainedWords"`
		SizeBytes        int64    `json:"sizeBytes"`
		ModTime          int64    `json:"modTime"`
		ScannedAt        int64    `json:"scannedAt"`
		CivitaiModelID   int      `json:"civitaiModelId,omitempty"`
		CivitaiVersionID int      `json:"civitaiVersionId,omitempty"`
	}

	// Creator is the uploader of a Civitai model.
	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	// BaseModelInfo is the nested 'model' object of a model version response.
	BaseModelInfo struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Mode string `json:"mode"`
		Nsfw bool   `json:"nsfw"`
		Poi  bool   `json:"poi"`
	}

	// ModelVersion is the /model-versions response, also stored as the
	// .civitai.info sidecar next to a model file.
	ModelVersion struct {
		CreatedAt    string              `json:"createdAt"`
		UpdatedAt    string              `json:"updatedAt"`
		BaseModel    string              `json:"baseModel"`
		Description  string              `json:"description"`
		DownloadUrl  string              `json:"downloadUrl"`
		Name         string              `json:"name"`
		Model        BaseModelInfo       `json:"model"`
		Creator      *Creator            `json:"creator,omitempty"`
		TrainedWords StringOrStringSlice `json:"trainedWords"`
		Files        []File              `json:"files"`
		Images       []ModelImage        `json:"images,omitempty"`
		ID           int                 `json:"id"`
		ModelId      int                 `json:"modelId"`
	}

	File struct {
		Name        string  `json:"name"`
		Type        string  `json:"type"`
		DownloadUrl string  `json:"downloadUrl"`
		Hashes      Hashes  `json:"hashes"`
		SizeKB      float64 `json:"sizeKB"`
		ID          int     `json:"id"`
		Primary     bool    `json:"primary"`
	}

	// ModelImage is a sample image attached to a model version.
	ModelImage struct {
		URL    string `json:"url"`
		Type   string `json:"type"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Nsfw   string `json:"nsfwLevel,omitempty"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	// A1111Metadata is the sidecar .json written by the stable-diffusion-webui
	// extra networks editor.
	A1111Metadata struct {
		Description    string              `json:"description"`
		SdVersion      string              `json:"sd version"`
		ActivationText StringOrStringSlice `json:"activation text"`
		Notes          string              `json:"notes"`
	}
)

// Metadata source constants
const (
	MetadataSourceNone        = "none"
	MetadataSourceCivitaiInfo = "civitai-info"
	MetadataSourceA1111       = "a1111-json"
	MetadataSourceCivitaiAPI  = "civitai-api"
)

// UnknownBaseModel is stored when no metadata names a base model.
const UnknownBaseModel = "UNKNOWN"

// Normalize a1111 "sd version" values to the labels Civitai uses.
var a1111VersionLabels = map[string]string{
	"sd1":     "SD 1.5",
	"sd2":     "SD 2.1",
	"sdxl":    "SDXL 1.0",
	"unknown": UnknownBaseModel,
}

// BaseModelFromA1111 maps an a1111 "sd version" value to a category label.
func BaseModelFromA1111(sdVersion string) string {
	v := strings.TrimSpace(sdVersion)
	if v == "" {
		return UnknownBaseModel
	}
	if label, ok := a1111VersionLabels[strings.ToLower(v)]; ok {
		return label
	}
	return v
}

// PrimaryFile returns the primary file of the version, or the first one.
func (v ModelVersion) PrimaryFile() (File, bool) {
	for _, f := range v.Files {
		if f.Primary {
			return f, true
		}
	}
	if len(v.Files) > 0 {
		return v.Files[0], true
	}
	return File{}, false
}

// ApplyVersion copies Civitai version metadata onto the entry.
func (e *ModelEntry) ApplyVersion(v ModelVersion, source string) {
	if strings.TrimSpace(v.BaseModel) != "" {
		e.BaseModel = strings.TrimSpace(v.BaseModel)
	}
	e.ModelName = v.Model.Name
	e.ModelType = v.Model.Type
	e.VersionName = v.Name
	if v.Creator != nil {
		e.CreatorName = v.Creator.Username
	}
	if len(v.TrainedWords) > 0 {
		e.TrainedWords = append([]string(nil), v.TrainedWords...)
	}
	e.CivitaiModelID = v.ModelId
	e.CivitaiVersionID = v.ID
	e.MetadataSource = source
}

// DisplayName is the model name when known, otherwise the file name without extension.
func (e ModelEntry) DisplayName() string {
	if e.ModelName != "" {
		return e.ModelName
	}
	return strings.TrimSuffix(e.FileName, fileExt(e.FileName))
}

func fileExt(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[i:]
	}
	return ""
}
