package models

// WhisperModelOption describes one downloadable ASR model.
type WhisperModelOption struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	URL      string `json:"url"`
	Size     string `json:"size"`
}

var whisperModelCatalog = []WhisperModelOption{
	{
		ID:       "tiny",
		FileName: "ggml-tiny.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		Size:     "~75 MB",
	},
	{
		ID:       "base",
		FileName: "ggml-base.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		Size:     "~142 MB",
	},
	{
		ID:       "small",
		FileName: "ggml-small.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		Size:     "~466 MB",
	},
	{
		ID:       "medium",
		FileName: "ggml-medium.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
		Size:     "~1.5 GB",
	},
	{
		ID:       "turbo",
		FileName: "ggml-large-v3-turbo.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3-turbo.bin",
		Size:     "~1.6 GB",
	},
}

// ModelCatalog returns the supported transcription models.
func ModelCatalog() []WhisperModelOption {
	out := make([]WhisperModelOption, len(whisperModelCatalog))
	copy(out, whisperModelCatalog)
	return out
}

// LookupModel returns the catalog entry for a model id.
func LookupModel(id string) (WhisperModelOption, bool) {
	for _, m := range whisperModelCatalog {
		if m.ID == id {
			return m, true
		}
	}
	return WhisperModelOption{}, false
}

// ModelIDs lists the supported model identifiers.
func ModelIDs() []string {
	ids := make([]string, 0, len(whisperModelCatalog))
	for _, m := range whisperModelCatalog {
		ids = append(ids, m.ID)
	}
	return ids
}

// Languages lists the supported transcription language codes.
func Languages() []string {
	return []string{"ru", "en"}
}

func SupportedLanguage(code string) bool {
	if code == "" {
		return true // autodetect
	}
	for _, l := range Languages() {
		if l == code {
			return true
		}
	}
	return false
}
