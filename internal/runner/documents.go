package runner

// Worker request and response documents. Requests are written as JSON files
// under the task's processed directory; the file path is the worker's sole
// argument. Responses are the trailing JSON document on worker stdout.

// diarizationRequest asks the diarizer to label every subtitle line.
type diarizationRequest struct {
	TaskID       string `json:"task_id"`
	AudioPath    string `json:"audio_path"`
	SubtitlePath string `json:"subtitle_path"`
	SegmentsDir  string `json:"segments_dir"`
	ModelDir     string `json:"model_dir"`
	NumProcesses int    `json:"num_processes"`
}

// SpeakerData is the diarization result, persisted verbatim as
// processed/speaker_data.json.
type SpeakerData struct {
	// SpeakerLabels is aligned with the source subtitle lines.
	SpeakerLabels []int `json:"speaker_labels"`
	// SpeakerNameMapping maps numeric speaker id to a human label.
	SpeakerNameMapping map[string]string `json:"speaker_name_mapping"`
	// GenderDict maps speaker id to a detected gender.
	GenderDict map[string]string `json:"gender_dict"`
	// UniqueSpeakers counts distinct speakers.
	UniqueSpeakers int `json:"unique_speakers"`
}

// translationRequest carries one item per subtitle line.
type translationRequest struct {
	Tasks          []translationItem `json:"tasks"`
	ModelPath      string            `json:"model_path"`
	NumProcesses   int               `json:"num_processes"`
	SourceSubtitle string            `json:"source_subtitle"`
	OutputFile     string            `json:"output_file"`
	TargetLanguage string            `json:"target_language"`
}

type translationItem struct {
	TaskID         string `json:"task_id"`
	Source         string `json:"source"`
	TargetLanguage string `json:"target_language"`
}

// translationResult is one translated line, aligned with the request order.
type translationResult struct {
	TaskID      string `json:"task_id"`
	Source      string `json:"source"`
	Translation string `json:"translation"`
}

// cloningRequest asks the cloner to synthesize one wav per subtitle line.
type cloningRequest struct {
	ModelDir string        `json:"model_dir"`
	Tasks    []cloningItem `json:"tasks"`
}

type cloningItem struct {
	SegmentIndex int    `json:"segment_index"`
	SpeakerName  string `json:"speaker_name,omitempty"`
	Reference    string `json:"reference,omitempty"`
	TargetText   string `json:"target_text"`
	OutputFile   string `json:"output_file"`
}

// cloningResult reports one synthesized segment.
type cloningResult struct {
	SegmentIndex  int     `json:"segment_index"`
	Status        string  `json:"status"`
	OutputFile    string  `json:"output_file"`
	InferenceTime float64 `json:"inference_time"`
}

// stitchRequest carries only paths and the language tag.
type stitchRequest struct {
	TaskID       string `json:"task_id"`
	Language     string `json:"language"`
	SegmentsDir  string `json:"segments_dir"`
	SubtitlePath string `json:"subtitle_path"`
	OutputFile   string `json:"output_file"`
}

// stitchResult reports the re-planned timeline of the assembled track.
type stitchResult struct {
	OutputFile string          `json:"output_file"`
	Segments   []stitchSegment `json:"segments"`
}

type stitchSegment struct {
	Index           int     `json:"index"`
	ActualStartTime float64 `json:"actual_start_time"`
	ActualEndTime   float64 `json:"actual_end_time"`
}
