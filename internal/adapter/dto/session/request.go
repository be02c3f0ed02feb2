package session

// ConfigRequest sets the session roster and interviewer
type ConfigRequest struct {
	Roster          []string `json:"roster" validate:"max=64,dive,required,max=128"`
	InterviewerName string   `json:"interviewer_name,omitempty" validate:"max=128"`
}

// BindingRequest binds a diarization cluster to a participant
type BindingRequest struct {
	ClusterID       string `json:"cluster_id" validate:"required,max=64"`
	ParticipantName string `json:"participant_name" validate:"required,max=128"`
	Locked          bool   `json:"locked"`
}

// EnrollRequest registers a voice sample for a roster member
type EnrollRequest struct {
	ParticipantName string `json:"participant_name" validate:"required,max=128"`
	Audio           string `json:"audio" validate:"required,base64"`
}

// ResolveRequest asks who is speaking in one audio span
type ResolveRequest struct {
	StreamRole string `json:"stream_role" validate:"required,stream_role"`
	StartMs    int64  `json:"start_ms" validate:"gte=0"`
	EndMs      int64  `json:"end_ms" validate:"gtefield=StartMs"`
	Audio      string `json:"audio,omitempty" validate:"omitempty,base64"`
	ASRText    string `json:"asr_text,omitempty" validate:"max=4000"`
}

// UtterancesQuery selects the transcript view
type UtterancesQuery struct {
	View       string `query:"view" validate:"omitempty,oneof=raw merged"`
	StreamRole string `query:"stream_role" validate:"omitempty,stream_role"`
}
