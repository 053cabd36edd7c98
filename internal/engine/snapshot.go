package engine

// Alerts is the closed alert record published with every snapshot.
// All fields are always present on the wire.
type Alerts struct {
	BadAlert          bool `json:"bad_alert"`
	WarningAlert      bool `json:"warning_alert"`
	NoFaceAlert       bool `json:"no_face_alert"`
	LowBlinkRateAlert bool `json:"low_blink_rate_alert"`
	SeriousEyeStrain  bool `json:"serious_eye_strain"`
}

// Any reports whether at least one alert is active.
func (a Alerts) Any() bool {
	return a.BadAlert || a.WarningAlert || a.NoFaceAlert || a.LowBlinkRateAlert || a.SeriousEyeStrain
}

// Snapshot is the engine state published after each frame.
type Snapshot struct {
	PostureStatus    PostureLabel `json:"posture_status"`
	FaceSize         *float64     `json:"face_size"`
	SmoothedFaceSize *float64     `json:"smoothed_face_size"`
	IsFaceDetected   bool         `json:"is_face_detected"`
	// NoFaceDuration is in seconds.
	NoFaceDuration float64  `json:"no_face_duration"`
	EAR            *float64 `json:"ear"`
	BlinkCount     int      `json:"blink_count"`
	BlinkRate      int      `json:"blink_rate"`
	FrameCount     uint64   `json:"frame_count"`

	PostureSeverity    PostureAlert `json:"posture_severity"`
	EyeStrainSeverity  EyeStrain    `json:"eye_strain_severity"`
	EyeStrainEscalated bool         `json:"eye_strain_escalated"`

	Alerts Alerts `json:"alerts"`
}

func newAlerts(posture PostureAlert, strain EyeStrain, noFace bool) Alerts {
	return Alerts{
		BadAlert:          posture == PostureAlertBad,
		WarningAlert:      posture == PostureAlertWarning,
		NoFaceAlert:       noFace,
		LowBlinkRateAlert: strain == EyeStrainLow,
		SeriousEyeStrain:  strain == EyeStrainSerious,
	}
}

// Fields flattens the snapshot into plain values (nil, bool, float64,
// string, map) for generic encoders such as structpb.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"posture_status":       s.PostureStatus.String(),
		"face_size":            optional(s.FaceSize),
		"smoothed_face_size":   optional(s.SmoothedFaceSize),
		"is_face_detected":     s.IsFaceDetected,
		"no_face_duration":     s.NoFaceDuration,
		"ear":                  optional(s.EAR),
		"blink_count":          float64(s.BlinkCount),
		"blink_rate":           float64(s.BlinkRate),
		"frame_count":          float64(s.FrameCount),
		"posture_severity":     s.PostureSeverity.String(),
		"eye_strain_severity":  s.EyeStrainSeverity.String(),
		"eye_strain_escalated": s.EyeStrainEscalated,
		"alerts": map[string]any{
			"bad_alert":            s.Alerts.BadAlert,
			"warning_alert":        s.Alerts.WarningAlert,
			"no_face_alert":        s.Alerts.NoFaceAlert,
			"low_blink_rate_alert": s.Alerts.LowBlinkRateAlert,
			"serious_eye_strain":   s.Alerts.SeriousEyeStrain,
		},
	}
}

func optional(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
