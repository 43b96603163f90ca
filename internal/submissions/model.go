package submissions

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/missions/internal/missions"
)

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ProofFile is one attached image, either inline as a data URL or uploaded to object storage.
type ProofFile struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Size    int64  `json:"size"`
	DataURL string `json:"dataUrl,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Proof is the evidence attached to a submission.
type Proof struct {
	URL   string      `json:"url,omitempty"`
	Note  string      `json:"note,omitempty"`
	TxRef string      `json:"txRef,omitempty"`
	Files []ProofFile `json:"files,omitempty"`
}

// Submission is the stored form of a queue entry.
type Submission struct {
	SubmissionID string          `json:"submissionId"`
	Timestamp    int64           `json:"ts"`
	Wallet       string          `json:"wallet"`
	MissionID    string          `json:"missionId"`
	Period       missions.Period `json:"period"`
	PeriodKey    string          `json:"periodKey"`
	Points       int64           `json:"points"`
	Proof        json.RawMessage `json:"proof,omitempty"`
	Status       Status          `json:"status"`
	ReviewedAt   int64           `json:"reviewedAt,omitempty"`
	ReviewedBy   string          `json:"reviewedBy,omitempty"`
	RejectReason string          `json:"rejectReason,omitempty"`
	RejectNote   string          `json:"rejectNote,omitempty"`
}

// Identity addresses a submission by what it claims rather than by id.
type Identity struct {
	Wallet    missions.Wallet
	Mission   missions.Mission
	PeriodKey string
}

// Item is the normalized listing view of a pending entry.
type Item struct {
	SubmissionID string          `json:"submissionId"`
	Wallet       string          `json:"wallet"`
	MissionID    string          `json:"missionId"`
	Period       missions.Period `json:"period"`
	PeriodKey    string          `json:"periodKey"`
	Timestamp    int64           `json:"ts"`
	Points       int64           `json:"points"`
	Status       Status          `json:"status"`
	Proof        any             `json:"proof"`
}

// looseInt accepts JSON numbers and numeric strings, as written by older clients.
type looseInt int64

func (v *looseInt) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if trimmed == "" || trimmed == "null" {
		*v = 0
		return nil
	}
	if parsed, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		*v = looseInt(parsed)
		return nil
	}
	*v = looseInt(missions.ParsePoints(trimmed))
	return nil
}

// storedHeader is every field except the proof. Decoding into it skips the proof bytes.
type storedHeader struct {
	SubmissionID string   `json:"submissionId"`
	Timestamp    looseInt `json:"ts"`
	Wallet       string   `json:"wallet"`
	MissionID    string   `json:"missionId"`
	Period       string   `json:"period"`
	PeriodKey    string   `json:"periodKey"`
	Points       looseInt `json:"points"`
	Status       string   `json:"status"`
}

type storedFull struct {
	storedHeader
	Proof json.RawMessage `json:"proof"`
}

type storedSlim struct {
	storedHeader
	Proof slimProof `json:"proof"`
}

// presence records that a field was set without retaining its bytes.
type presence bool

func (p *presence) UnmarshalJSON(data []byte) error {
	*p = presence(len(data) > 0 && !bytes.Equal(data, []byte("null")) && !bytes.Equal(data, []byte(`""`)))
	return nil
}

type slimFile struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Size    int64    `json:"size"`
	URL     string   `json:"url,omitempty"`
	DataURL presence `json:"dataUrl"`
}

// slimProof decodes a proof while skipping embedded image payloads. Proofs that are not
// objects (legacy free text) are kept verbatim in Text.
type slimProof struct {
	URL    string
	Note   string
	TxRef  string
	Files  []slimFile
	Text   json.RawMessage
	Absent bool
}

func (p *slimProof) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		p.Absent = true
		return nil
	}
	if trimmed[0] != '{' {
		p.Text = append(json.RawMessage(nil), trimmed...)
		return nil
	}
	var decoded struct {
		URL    string     `json:"url"`
		Note   string     `json:"note"`
		TxRef  string     `json:"txRef"`
		Files  []slimFile `json:"files"`
		Images []slimFile `json:"images"`
	}
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		p.Text = append(json.RawMessage(nil), trimmed...)
		return nil
	}
	p.URL, p.Note, p.TxRef = decoded.URL, decoded.Note, decoded.TxRef
	p.Files = append(decoded.Files, decoded.Images...)
	return nil
}

// SlimFile is the listing view of an attached image without its payload.
type SlimFile struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
	URL    string `json:"url,omitempty"`
	Elided bool   `json:"elided,omitempty"`
}

// SlimProof is the listing view of a proof in slim mode.
type SlimProof struct {
	URL   string     `json:"url,omitempty"`
	Note  string     `json:"note,omitempty"`
	TxRef string     `json:"txRef,omitempty"`
	Files []SlimFile `json:"files,omitempty"`
}

func (p slimProof) view() any {
	if p.Absent {
		return nil
	}
	if p.Text != nil {
		return p.Text
	}
	view := SlimProof{URL: p.URL, Note: p.Note, TxRef: p.TxRef}
	for _, file := range p.Files {
		view.Files = append(view.Files, SlimFile{
			Name:   file.Name,
			Type:   file.Type,
			Size:   file.Size,
			URL:    file.URL,
			Elided: bool(file.DataURL),
		})
	}
	return view
}

// normalize fills fields older entries left out.
func (h storedHeader) normalize() (missions.Period, string) {
	missionKey := strings.TrimSpace(h.MissionID)
	period := missions.Period(strings.ToLower(strings.TrimSpace(h.Period)))
	if parsed, err := missions.ParseMission(missionKey); err == nil {
		if !period.Valid() {
			period = parsed.Period
		}
		missionKey = missions.Mission{Period: period, ID: parsed.ID}.Key()
	}
	if !period.Valid() {
		period = missions.PeriodOnce
	}
	return period, missionKey
}

func (h storedHeader) item(id string, proof any) Item {
	period, missionKey := h.normalize()
	status := Status(h.Status)
	if status == "" {
		status = StatusPending
	}
	periodKey := h.PeriodKey
	if periodKey == "" && period == missions.PeriodOnce {
		periodKey = missions.OnceKey
	}
	return Item{
		SubmissionID: id,
		Wallet:       h.Wallet,
		MissionID:    missionKey,
		Period:       period,
		PeriodKey:    periodKey,
		Timestamp:    int64(h.Timestamp),
		Points:       int64(h.Points),
		Status:       status,
		Proof:        proof,
	}
}
