package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cuongbtq/slicer-worker/internal/queue"
)

// Message is the inbound job message as it arrives on a queue.
type Message struct {
	JobID        string `json:"job_id" validate:"required"`
	JobOID       string `json:"job_oid" validate:"required"`
	STLFile      string `json:"stl_file" validate:"required"`
	ConfigFile   string `json:"config_file" validate:"required"`
	GCodeFile    string `json:"gcode_file" validate:"required"`
	RequestType  *int   `json:"request_type,omitempty" validate:"omitempty,oneof=0 1"`
	SerialNumber string `json:"serial_number,omitempty"`

	Handle string         `json:"-" validate:"required"`
	Origin queue.Priority `json:"-"`

	// DecodeErr is set when the body is JSON but a field has the wrong type.
	DecodeErr error `json:"-" validate:"-"`
}

// ErrNotJSON is returned by DecodeMessage for a body that is not JSON.
var ErrNotJSON = errors.New("message body is not JSON")

// DecodeMessage parses body. Only a body that is not JSON at all fails. When
// a field has the wrong type the remaining fields are still decoded and the
// problem is kept in DecodeErr as a *MalformedMessageError.
func DecodeMessage(body []byte) (*Message, error) {
	if !json.Valid(body) {
		return nil, ErrNotJSON
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		msg.DecodeErr = decodeError(err)
	}
	return &msg, nil
}

func decodeError(err error) error {
	var ute *json.UnmarshalTypeError
	if !errors.As(err, &ute) {
		return &MalformedMessageError{Field: "message", Reason: err.Error()}
	}
	if ute.Field == "" {
		return &MalformedMessageError{Field: "message", Reason: fmt.Sprintf("must be a JSON object, not %s", ute.Value)}
	}
	return &MalformedMessageError{Field: ute.Field, Reason: fmt.Sprintf("must not be a JSON %s", ute.Value)}
}

// Slicing is the progress document stored on the print job record.
type Slicing struct {
	Status         SlicingStatus `json:"status"`
	JobID          string        `json:"jobID"`
	Progress       string        `json:"progress"`
	ProgressDetail string        `json:"progressDetail"`
}

// NewSlicing builds the document for status. cause is only used for StatusError.
func NewSlicing(jobID string, status SlicingStatus, cause error) Slicing {
	label, detail := status.Progress()
	if status == StatusError && cause != nil {
		detail = "Error; " + cause.Error()
	}
	return Slicing{Status: status, JobID: jobID, Progress: label, ProgressDetail: detail}
}

// Job is an admitted unit of work.
type Job struct {
	ID           string
	OID          string
	RequestType  RequestType
	SerialNumber string

	STL    Asset
	Config Asset
	GCode  Asset

	Handle string
	Origin queue.Priority
	Stage  Stage
}

// LocalPaths returns every scratch file the job may create.
func (j *Job) LocalPaths() []string {
	return []string{j.STL.LocalPath, j.Config.LocalPath, j.GCode.LocalPath}
}

// SerialFromJobID extracts the printer serial from a "<serial>-<id>" job id.
func SerialFromJobID(jobID string) string {
	i := strings.LastIndex(jobID, "-")
	if i <= 0 {
		return ""
	}
	return jobID[:i]
}

// JobRecord is the persisted print job as seen by the worker.
type JobRecord struct {
	OID       string
	JobID     string
	Slicing   *Slicing
	GCodeFile string
}
