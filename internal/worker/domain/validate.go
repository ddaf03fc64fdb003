package domain

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// fieldNames maps struct fields to their wire names for diagnostics.
var fieldNames = map[string]string{
	"JobID":       "job_id",
	"JobOID":      "job_oid",
	"STLFile":     "stl_file",
	"ConfigFile":  "config_file",
	"GCodeFile":   "gcode_file",
	"RequestType": "request_type",
	"Handle":      "handle",
}

// ValidateMessage checks the required fields of msg. When requireRequestType
// is set an absent request_type is rejected too.
func ValidateMessage(msg *Message, requireRequestType bool) error {
	if err := validate.Struct(msg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return &MalformedMessageError{Field: "message", Reason: err.Error()}
		}

		fe := verrs[0]
		name := fieldNames[fe.StructField()]
		if name == "" {
			name = strings.ToLower(fe.StructField())
		}

		reason := "is required"
		if fe.Tag() == "oneof" {
			reason = "must be one of " + fe.Param()
		}
		return &MalformedMessageError{Field: name, Reason: reason}
	}

	if requireRequestType && msg.RequestType == nil {
		return &MalformedMessageError{Field: "request_type", Reason: "is required"}
	}
	return nil
}
