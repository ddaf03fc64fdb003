package domain

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// tokenLength is the length of the random prefix of local file names.
const tokenLength = 20

// unsafeNameChars matches what may not appear in a local file name. Local
// paths end up on the slicer command line.
var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Asset is a remote object and the scratch file it maps to.
type Asset struct {
	URL       string
	Bucket    string
	Key       string
	LocalPath string
}

// AssetParser turns object URLs into assets under WorkDir.
//
// URLs are path style: the first path segment is the bucket and the rest is
// the key. When BaseURL is set and the URL starts with it, the base is
// stripped first, which supports stores mounted below a path prefix.
type AssetParser struct {
	WorkDir string
	BaseURL string
}

// Parse resolves rawURL. Every call picks a fresh local path.
func (p AssetParser) Parse(field, rawURL string) (Asset, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Asset{}, &MalformedMessageError{Field: field, Reason: fmt.Sprintf("is not a valid URL: %q", rawURL)}
	}

	objectPath := u.Path
	if base := strings.TrimSuffix(p.BaseURL, "/"); base != "" {
		if b, err := url.Parse(base); err == nil && b.Host == u.Host && strings.HasPrefix(objectPath, b.Path+"/") {
			objectPath = strings.TrimPrefix(objectPath, b.Path)
		}
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(objectPath, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return Asset{}, &MalformedMessageError{Field: field, Reason: fmt.Sprintf("has no bucket and key: %q", rawURL)}
	}

	return Asset{
		URL:       rawURL,
		Bucket:    bucket,
		Key:       key,
		LocalPath: filepath.Join(p.WorkDir, randomToken()+"-"+localName(key)),
	}, nil
}

// NewJob validates msg and resolves its assets.
func (p AssetParser) NewJob(msg *Message, requireRequestType bool) (*Job, error) {
	if msg.DecodeErr != nil {
		return nil, msg.DecodeErr
	}
	if err := ValidateMessage(msg, requireRequestType); err != nil {
		return nil, err
	}

	job := &Job{
		ID:           msg.JobID,
		OID:          msg.JobOID,
		RequestType:  RequestStore,
		SerialNumber: msg.SerialNumber,
		Handle:       msg.Handle,
		Origin:       msg.Origin,
		Stage:        StageReceived,
	}
	if msg.RequestType != nil {
		job.RequestType = RequestType(*msg.RequestType)
	}
	if job.SerialNumber == "" {
		job.SerialNumber = SerialFromJobID(msg.JobID)
	}

	var err error
	if job.STL, err = p.Parse("stl_file", msg.STLFile); err != nil {
		return nil, err
	}
	if job.Config, err = p.Parse("config_file", msg.ConfigFile); err != nil {
		return nil, err
	}
	if job.GCode, err = p.Parse("gcode_file", msg.GCodeFile); err != nil {
		return nil, err
	}
	return job, nil
}

// localName is the base name of key restricted to a shell safe alphabet.
func localName(key string) string {
	return unsafeNameChars.ReplaceAllString(path.Base(key), "_")
}

func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLength]
}
