package domain

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuongbtq/slicer-worker/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetParser_Parse(t *testing.T) {
	tests := []struct {
		name       string
		parser     AssetParser
		url        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{
			name:       "path style url",
			parser:     AssetParser{WorkDir: "/tmp/slicer"},
			url:        "https://s3.amazonaws.com/models/user1/cube.stl",
			wantBucket: "models",
			wantKey:    "user1/cube.stl",
		},
		{
			name:       "store mounted below a base path",
			parser:     AssetParser{WorkDir: "/tmp/slicer", BaseURL: "https://store/host"},
			url:        "https://store/host/bucket1/objects/a.stl",
			wantBucket: "bucket1",
			wantKey:    "objects/a.stl",
		},
		{
			name:       "base url for another host is ignored",
			parser:     AssetParser{WorkDir: "/tmp/slicer", BaseURL: "https://other/host"},
			url:        "https://store/bucket1/a.stl",
			wantBucket: "bucket1",
			wantKey:    "a.stl",
		},
		{
			name:       "base path only matches whole segments",
			parser:     AssetParser{WorkDir: "/tmp/slicer", BaseURL: "https://store/host"},
			url:        "https://store/hostile/a.stl",
			wantBucket: "hostile",
			wantKey:    "a.stl",
		},
		{name: "missing key", parser: AssetParser{}, url: "https://store/bucket-only", wantErr: true},
		{name: "no path", parser: AssetParser{}, url: "https://store", wantErr: true},
		{name: "not a url", parser: AssetParser{}, url: "::nope", wantErr: true},
		{name: "relative", parser: AssetParser{}, url: "bucket/key.stl", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asset, err := tt.parser.Parse("stl_file", tt.url)

			if tt.wantErr {
				var malformed *MalformedMessageError
				require.ErrorAs(t, err, &malformed)
				assert.Equal(t, "stl_file", malformed.Field)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.url, asset.URL)
			assert.Equal(t, tt.wantBucket, asset.Bucket)
			assert.Equal(t, tt.wantKey, asset.Key)
			assert.Equal(t, tt.parser.WorkDir, filepath.Dir(asset.LocalPath))

			name := filepath.Base(asset.LocalPath)
			assert.Len(t, name, tokenLength+1+len(filepath.Base(tt.wantKey)))
			assert.True(t, strings.HasSuffix(name, "-"+filepath.Base(tt.wantKey)))
		})
	}
}

func TestAssetParser_ParseIsFreshPerCall(t *testing.T) {
	parser := AssetParser{WorkDir: "/tmp/slicer", BaseURL: "https://store/host"}

	first, err := parser.Parse("stl_file", "https://store/host/bucket1/objects/a.stl")
	require.NoError(t, err)
	second, err := parser.Parse("stl_file", "https://store/host/bucket1/objects/a.stl")
	require.NoError(t, err)

	assert.NotEqual(t, first.LocalPath, second.LocalPath)
	assert.Equal(t, first.Bucket, second.Bucket)
	assert.Equal(t, first.Key, second.Key)
}

func TestAssetParser_LocalNameIsShellSafe(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantName string
	}{
		{name: "plain", url: "https://store/b/dir/cube-1_v2.stl", wantName: "cube-1_v2.stl"},
		{name: "command separator", url: "https://store/b/x%3Btouch%20pwned%3B.stl", wantName: "x_touch_pwned_.stl"},
		{name: "substitution", url: "https://store/b/%24%28id%29%60id%60.stl", wantName: "__id__id_.stl"},
		{name: "quotes and glob", url: "https://store/b/a%27b%22c%2A.stl", wantName: "a_b_c_.stl"},
		{name: "non ascii", url: "https://store/b/m%C3%BCller.stl", wantName: "m_ller.stl"},
	}

	parser := AssetParser{WorkDir: "/tmp/slicer"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asset, err := parser.Parse("stl_file", tt.url)
			require.NoError(t, err)

			name := filepath.Base(asset.LocalPath)
			assert.Equal(t, tt.wantName, name[tokenLength+1:])
			assert.Regexp(t, `^[A-Za-z0-9._-]+$`, name)
			assert.Equal(t, "/tmp/slicer", filepath.Dir(asset.LocalPath))
		})
	}
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantErr    error
		wantField  string
		wantJobOID string
	}{
		{name: "valid", body: `{"job_id":"SN1-1","job_oid":"oid-1","request_type":1}`, wantJobOID: "oid-1"},
		{name: "not json", body: `not json`, wantErr: ErrNotJSON},
		{name: "truncated", body: `{"job_id":"SN1-1"`, wantErr: ErrNotJSON},
		{name: "request type as string", body: `{"job_id":"SN1-1","job_oid":"oid-1","request_type":"1"}`, wantField: "request_type", wantJobOID: "oid-1"},
		{name: "job id as number", body: `{"job_id":123,"job_oid":"oid-1"}`, wantField: "job_id", wantJobOID: "oid-1"},
		{name: "not an object", body: `[1,2]`, wantField: "message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.body))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, msg)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantJobOID, msg.JobOID)
			if tt.wantField == "" {
				assert.NoError(t, msg.DecodeErr)
				return
			}

			var malformed *MalformedMessageError
			require.ErrorAs(t, msg.DecodeErr, &malformed)
			assert.Equal(t, tt.wantField, malformed.Field)
		})
	}
}

func TestAssetParser_NewJobDecodeError(t *testing.T) {
	msg := validMessage()
	msg.DecodeErr = &MalformedMessageError{Field: "request_type", Reason: "must not be a JSON string"}

	job, err := AssetParser{WorkDir: "/tmp"}.NewJob(msg, false)

	assert.Nil(t, job)
	assert.EqualError(t, err, "malformed message: request_type must not be a JSON string")
}

func validMessage() *Message {
	return &Message{
		JobID:      "SN100-42",
		JobOID:     "65f0c0ffee",
		STLFile:    "https://store/models/a.stl",
		ConfigFile: "https://store/configs/a.ini",
		GCodeFile:  "https://store/gcodes/a.gcode",
		Handle:     "handle-1",
		Origin:     queue.Low,
	}
}

func TestAssetParser_NewJob(t *testing.T) {
	parser := AssetParser{WorkDir: "/work"}

	job, err := parser.NewJob(validMessage(), false)
	require.NoError(t, err)

	assert.Equal(t, "SN100-42", job.ID)
	assert.Equal(t, "65f0c0ffee", job.OID)
	assert.Equal(t, "SN100", job.SerialNumber)
	assert.Equal(t, RequestStore, job.RequestType)
	assert.Equal(t, "handle-1", job.Handle)
	assert.Equal(t, queue.Low, job.Origin)
	assert.Equal(t, StageReceived, job.Stage)
	assert.Equal(t, "gcodes", job.GCode.Bucket)
	assert.Equal(t, "a.gcode", job.GCode.Key)
	assert.Len(t, job.LocalPaths(), 3)
}

func TestAssetParser_NewJobRequestTypeAndSerial(t *testing.T) {
	msg := validMessage()
	printReq := 0
	msg.RequestType = &printReq
	msg.SerialNumber = "SN-EXPLICIT"

	job, err := AssetParser{WorkDir: "/work"}.NewJob(msg, true)
	require.NoError(t, err)

	assert.Equal(t, RequestPrint, job.RequestType)
	assert.Equal(t, "SN-EXPLICIT", job.SerialNumber)
}

func TestAssetParser_NewJobBadURL(t *testing.T) {
	msg := validMessage()
	msg.ConfigFile = "https://store/only-bucket"

	job, err := AssetParser{WorkDir: "/work"}.NewJob(msg, false)

	assert.Nil(t, job)
	var malformed *MalformedMessageError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "config_file", malformed.Field)
}

func TestSerialFromJobID(t *testing.T) {
	assert.Equal(t, "SN100", SerialFromJobID("SN100-42"))
	assert.Equal(t, "AB-CD", SerialFromJobID("AB-CD-7"))
	assert.Equal(t, "", SerialFromJobID("nodash"))
	assert.Equal(t, "", SerialFromJobID("-7"))
}
