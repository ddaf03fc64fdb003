package domain

// SlicingStatus is the status code stored in a print job's slicing document.
type SlicingStatus int

// Slicing status codes shared with the rest of the printing platform.
const (
	StatusCleared   SlicingStatus = -1
	StatusError     SlicingStatus = 12
	StatusPreparing SlicingStatus = 114
	StatusSlicing   SlicingStatus = 115
	StatusUploading SlicingStatus = 116
	StatusDone      SlicingStatus = 117
)

// Progress returns the short label and the detail text shown to users.
func (s SlicingStatus) Progress() (label, detail string) {
	switch s {
	case StatusError:
		return "Error", "Error"
	case StatusPreparing:
		return "Preparing Slicer", "Preparing to slice the model; downloading the STL file and slicing options"
	case StatusSlicing:
		return "Slicing", "Slicing the model"
	case StatusUploading:
		return "Saving sliced model", "Slicing completed; uploading the printing instructions for retrieval by the printer"
	case StatusDone:
		return "Slicing completed", "Slicing process finished; model is ready to print"
	case StatusCleared:
		return "", ""
	default:
		return "Unknown", "Unknown state"
	}
}

// Stage is where a job currently is in the pipeline.
type Stage string

const (
	StageReceived  Stage = "RECEIVED"
	StagePreparing Stage = "PREPARING"
	StageSlicing   Stage = "SLICING"
	StageUploading Stage = "UPLOADING"
	StageDone      Stage = "DONE"
	StageFailed    Stage = "ERROR"
	StageCanceled  Stage = "CANCELED"
)

// RequestType selects what happens after a successful slice.
type RequestType int

const (
	// RequestPrint sends the sliced file to the printer over its device channel.
	RequestPrint RequestType = 0
	// RequestStore only stores the sliced file.
	RequestStore RequestType = 1
)
