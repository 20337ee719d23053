package domain

// Mode selects how a processed batch is returned to the caller.
type Mode string

const (
	ModeInline  Mode = "inline"
	ModeArchive Mode = "archive"
)

// UploadItem is one named file from a batch upload.
type UploadItem struct {
	Filename string
	Data     []byte
}

// Artifact is the serialized point cloud produced for one upload.
type Artifact struct {
	SourceFilename   string
	ArtifactFilename string
	Data             []byte
	Width            int
	Height           int
	FocalLength      float64
}

// Failure records why a single upload could not be converted.
type Failure struct {
	SourceFilename string
	Message        string
}

// Outcome is the per-item result of a batch. Exactly one of Artifact and
// Failure is set.
type Outcome struct {
	Artifact *Artifact
	Failure  *Failure
}

// Succeeded reports whether the outcome carries an artifact.
func (o Outcome) Succeeded() bool {
	return o.Artifact != nil
}

// Filename returns the source filename of either variant.
func (o Outcome) Filename() string {
	switch {
	case o.Artifact != nil:
		return o.Artifact.SourceFilename
	case o.Failure != nil:
		return o.Failure.SourceFilename
	default:
		return ""
	}
}

// BatchResult holds one outcome per uploaded item, in upload order.
type BatchResult struct {
	RequestID string
	Outcomes  []Outcome
}

// Artifacts returns the successful artifacts in upload order.
func (r *BatchResult) Artifacts() []*Artifact {
	artifacts := make([]*Artifact, 0, len(r.Outcomes))
	for _, outcome := range r.Outcomes {
		if outcome.Artifact != nil {
			artifacts = append(artifacts, outcome.Artifact)
		}
	}
	return artifacts
}

// Failures returns the failed items in upload order.
func (r *BatchResult) Failures() []*Failure {
	var failures []*Failure
	for _, outcome := range r.Outcomes {
		if outcome.Failure != nil {
			failures = append(failures, outcome.Failure)
		}
	}
	return failures
}
