// Package output turns batch results into the two response shapes: inline
// JSON with embedded artifacts and a zip archive of artifacts.
package output

import (
	"encoding/base64"

	"github.com/example/splat-api/internal/domain"
)

// InlineResponse is the JSON body of an inline batch.
type InlineResponse struct {
	Results []interface{} `json:"results"`
}

// InlineSuccess is one converted item.
type InlineSuccess struct {
	Filename    string  `json:"filename"`
	PLYFilename string  `json:"ply_filename"`
	PLYData     string  `json:"ply_data"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FocalLength float64 `json:"focal_length"`
}

// InlineFailure is one item that could not be converted.
type InlineFailure struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// BuildInline renders every outcome in batch order. Results is never nil, so
// an empty batch encodes as an empty JSON array.
func BuildInline(result *domain.BatchResult) *InlineResponse {
	resp := &InlineResponse{Results: make([]interface{}, 0)}
	if result == nil {
		return resp
	}
	resp.Results = make([]interface{}, 0, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		switch {
		case outcome.Artifact != nil:
			a := outcome.Artifact
			resp.Results = append(resp.Results, InlineSuccess{
				Filename:    a.SourceFilename,
				PLYFilename: a.ArtifactFilename,
				PLYData:     base64.StdEncoding.EncodeToString(a.Data),
				Width:       a.Width,
				Height:      a.Height,
				FocalLength: a.FocalLength,
			})
		case outcome.Failure != nil:
			resp.Results = append(resp.Results, InlineFailure{
				Filename: outcome.Failure.SourceFilename,
				Error:    outcome.Failure.Message,
			})
		}
	}
	return resp
}
