package domain

import (
	"errors"
	"strings"
)

// ProcessingRequest is the payload sent to POST /process. It is built once
// per submission by NewProcessingRequest and never changed afterwards.
type ProcessingRequest struct {
	Algorithm  string          `json:"algorithm"`
	Parameters ParameterValues `json:"parameters"`
	Image      EncodedImage    `json:"image"`
}

type ProcessedResult struct {
	ProcessedImage EncodedImage `json:"processedImage"`
	Message        string       `json:"message,omitempty"`
}

func NewProcessingRequest(algorithmID string, parameters ParameterValues, image EncodedImage) (ProcessingRequest, error) {
	req := ProcessingRequest{
		Algorithm:  algorithmID,
		Parameters: parameters.Clone(),
		Image:      image,
	}
	if err := req.Validate(); err != nil {
		return ProcessingRequest{}, err
	}
	return req, nil
}

func (r ProcessingRequest) Validate() error {
	if r.Image.IsZero() {
		return Wrap(ErrNoImage, "build processing request", errors.New("image is required"))
	}
	if strings.TrimSpace(r.Algorithm) == "" {
		return Wrap(ErrUnknownAlgorithm, "build processing request", errors.New("algorithm is required"))
	}
	return nil
}
