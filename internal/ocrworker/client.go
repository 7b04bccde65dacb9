package ocrworker

import (
	"context"
	"encoding/json"
)

// ProcessImage runs OCR on the image at the given path and returns the raw
// result payload.
func (c *Channel) ProcessImage(ctx context.Context, imagePath string) (json.RawMessage, error) {
	resp, err := c.Send(ctx, ProcessImageRequest(imagePath))
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ProcessBatch runs OCR on several images in one worker call.
func (c *Channel) ProcessBatch(ctx context.Context, imagePaths []string, batchSize int) (json.RawMessage, error) {
	resp, err := c.Send(ctx, ProcessBatchRequest(imagePaths, batchSize))
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ExtractData asks the worker to extract structured fields from raw text.
func (c *Channel) ExtractData(ctx context.Context, text string) (json.RawMessage, error) {
	resp, err := c.Send(ctx, ExtractDataRequest(text))
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Status probes the worker; a nil error means the worker answered.
func (c *Channel) Status(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.Send(ctx, StatusRequest())
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
