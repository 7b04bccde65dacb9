package ocrworker

import "encoding/json"

// Commands understood by the worker process.
const (
	CommandProcessImage = "process_image"
	CommandProcessBatch = "process_batch"
	CommandExtractData  = "extract_data"
	CommandStatus       = "status"
	CommandShutdown     = "shutdown"
)

// Response status values on the wire.
const (
	statusReady   = "ready"
	statusSuccess = "success"
	statusError   = "error"
)

// Request is a single command sent to the worker as one JSON line.
type Request struct {
	Command    string   `json:"command"`
	ImagePath  string   `json:"image_path,omitempty"`
	ImagePaths []string `json:"image_paths,omitempty"`
	BatchSize  int      `json:"batch_size,omitempty"`
	Text       string   `json:"text,omitempty"`
}

// Response is a single JSON line received from the worker.
type Response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ProcessImageRequest builds a process_image request for the given path.
func ProcessImageRequest(imagePath string) Request {
	return Request{Command: CommandProcessImage, ImagePath: imagePath}
}

// ProcessBatchRequest builds a process_batch request.
func ProcessBatchRequest(imagePaths []string, batchSize int) Request {
	return Request{Command: CommandProcessBatch, ImagePaths: imagePaths, BatchSize: batchSize}
}

// ExtractDataRequest builds an extract_data request for raw text.
func ExtractDataRequest(text string) Request {
	return Request{Command: CommandExtractData, Text: text}
}

// StatusRequest builds a status probe request.
func StatusRequest() Request {
	return Request{Command: CommandStatus}
}
