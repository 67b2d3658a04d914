package teamcity

import "fmt"

// UploadError reports a failed patch upload.
type UploadError struct {
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload changes: %v", e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// TriggerError reports the build configuration whose queue request failed.
type TriggerError struct {
	Index    int
	ConfigID string
	Err      error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("trigger build %d (%s): %v", e.Index, e.ConfigID, e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }

// PollError reports a transport failure while reading a build's status.
type PollError struct {
	BuildID string
	Err     error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll build %s: %v", e.BuildID, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// httpStatusError carries a non-2xx response.
type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}
