package teamcity

import (
	"encoding/xml"
	"fmt"
)

// Credentials identify the user on one build server.
type Credentials struct {
	ServerURL string
	User      string
	UserID    string // server-side user id for uploads; User when empty
	Password  string
	Token     string // bearer token, takes precedence over Password
}

// BuildConfigRef names a build configuration by its external id.
type BuildConfigRef struct {
	ID string
}

// ChangeListID identifies a personal change list on the server.
type ChangeListID string

// QueuedBuild is a build created by Trigger.
type QueuedBuild struct {
	ID     string
	Config BuildConfigRef
}

// Outcome is the terminal result of one build.
type Outcome int

const (
	OutcomeOther Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeFailure:
		return "FAILURE"
	default:
		return "OTHER"
	}
}

// ParseOutcome maps a server status attribute to an Outcome. The server
// sends upper-case values; anything else, including other casings, is
// OutcomeOther.
func ParseOutcome(status string) Outcome {
	switch status {
	case "SUCCESS":
		return OutcomeSuccess
	case "FAILURE":
		return OutcomeFailure
	default:
		return OutcomeOther
	}
}

// StatusResult is one observation of a build's status. A body that could
// not be parsed is reported through Err rather than as a call error, so
// callers can keep polling.
type StatusResult struct {
	State    string
	Status   string
	Finished bool
	Outcome  Outcome
	Err      error
}

// Pending reports whether the build has not produced a usable terminal
// status yet, either because it is still running or because the response
// was malformed.
func (r StatusResult) Pending() bool {
	return r.Err != nil || !r.Finished
}

type buildRequest struct {
	XMLName           xml.Name          `xml:"build"`
	Personal          bool              `xml:"personal,attr"`
	TriggeringOptions triggeringOptions `xml:"triggeringOptions"`
	BuildType         buildTypeRef      `xml:"buildType"`
	LastChanges       lastChanges       `xml:"lastChanges"`
}

type triggeringOptions struct {
	CleanSources           bool `xml:"cleanSources,attr"`
	RebuildAllDependencies bool `xml:"rebuildAllDependencies,attr"`
	QueueAtTop             bool `xml:"queueAtTop,attr"`
}

type buildTypeRef struct {
	ID string `xml:"id,attr"`
}

type lastChanges struct {
	Changes []changeRef `xml:"change"`
}

type changeRef struct {
	ID       string `xml:"id,attr"`
	Personal bool   `xml:"personal,attr"`
}

// newBuildRequest returns the queue request for a personal build of config
// against change list id. Personal builds never clean sources, rebuild
// dependencies or jump the queue.
func newBuildRequest(id ChangeListID, config BuildConfigRef) buildRequest {
	return buildRequest{
		Personal:    true,
		BuildType:   buildTypeRef{ID: config.ID},
		LastChanges: lastChanges{Changes: []changeRef{{ID: string(id), Personal: true}}},
	}
}

type buildResponse struct {
	XMLName     xml.Name `xml:"build"`
	ID          string   `xml:"id,attr"`
	BuildTypeID string   `xml:"buildTypeId,attr"`
	State       string   `xml:"state,attr"`
	Status      string   `xml:"status,attr"`
}

// ParseBuildStatus parses a build status document. It never fails; parse
// problems are carried in StatusResult.Err.
func ParseBuildStatus(body []byte) StatusResult {
	var resp buildResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return StatusResult{Err: fmt.Errorf("parse build status: %w", err)}
	}
	res := StatusResult{
		State:    resp.State,
		Status:   resp.Status,
		Finished: resp.State == "finished",
	}
	if res.Finished {
		if resp.Status == "" {
			res.Err = fmt.Errorf("parse build status: finished build %s has no status", resp.ID)
			return res
		}
		res.Outcome = ParseOutcome(resp.Status)
	}
	return res
}
