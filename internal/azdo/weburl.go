package azdo

import (
	"fmt"
	"net/url"

	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

// WebURL is the browser link of the build, empty when the payload had none.
func (b Build) WebURL() string {
	return b.Links.Web.Href
}

func (p Pipeline) WebURL() string {
	return p.Links.Web.Href
}

// RecordWebURL points the build results page at the log view of one timeline
// record. A succeeded child opens on its own task, a skipped child on itself
// as a job, and anything else on the record as a stage.
func RecordWebURL(buildURL string, r timeline.Record) (string, error) {
	u, err := url.Parse(buildURL)
	if err != nil {
		return "", fmt.Errorf("parse build url: %w", err)
	}
	if u.Query().Get("buildId") == "" {
		return "", fmt.Errorf("build url %q has no buildId", buildURL)
	}

	q := u.Query()
	q.Set("view", "logs")
	switch {
	case r.ParentID != "" && r.State == timeline.StateCompleted && r.Result == timeline.ResultSucceeded:
		q.Set("j", r.ParentID)
		q.Set("t", r.ID)
	case r.ParentID != "" && r.Result == timeline.ResultSkipped:
		q.Set("j", r.ID)
	default:
		q.Set("s", r.ID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
