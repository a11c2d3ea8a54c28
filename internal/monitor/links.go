package monitor

import (
	"errors"
	"fmt"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
)

var ErrRecordNotFound = errors.New("record not in the run timeline")

// BuildWebURL returns the browser link of a build of the selected project.
// Builds in the list carry their own link; others get the results page.
func (m *Monitor) BuildWebURL(buildID int) (string, error) {
	m.mu.RLock()
	project := m.sel.Project
	var href string
	for _, b := range m.builds {
		if b.ID == buildID {
			href = b.WebURL()
			break
		}
	}
	m.mu.RUnlock()

	if project == "" {
		return "", ErrNoSelection
	}
	if href == "" {
		href = m.remote.BuildWebURL(project, buildID)
	}
	return href, nil
}

// RecordWebURL returns the log view of one record of the selected run.
func (m *Monitor) RecordWebURL(recordID string) (string, error) {
	snap := m.Snapshot()
	if snap == nil {
		return "", ErrNoSelection
	}
	r, ok := snap.Find(recordID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	buildURL, err := m.BuildWebURL(snap.RunID)
	if err != nil {
		return "", err
	}
	return azdo.RecordWebURL(buildURL, r)
}
