package generation

import (
	"time"

	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/model"
)

const untitled = "Untitled"

// newArtifact builds the artifact for a completed task. The artifact id is
// the task id.
func newArtifact(taskID string, req model.GenerationRequest, res *client.PollResult, now time.Time) model.GeneratedArtifact {
	title := req.Title
	if title == "" {
		title = untitled
	}
	return model.GeneratedArtifact{
		ID:          taskID,
		Title:       title,
		Description: req.PromptText,
		MediaURL:    res.MediaURL,
		CoverURL:    res.CoverURL,
		CreatedAt:   now,
		LyricsMode:  req.LyricsMode,
	}
}

// prependArtifact returns list with a in front, or list unchanged and false
// when an artifact with the same id is already present.
func prependArtifact(list []model.GeneratedArtifact, a model.GeneratedArtifact) ([]model.GeneratedArtifact, bool) {
	for _, cur := range list {
		if cur.ID == a.ID {
			return list, false
		}
	}
	out := make([]model.GeneratedArtifact, 0, len(list)+1)
	out = append(out, a)
	return append(out, list...), true
}

// mergeArtifacts keeps remote order and wins on id conflicts; local entries
// unknown to remote are appended in their local order.
func mergeArtifacts(remote, local []model.GeneratedArtifact) []model.GeneratedArtifact {
	seen := make(map[string]struct{}, len(remote))
	out := make([]model.GeneratedArtifact, 0, len(remote)+len(local))
	for _, a := range remote {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	for _, a := range local {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

func removeArtifact(list []model.GeneratedArtifact, id string) ([]model.GeneratedArtifact, *model.GeneratedArtifact) {
	for i, a := range list {
		if a.ID == id {
			removed := a
			out := make([]model.GeneratedArtifact, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), &removed
		}
	}
	return list, nil
}
