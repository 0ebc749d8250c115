package corpus

import "fmt"

// ReplyIssue describes a reply pointer that does not resolve inside its thread
// or points at a later post.
type ReplyIssue struct {
	PostID     string
	ResponseTo string
	Reason     string
}

func (i ReplyIssue) String() string {
	return fmt.Sprintf("post %s -> %s: %s", i.PostID, i.ResponseTo, i.Reason)
}

// ValidateThread checks the reply structure of one thread: exactly one root
// and every response_to naming an earlier-or-equal post of the same thread.
// It reports problems instead of failing so callers can decide to log them.
func ValidateThread(posts []Post) []ReplyIssue {
	var issues []ReplyIssue

	byID := make(map[string]*Post, len(posts))
	roots := 0
	for i := range posts {
		byID[posts[i].PostID] = &posts[i]
		if posts[i].IsThreadRoot {
			roots++
		}
	}
	if len(posts) > 0 && roots != 1 {
		issues = append(issues, ReplyIssue{
			PostID: posts[0].PostID,
			Reason: fmt.Sprintf("thread has %d roots", roots),
		})
	}

	for i := range posts {
		p := &posts[i]
		if p.ResponseTo == nil || *p.ResponseTo == "" {
			continue
		}
		target, ok := byID[*p.ResponseTo]
		if !ok {
			issues = append(issues, ReplyIssue{PostID: p.PostID, ResponseTo: *p.ResponseTo, Reason: "target not in thread"})
			continue
		}
		if target.ThreadID != p.ThreadID {
			issues = append(issues, ReplyIssue{PostID: p.PostID, ResponseTo: *p.ResponseTo, Reason: "target in another thread"})
			continue
		}
		if !p.PostedAt.IsZero() && !target.PostedAt.IsZero() && target.PostedAt.After(p.PostedAt) {
			issues = append(issues, ReplyIssue{PostID: p.PostID, ResponseTo: *p.ResponseTo, Reason: "target posted later"})
		}
	}
	return issues
}
