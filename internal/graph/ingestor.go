package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
)

// Ingestor merges posts into the graph in two phases: UpsertNodes for all
// posts of a batch, then LinkReplies. Replies may therefore arrive before the
// posts they answer.
type Ingestor struct {
	backend Backend
	schema  Schema
	log     *logger.Logger
}

func NewIngestor(backend Backend, schema Schema, log *logger.Logger) *Ingestor {
	if schema.IndexName == "" {
		schema.IndexName = DefaultIndexName
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Ingestor{backend: backend, schema: schema, log: log.With("component", "ingestor")}
}

// EnsureSchema is idempotent; call it once before ingesting.
func (i *Ingestor) EnsureSchema(ctx context.Context) error {
	if i.schema.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions not configured", ErrDimensionMismatch)
	}
	if err := i.backend.EnsureSchema(ctx, i.schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertResult counts what UpsertNodes did.
type UpsertResult struct {
	Merged  int
	Invalid []string
	Failed  []string
}

// Upsert merges a single post. Use UpsertNodes and LinkReplies for batches.
func (i *Ingestor) Upsert(ctx context.Context, post corpus.Post, embedding []float32) error {
	res, err := i.UpsertNodes(ctx, []PostInput{{Post: post, Embedding: embedding}})
	if err != nil {
		return err
	}
	if len(res.Invalid) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPost, post.PostID)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("merge post %s failed", post.PostID)
	}
	return nil
}

// UpsertNodes validates and merges posts with their course, thread and
// author. An embedding of the wrong length aborts the batch; any other
// per-post problem is logged and the post skipped.
func (i *Ingestor) UpsertNodes(ctx context.Context, inputs []PostInput) (UpsertResult, error) {
	var res UpsertResult
	valid := make([]PostInput, 0, len(inputs))

	for _, in := range inputs {
		if len(in.Embedding) != i.schema.Dimensions {
			return res, fmt.Errorf("%w: post %s has %d dimensions, index expects %d",
				ErrDimensionMismatch, in.Post.PostID, len(in.Embedding), i.schema.Dimensions)
		}
		if err := in.Post.Validate(); err != nil {
			i.log.Warn("rejecting post", "post_id", in.Post.PostID, "error", err)
			res.Invalid = append(res.Invalid, in.Post.PostID)
			continue
		}
		if in.Post.Author == "" {
			in.Post.Author = "Unknown"
		}
		valid = append(valid, in)
	}
	if len(valid) == 0 {
		return res, nil
	}

	err := i.backend.MergePosts(ctx, valid)
	if err == nil {
		res.Merged = len(valid)
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	i.log.Warn("batch merge failed, retrying per post", "posts", len(valid), "error", err)

	for _, in := range valid {
		if err := i.backend.MergePosts(ctx, []PostInput{in}); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			i.log.Warn("merge post failed", "post_id", in.Post.PostID, "thread", in.Post.ThreadID, "error", err)
			res.Failed = append(res.Failed, in.Post.PostID)
			continue
		}
		res.Merged++
	}
	return res, nil
}

// LinkReplies creates REPLIES_TO edges for every post with a reply target.
// Missing targets are reported as pending; targets in another thread are
// rejected.
func (i *Ingestor) LinkReplies(ctx context.Context, posts []corpus.Post) (LinkResult, error) {
	var res LinkResult
	links := make([]ReplyLink, 0, len(posts))
	for _, p := range posts {
		if p.ResponseTo == nil || *p.ResponseTo == "" || *p.ResponseTo == p.PostID {
			continue
		}
		links = append(links, ReplyLink{ReplyID: p.PostID, TargetID: *p.ResponseTo})
	}
	if len(links) == 0 {
		return res, nil
	}

	statuses, err := i.backend.LinkReplies(ctx, links)
	if err != nil {
		return res, fmt.Errorf("link replies: %w", err)
	}
	for _, l := range links {
		switch statuses[l.ReplyID] {
		case LinkCreated:
			res.Linked++
		case LinkCrossThread:
			i.log.Warn("reply target in another thread, not linked", "post_id", l.ReplyID, "response_to", l.TargetID)
			res.Rejected = append(res.Rejected, l.ReplyID)
		case LinkTargetMissing, LinkReplyMissing:
			res.Pending = append(res.Pending, l.ReplyID)
		default:
			i.log.Warn("no link status returned", "post_id", l.ReplyID)
			res.Pending = append(res.Pending, l.ReplyID)
		}
	}
	if len(res.Pending) > 0 {
		i.log.Info("reply links pending", "count", len(res.Pending))
	}
	return res, nil
}

// IsFatal reports whether an ingest error must stop the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDimensionMismatch) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
