package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const DefaultMaxContentLength = 500

// Rules holds the configurable bounds applied by the aggregate.
type Rules struct {
	MaxContentLength int
}

func (r Rules) maxLen() int {
	if r.MaxContentLength <= 0 {
		return DefaultMaxContentLength
	}
	return r.MaxContentLength
}

// ValidateContent trims the content and checks it against the length bound
// (counted in characters, not bytes).
func (r Rules) ValidateContent(op, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", Validation(op, "content must not be empty")
	}
	if n := utf8.RuneCountInString(content); n > r.maxLen() {
		return "", Validation(op, fmt.Sprintf("content has %d characters, limit is %d", n, r.maxLen()))
	}
	return content, nil
}

// Post is the authoritative state of one post. Methods that decide a
// transition return the event without applying it; Apply is the only
// place state changes, so live mutation and replay share one code path.
type Post struct {
	ID           string
	AuthorID     string
	Content      string
	Published    bool
	PublishAt    *time.Time
	LikeCount    int64
	RepostCount  int64
	CommentCount int64
	Version      int64
	CreatedAt    time.Time
	EditedAt     *time.Time
	DeletedAt    *time.Time
	LastEventAt  time.Time
}

func (p *Post) Deleted() bool { return p.DeletedAt != nil }

// VisibleTo reports whether viewerID may read the post.
func (p *Post) VisibleTo(viewerID string) bool {
	if p.Deleted() {
		return false
	}
	return p.Published || (viewerID != "" && viewerID == p.AuthorID)
}

// NewPost decides a CreatePost. The post is published unless publishAt is
// after at.
func NewPost(rules Rules, id, authorID, content string, publishAt *time.Time, at time.Time) (*Post, Event, error) {
	const op = CommandCreatePost
	if strings.TrimSpace(id) == "" {
		return nil, Event{}, Validation(op, "post id is required")
	}
	if strings.TrimSpace(authorID) == "" {
		return nil, Event{}, Validation(op, "author is required")
	}
	content, err := rules.ValidateContent(op, content)
	if err != nil {
		return nil, Event{}, err
	}

	published := publishAt == nil || !publishAt.After(at)
	payload := Payload{AuthorID: authorID, Content: content, Published: &published}
	if !published {
		ts := publishAt.UTC()
		payload.PublishAt = &ts
	}
	evt := Event{AggregateID: id, Type: EventCreated, Version: 1, Payload: payload, OccurredAt: at}

	p := &Post{}
	if err := p.Apply(evt); err != nil {
		return nil, Event{}, err
	}
	return p, evt, nil
}

func (p *Post) next(t EventType, at time.Time, payload Payload) Event {
	// occurrence time never goes backwards for one aggregate
	if at.Before(p.LastEventAt) {
		at = p.LastEventAt
	}
	return Event{AggregateID: p.ID, Type: t, Version: p.Version + 1, Payload: payload, OccurredAt: at}
}

func (p *Post) guardMutable(op string) error {
	if p.Deleted() {
		return Gone(op, "post "+p.ID+" has been deleted")
	}
	return nil
}

func (p *Post) guardAuthor(op, actorID string) error {
	if actorID != p.AuthorID {
		return Forbidden(op, "only the author may modify this post")
	}
	return nil
}

// Edit changes the content and, for unpublished posts, the schedule. The
// second return is false when nothing changes; no event is produced then.
func (p *Post) Edit(rules Rules, actorID, content string, publishAt *time.Time, at time.Time) (Event, bool, error) {
	const op = CommandEditPost
	if err := p.guardMutable(op); err != nil {
		return Event{}, false, err
	}
	if err := p.guardAuthor(op, actorID); err != nil {
		return Event{}, false, err
	}
	content, err := rules.ValidateContent(op, content)
	if err != nil {
		return Event{}, false, err
	}

	var payload Payload
	changed := false
	if content != p.Content {
		payload.Content = content
		payload.ContentChanged = true
		changed = true
	}
	if publishAt != nil {
		if p.Published {
			return Event{}, false, Validation(op, "a published post cannot be rescheduled")
		}
		if p.PublishAt == nil || !p.PublishAt.Equal(*publishAt) {
			ts := publishAt.UTC()
			payload.PublishAt = &ts
			changed = true
		}
	}
	if !changed {
		return Event{}, false, nil
	}
	return p.next(EventUpdated, at, payload), true, nil
}

// Publish is the scheduler transition. Already published posts are a no-op.
func (p *Post) Publish(at time.Time) (Event, bool, error) {
	if err := p.guardMutable(CommandPublishPost); err != nil {
		return Event{}, false, err
	}
	if p.Published {
		return Event{}, false, nil
	}
	published := true
	return p.next(EventUpdated, at, Payload{Published: &published, Publishing: true}), true, nil
}

// Like decides a like by actorID. Whether it is the first like by that user
// is decided by the store (unique like row); callers only apply the event
// when the like row was actually inserted.
func (p *Post) Like(actorID string, at time.Time) (Event, error) {
	const op = CommandLikePost
	if err := p.guardMutable(op); err != nil {
		return Event{}, err
	}
	if !p.VisibleTo(actorID) {
		return Event{}, NotFound(op, "post "+p.ID+" not found")
	}
	return p.next(EventLiked, at, Payload{UserID: actorID}), nil
}

func (p *Post) Unlike(actorID string, at time.Time) (Event, error) {
	const op = CommandUnlikePost
	if err := p.guardMutable(op); err != nil {
		return Event{}, err
	}
	if !p.VisibleTo(actorID) {
		return Event{}, NotFound(op, "post "+p.ID+" not found")
	}
	return p.next(EventUnliked, at, Payload{UserID: actorID}), nil
}

// Delete tombstones the post. Every later mutation is rejected.
func (p *Post) Delete(actorID string, at time.Time) (Event, error) {
	const op = CommandDeletePost
	if err := p.guardMutable(op); err != nil {
		return Event{}, err
	}
	if err := p.guardAuthor(op, actorID); err != nil {
		return Event{}, err
	}
	return p.next(EventDeleted, at, Payload{}), nil
}

// Apply folds one event into the state.
func (p *Post) Apply(e Event) error {
	if e.Version != p.Version+1 {
		return Conflict("apply", fmt.Sprintf("event version %d does not follow %d", e.Version, p.Version))
	}
	at := e.OccurredAt
	switch e.Type {
	case EventCreated:
		if p.Version != 0 {
			return Conflict("apply", "created event on existing aggregate")
		}
		p.ID = e.AggregateID
		p.AuthorID = e.Payload.AuthorID
		p.Content = e.Payload.Content
		p.Published = e.Payload.Published == nil || *e.Payload.Published
		p.PublishAt = e.Payload.PublishAt
		p.CreatedAt = at
	case EventUpdated:
		if e.Payload.ContentChanged {
			p.Content = e.Payload.Content
			edited := at
			p.EditedAt = &edited
		}
		if e.Payload.PublishAt != nil {
			p.PublishAt = e.Payload.PublishAt
		}
		if e.Payload.Published != nil {
			p.Published = *e.Payload.Published
		}
	case EventLiked:
		p.LikeCount++
	case EventUnliked:
		if p.LikeCount > 0 {
			p.LikeCount--
		}
	case EventDeleted:
		deleted := at
		p.DeletedAt = &deleted
	default:
		return Validation("apply", "unknown event type "+string(e.Type))
	}
	p.Version = e.Version
	p.LastEventAt = at
	return nil
}

// Replay rebuilds a post from its events in sequence order.
func Replay(events []Event) (*Post, error) {
	if len(events) == 0 {
		return nil, NotFound("replay", "no events")
	}
	if events[0].Type != EventCreated {
		return nil, Conflict("replay", "first event must be created, got "+string(events[0].Type))
	}
	p := &Post{}
	for _, e := range events {
		if err := p.Apply(e); err != nil {
			return nil, err
		}
	}
	return p, nil
}
