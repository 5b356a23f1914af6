package domain

import "time"

const (
	CommandCreatePost  = "CreatePost"
	CommandEditPost    = "EditPost"
	CommandLikePost    = "LikePost"
	CommandUnlikePost  = "UnlikePost"
	CommandDeletePost  = "DeletePost"
	CommandPublishPost = "PublishPost"
)

// SystemActor issues commands that no user initiated (scheduler).
const SystemActor = "system"

// Meta carries the explicit request context of a command: who acts, at what
// time, and an optional request id used as the idempotency key on retries.
type Meta struct {
	ActorID   string `json:"actor_id" validate:"required,max=36"`
	At        time.Time
	RequestID string `json:"request_id" validate:"max=128"`
}

// Command is a typed request to mutate one post aggregate.
type Command interface {
	CommandType() string
	Metadata() Meta
	TargetID() string
}

type CreatePost struct {
	Meta
	// PostID may be supplied by the caller so that retries are idempotent.
	PostID    string `validate:"omitempty,max=36"`
	Content   string
	PublishAt *time.Time
}

type EditPost struct {
	Meta
	PostID    string `validate:"required,max=36"`
	Content   string
	PublishAt *time.Time
}

type LikePost struct {
	Meta
	PostID string `validate:"required,max=36"`
}

type UnlikePost struct {
	Meta
	PostID string `validate:"required,max=36"`
}

type DeletePost struct {
	Meta
	PostID string `validate:"required,max=36"`
}

// PublishPost moves a scheduled post to published.
type PublishPost struct {
	Meta
	PostID string `validate:"required,max=36"`
}

func (c CreatePost) CommandType() string  { return CommandCreatePost }
func (c EditPost) CommandType() string    { return CommandEditPost }
func (c LikePost) CommandType() string    { return CommandLikePost }
func (c UnlikePost) CommandType() string  { return CommandUnlikePost }
func (c DeletePost) CommandType() string  { return CommandDeletePost }
func (c PublishPost) CommandType() string { return CommandPublishPost }

func (c CreatePost) Metadata() Meta  { return c.Meta }
func (c EditPost) Metadata() Meta    { return c.Meta }
func (c LikePost) Metadata() Meta    { return c.Meta }
func (c UnlikePost) Metadata() Meta  { return c.Meta }
func (c DeletePost) Metadata() Meta  { return c.Meta }
func (c PublishPost) Metadata() Meta { return c.Meta }

func (c CreatePost) TargetID() string  { return c.PostID }
func (c EditPost) TargetID() string    { return c.PostID }
func (c LikePost) TargetID() string    { return c.PostID }
func (c UnlikePost) TargetID() string  { return c.PostID }
func (c DeletePost) TargetID() string  { return c.PostID }
func (c PublishPost) TargetID() string { return c.PostID }
