package feed

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnauthenticated = errors.New("you must be logged in")
	ErrInvalidInput    = errors.New("invalid fields")
	ErrNotFound        = errors.New("not found")
)

type Post struct {
	ID             string    `json:"id"`
	AuthorID       string    `json:"authorId"`
	AuthorName     string    `json:"authorName"`
	AuthorPhotoURL string    `json:"authorPhotoURL"`
	Content        string    `json:"content"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	AuraPoints     int64     `json:"auraPoints"`
	CommentCount   int64     `json:"commentCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Comment struct {
	ID             string    `json:"id"`
	PostID         string    `json:"postId"`
	AuthorID       string    `json:"authorId"`
	AuthorName     string    `json:"authorName"`
	AuthorPhotoURL string    `json:"authorPhotoURL"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Profile struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Bio      string `json:"bio"`
	PhotoURL string `json:"photoURL"`
}

// Store persists the feed documents.
type Store interface {
	CreatePost(ctx context.Context, p *Post) error
	GetPost(ctx context.Context, id string) (*Post, error)
	// ListPosts returns at most limit posts, newest first.
	ListPosts(ctx context.Context, limit int) ([]*Post, error)
	// AddComment stores c and bumps the comment count of its post.
	// It returns ErrNotFound when the post does not exist.
	AddComment(ctx context.Context, c *Comment) error
	ListComments(ctx context.Context, postID string) ([]*Comment, error)
	GetProfile(ctx context.Context, uid string) (*Profile, error)
	PutProfile(ctx context.Context, p *Profile) error
}

// CounterReader reads the confirmed aura points of a post.
type CounterReader interface {
	Get(ctx context.Context, itemID string) (int64, error)
}
