package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/samueltorres/circuit/pkg/feed"
)

// FeedStorage is an in-memory feed.Store. Returned documents are copies.
type FeedStorage struct {
	mux      sync.RWMutex
	posts    map[string]*feed.Post
	comments map[string][]*feed.Comment
	profiles map[string]*feed.Profile
}

func NewFeedStorage() *FeedStorage {
	return &FeedStorage{
		posts:    make(map[string]*feed.Post),
		comments: make(map[string][]*feed.Comment),
		profiles: make(map[string]*feed.Profile),
	}
}

func (s *FeedStorage) CreatePost(ctx context.Context, p *feed.Post) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	cp := *p
	s.posts[p.ID] = &cp
	return nil
}

func (s *FeedStorage) GetPost(ctx context.Context, id string) (*feed.Post, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, feed.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *FeedStorage) ListPosts(ctx context.Context, limit int) ([]*feed.Post, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	posts := make([]*feed.Post, 0, len(s.posts))
	for _, p := range s.posts {
		cp := *p
		posts = append(posts, &cp)
	}

	sort.Slice(posts, func(i, j int) bool {
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (s *FeedStorage) AddComment(ctx context.Context, c *feed.Comment) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	p, ok := s.posts[c.PostID]
	if !ok {
		return feed.ErrNotFound
	}

	cp := *c
	s.comments[c.PostID] = append(s.comments[c.PostID], &cp)
	p.CommentCount++
	return nil
}

func (s *FeedStorage) ListComments(ctx context.Context, postID string) ([]*feed.Comment, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	comments := make([]*feed.Comment, 0, len(s.comments[postID]))
	for _, c := range s.comments[postID] {
		cp := *c
		comments = append(comments, &cp)
	}
	return comments, nil
}

func (s *FeedStorage) GetProfile(ctx context.Context, uid string) (*feed.Profile, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	p, ok := s.profiles[uid]
	if !ok {
		return nil, feed.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *FeedStorage) PutProfile(ctx context.Context, p *feed.Profile) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	cp := *p
	s.profiles[p.UID] = &cp
	return nil
}
