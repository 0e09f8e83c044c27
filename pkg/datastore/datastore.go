// Package datastore stores the feed documents and their aura counters in
// Google Cloud Datastore. Comments are children of their post entity.
package datastore

import (
	"context"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/pkg/errors"
	"github.com/samueltorres/circuit/pkg/feed"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
)

const (
	kindPost    = "Post"
	kindComment = "Comment"
	kindProfile = "Profile"
)

type postEntity struct {
	AuthorID       string
	AuthorName     string `datastore:",noindex"`
	AuthorPhotoURL string `datastore:",noindex"`
	Content        string `datastore:",noindex"`
	ImageURL       string `datastore:",noindex"`
	AuraPoints     int64
	CommentCount   int64
	CreatedAt      time.Time
}

type commentEntity struct {
	AuthorID       string
	AuthorName     string `datastore:",noindex"`
	AuthorPhotoURL string `datastore:",noindex"`
	Content        string `datastore:",noindex"`
	CreatedAt      time.Time
}

type profileEntity struct {
	Name     string
	Bio      string `datastore:",noindex"`
	PhotoURL string `datastore:",noindex"`
}

// Storage implements feed.Store and the aura counter store on one client.
type Storage struct {
	client    *datastore.Client
	namespace string
	logger    *logrus.Logger
}

func NewStorage(client *datastore.Client, namespace string, logger *logrus.Logger) *Storage {
	return &Storage{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (s *Storage) postKey(id string) *datastore.Key {
	k := datastore.NameKey(kindPost, id, nil)
	k.Namespace = s.namespace
	return k
}

func (s *Storage) commentKey(postID, id string) *datastore.Key {
	k := datastore.NameKey(kindComment, id, s.postKey(postID))
	k.Namespace = s.namespace
	return k
}

func (s *Storage) profileKey(uid string) *datastore.Key {
	k := datastore.NameKey(kindProfile, uid, nil)
	k.Namespace = s.namespace
	return k
}

// Add increments the aura points of a post in a transaction.
// The post must exist.
func (s *Storage) Add(ctx context.Context, itemID string, n int64) error {
	key := s.postKey(itemID)

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var e postEntity
		if err := tx.Get(key, &e); err != nil {
			return err
		}
		e.AuraPoints += n
		_, err := tx.Put(key, &e)
		return err
	})
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return errors.Wrapf(feed.ErrNotFound, "post %s", itemID)
	}
	if err != nil {
		return errors.Wrap(err, "datastore aura transaction failure")
	}

	return nil
}

// Get reads the aura points of a post; a missing post has none.
func (s *Storage) Get(ctx context.Context, itemID string) (int64, error) {
	var e postEntity
	err := s.client.Get(ctx, s.postKey(itemID), &e)
	if err == datastore.ErrNoSuchEntity {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "datastore get failure")
	}
	return e.AuraPoints, nil
}

func (s *Storage) CreatePost(ctx context.Context, p *feed.Post) error {
	_, err := s.client.Put(ctx, s.postKey(p.ID), toPostEntity(p))
	return errors.Wrap(err, "datastore put failure")
}

func (s *Storage) GetPost(ctx context.Context, id string) (*feed.Post, error) {
	var e postEntity
	err := s.client.Get(ctx, s.postKey(id), &e)
	if err == datastore.ErrNoSuchEntity {
		return nil, feed.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "datastore get failure")
	}
	return fromPostEntity(id, &e), nil
}

func (s *Storage) ListPosts(ctx context.Context, limit int) ([]*feed.Post, error) {
	q := datastore.NewQuery(kindPost).
		Namespace(s.namespace).
		Order("-CreatedAt").
		Limit(limit)

	posts := make([]*feed.Post, 0, limit)
	it := s.client.Run(ctx, q)
	for {
		var e postEntity
		k, err := it.Next(&e)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "datastore query failure")
		}
		posts = append(posts, fromPostEntity(k.Name, &e))
	}
	return posts, nil
}

// AddComment stores the comment under its post and bumps the comment
// count in the same transaction.
func (s *Storage) AddComment(ctx context.Context, c *feed.Comment) error {
	postKey := s.postKey(c.PostID)

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var p postEntity
		if err := tx.Get(postKey, &p); err != nil {
			return err
		}
		p.CommentCount++

		_, err := tx.PutMulti(
			[]*datastore.Key{postKey, s.commentKey(c.PostID, c.ID)},
			[]interface{}{&p, toCommentEntity(c)})
		return err
	})
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return feed.ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "datastore comment transaction failure")
	}

	return nil
}

func (s *Storage) ListComments(ctx context.Context, postID string) ([]*feed.Comment, error) {
	q := datastore.NewQuery(kindComment).
		Namespace(s.namespace).
		Ancestor(s.postKey(postID))

	var entities []*commentEntity
	keys, err := s.client.GetAll(ctx, q, &entities)
	if err != nil {
		return nil, errors.Wrap(err, "datastore query failure")
	}

	comments := make([]*feed.Comment, len(keys))
	for i, k := range keys {
		comments[i] = fromCommentEntity(postID, k.Name, entities[i])
	}
	return comments, nil
}

func (s *Storage) GetProfile(ctx context.Context, uid string) (*feed.Profile, error) {
	var e profileEntity
	err := s.client.Get(ctx, s.profileKey(uid), &e)
	if err == datastore.ErrNoSuchEntity {
		return nil, feed.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "datastore get failure")
	}
	return &feed.Profile{UID: uid, Name: e.Name, Bio: e.Bio, PhotoURL: e.PhotoURL}, nil
}

func (s *Storage) PutProfile(ctx context.Context, p *feed.Profile) error {
	e := &profileEntity{Name: p.Name, Bio: p.Bio, PhotoURL: p.PhotoURL}
	_, err := s.client.Put(ctx, s.profileKey(p.UID), e)
	return errors.Wrap(err, "datastore put failure")
}

func toPostEntity(p *feed.Post) *postEntity {
	return &postEntity{
		AuthorID:       p.AuthorID,
		AuthorName:     p.AuthorName,
		AuthorPhotoURL: p.AuthorPhotoURL,
		Content:        p.Content,
		ImageURL:       p.ImageURL,
		AuraPoints:     p.AuraPoints,
		CommentCount:   p.CommentCount,
		CreatedAt:      p.CreatedAt,
	}
}

func fromPostEntity(id string, e *postEntity) *feed.Post {
	return &feed.Post{
		ID:             id,
		AuthorID:       e.AuthorID,
		AuthorName:     e.AuthorName,
		AuthorPhotoURL: e.AuthorPhotoURL,
		Content:        e.Content,
		ImageURL:       e.ImageURL,
		AuraPoints:     e.AuraPoints,
		CommentCount:   e.CommentCount,
		CreatedAt:      e.CreatedAt,
	}
}

func toCommentEntity(c *feed.Comment) *commentEntity {
	return &commentEntity{
		AuthorID:       c.AuthorID,
		AuthorName:     c.AuthorName,
		AuthorPhotoURL: c.AuthorPhotoURL,
		Content:        c.Content,
		CreatedAt:      c.CreatedAt,
	}
}

func fromCommentEntity(postID, id string, e *commentEntity) *feed.Comment {
	return &feed.Comment{
		ID:             id,
		PostID:         postID,
		AuthorID:       e.AuthorID,
		AuthorName:     e.AuthorName,
		AuthorPhotoURL: e.AuthorPhotoURL,
		Content:        e.Content,
		CreatedAt:      e.CreatedAt,
	}
}
