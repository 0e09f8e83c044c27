package feed

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/samueltorres/circuit/pkg/identity"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPostLimit = 20
	maxPostLimit     = 100
)

type PostInput struct {
	Content  string `json:"content" validate:"required,min=1,max=500"`
	ImageURL string `json:"imageUrl" validate:"omitempty,url"`
}

type CommentInput struct {
	Content string `json:"content" validate:"required,min=1,max=1000"`
}

type ProfileInput struct {
	Name     string `json:"name" validate:"required,min=2"`
	Bio      string `json:"bio" validate:"max=160"`
	PhotoURL string `json:"photoURL" validate:"omitempty,url"`
}

// Service implements the feed operations on top of a document store.
type Service struct {
	store    Store
	counters CounterReader
	validate *validator.Validate
	profiles *cache.Cache
	logger   *logrus.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store Store, counters CounterReader, logger *logrus.Logger) *Service {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})

	return &Service{
		store:    store,
		counters: counters,
		validate: validate,
		profiles: cache.New(5*time.Minute, 10*time.Minute),
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

func (s *Service) CreatePost(ctx context.Context, user *identity.User, in PostInput) (*Post, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if err := s.check(in); err != nil {
		return nil, err
	}

	name, photo := s.author(ctx, user)
	p := &Post{
		ID:             s.newID(),
		AuthorID:       user.ID,
		AuthorName:     name,
		AuthorPhotoURL: photo,
		Content:        in.Content,
		ImageURL:       in.ImageURL,
		CreatedAt:      s.now().UTC(),
	}

	if err := s.store.CreatePost(ctx, p); err != nil {
		return nil, errors.Wrap(err, "failed to create post in database")
	}

	s.logger.WithFields(logrus.Fields{"post": p.ID, "author": p.AuthorID}).Info("post created")
	return p, nil
}

// ListPosts returns the newest posts with their confirmed aura points.
func (s *Service) ListPosts(ctx context.Context, limit int) ([]*Post, error) {
	if limit <= 0 {
		limit = defaultPostLimit
	}
	if limit > maxPostLimit {
		limit = maxPostLimit
	}

	posts, err := s.store.ListPosts(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list posts")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range posts {
		p := p
		g.Go(func() error {
			points, err := s.counters.Get(gctx, p.ID)
			if err != nil {
				return errors.Wrapf(err, "failed to read aura points of %s", p.ID)
			}
			p.AuraPoints = points
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return posts, nil
}

func (s *Service) AddComment(ctx context.Context, user *identity.User, postID string, in CommentInput) (*Comment, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if err := s.check(in); err != nil {
		return nil, err
	}

	name, photo := s.author(ctx, user)
	c := &Comment{
		ID:             s.newID(),
		PostID:         postID,
		AuthorID:       user.ID,
		AuthorName:     name,
		AuthorPhotoURL: photo,
		Content:        in.Content,
		CreatedAt:      s.now().UTC(),
	}

	if err := s.store.AddComment(ctx, c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("post %s: %w", postID, ErrNotFound)
		}
		return nil, errors.Wrap(err, "failed to post comment")
	}

	s.logger.WithFields(logrus.Fields{"post": postID, "comment": c.ID}).Info("comment added")
	return c, nil
}

// ListComments returns the comments of a post, oldest first.
func (s *Service) ListComments(ctx context.Context, postID string) ([]*Comment, error) {
	comments, err := s.store.ListComments(ctx, postID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list comments")
	}

	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments, nil
}

func (s *Service) Profile(ctx context.Context, uid string) (*Profile, error) {
	if p, ok := s.profiles.Get(uid); ok {
		return p.(*Profile), nil
	}

	p, err := s.store.GetProfile(ctx, uid)
	if err != nil {
		return nil, err
	}

	s.profiles.SetDefault(uid, p)
	return p, nil
}

func (s *Service) UpdateProfile(ctx context.Context, user *identity.User, in ProfileInput) (*Profile, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if err := s.check(in); err != nil {
		return nil, err
	}

	p := &Profile{
		UID:      user.ID,
		Name:     in.Name,
		Bio:      in.Bio,
		PhotoURL: in.PhotoURL,
	}
	if p.PhotoURL == "" {
		p.PhotoURL = user.PhotoURL
	}

	if err := s.store.PutProfile(ctx, p); err != nil {
		return nil, errors.Wrap(err, "failed to update profile")
	}

	s.profiles.SetDefault(p.UID, p)
	s.logger.WithField("uid", p.UID).Info("profile updated")
	return p, nil
}

// author resolves the display name and photo of user, preferring the profile.
func (s *Service) author(ctx context.Context, user *identity.User) (string, string) {
	name, photo := user.Name, user.PhotoURL

	p, err := s.Profile(ctx, user.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.WithError(err).WithField("uid", user.ID).Warn("could not load profile")
		}
		return name, photo
	}

	if p.Name != "" {
		name = p.Name
	}
	if p.PhotoURL != "" {
		photo = p.PhotoURL
	}
	return name, photo
}

func (s *Service) check(in interface{}) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(fields, ", "))
}
