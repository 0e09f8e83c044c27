package feed

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samueltorres/circuit/pkg/identity"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreatePost(ctx context.Context, p *Post) error {
	return m.Called(ctx, p).Error(0)
}

func (m *mockStore) GetPost(ctx context.Context, id string) (*Post, error) {
	args := m.Called(ctx, id)
	p, _ := args.Get(0).(*Post)
	return p, args.Error(1)
}

func (m *mockStore) ListPosts(ctx context.Context, limit int) ([]*Post, error) {
	args := m.Called(ctx, limit)
	posts, _ := args.Get(0).([]*Post)
	return posts, args.Error(1)
}

func (m *mockStore) AddComment(ctx context.Context, c *Comment) error {
	return m.Called(ctx, c).Error(0)
}

func (m *mockStore) ListComments(ctx context.Context, postID string) ([]*Comment, error) {
	args := m.Called(ctx, postID)
	comments, _ := args.Get(0).([]*Comment)
	return comments, args.Error(1)
}

func (m *mockStore) GetProfile(ctx context.Context, uid string) (*Profile, error) {
	args := m.Called(ctx, uid)
	p, _ := args.Get(0).(*Profile)
	return p, args.Error(1)
}

func (m *mockStore) PutProfile(ctx context.Context, p *Profile) error {
	return m.Called(ctx, p).Error(0)
}

type counterMap struct {
	mux    sync.Mutex
	points map[string]int64
	err    error
}

func (c *counterMap) Get(ctx context.Context, itemID string) (int64, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.err != nil {
		return 0, c.err
	}
	return c.points[itemID], nil
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(store Store, counters CounterReader) *Service {
	logger := logrus.New()
	logger.Out = ioutil.Discard

	svc := NewService(store, counters, logger)
	svc.now = func() time.Time { return now }
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return svc
}

var ada = &identity.User{ID: "u1", Name: "Ada", PhotoURL: "https://img.example.com/ada.png"}

func TestService_CreatePost(t *testing.T) {
	testCases := []struct {
		desc      string
		user      *identity.User
		input     PostInput
		profile   *Profile
		wantErr   error
		wantName  string
		wantPhoto string
	}{
		{
			desc:      "author from identity",
			user:      ada,
			input:     PostInput{Content: "hello"},
			wantName:  "Ada",
			wantPhoto: "https://img.example.com/ada.png",
		},
		{
			desc:      "author from profile",
			user:      ada,
			input:     PostInput{Content: "hello", ImageURL: "https://img.example.com/cat.png"},
			profile:   &Profile{UID: "u1", Name: "Ada L."},
			wantName:  "Ada L.",
			wantPhoto: "https://img.example.com/ada.png",
		},
		{
			desc:    "unauthenticated",
			input:   PostInput{Content: "hello"},
			wantErr: ErrUnauthenticated,
		},
		{
			desc:    "empty content",
			user:    ada,
			input:   PostInput{},
			wantErr: ErrInvalidInput,
		},
		{
			desc:    "content too long",
			user:    ada,
			input:   PostInput{Content: strings.Repeat("a", 501)},
			wantErr: ErrInvalidInput,
		},
		{
			desc:    "image is not a url",
			user:    ada,
			input:   PostInput{Content: "hello", ImageURL: "cat.png"},
			wantErr: ErrInvalidInput,
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			// arrange
			store := &mockStore{}
			if tC.profile != nil {
				store.On("GetProfile", mock.Anything, "u1").Return(tC.profile, nil)
			} else {
				store.On("GetProfile", mock.Anything, "u1").Return(nil, ErrNotFound)
			}
			store.On("CreatePost", mock.Anything, mock.Anything).Return(nil)
			svc := newTestService(store, &counterMap{})

			// act
			p, err := svc.CreatePost(context.Background(), tC.user, tC.input)

			// assert
			if tC.wantErr != nil {
				assert.True(t, errors.Is(err, tC.wantErr), "got %v", err)
				store.AssertNotCalled(t, "CreatePost", mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "id-1", p.ID)
			assert.Equal(t, "u1", p.AuthorID)
			assert.Equal(t, tC.wantName, p.AuthorName)
			assert.Equal(t, tC.wantPhoto, p.AuthorPhotoURL)
			assert.Equal(t, int64(0), p.AuraPoints)
			assert.Equal(t, now, p.CreatedAt)
			store.AssertCalled(t, "CreatePost", mock.Anything, p)
		})
	}
}

func TestService_CreatePost_ReportsFields(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(store, &counterMap{})

	_, err := svc.CreatePost(context.Background(), ada, PostInput{ImageURL: "nope"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "content (required)")
	assert.Contains(t, err.Error(), "imageUrl (url)")
}

func TestService_ListPosts(t *testing.T) {
	testCases := []struct {
		desc      string
		limit     int
		wantLimit int
	}{
		{desc: "default limit", limit: 0, wantLimit: 20},
		{desc: "explicit limit", limit: 5, wantLimit: 5},
		{desc: "clamped limit", limit: 1000, wantLimit: 100},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			// arrange
			store := &mockStore{}
			store.On("ListPosts", mock.Anything, tC.wantLimit).Return([]*Post{{ID: "p1"}, {ID: "p2"}}, nil)
			counters := &counterMap{points: map[string]int64{"p1": 7}}
			svc := newTestService(store, counters)

			// act
			posts, err := svc.ListPosts(context.Background(), tC.limit)

			// assert
			require.NoError(t, err)
			require.Len(t, posts, 2)
			assert.Equal(t, int64(7), posts[0].AuraPoints)
			assert.Equal(t, int64(0), posts[1].AuraPoints)
			store.AssertExpectations(t)
		})
	}
}

func TestService_ListPosts_CounterFailure(t *testing.T) {
	store := &mockStore{}
	store.On("ListPosts", mock.Anything, 20).Return([]*Post{{ID: "p1"}}, nil)
	svc := newTestService(store, &counterMap{err: errors.New("redis down")})

	_, err := svc.ListPosts(context.Background(), 0)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestService_AddComment(t *testing.T) {
	testCases := []struct {
		desc     string
		user     *identity.User
		input    CommentInput
		storeErr error
		wantErr  error
	}{
		{
			desc:  "comment is stored",
			user:  ada,
			input: CommentInput{Content: "nice"},
		},
		{
			desc:    "unauthenticated",
			input:   CommentInput{Content: "nice"},
			wantErr: ErrUnauthenticated,
		},
		{
			desc:    "too long",
			user:    ada,
			input:   CommentInput{Content: strings.Repeat("a", 1001)},
			wantErr: ErrInvalidInput,
		},
		{
			desc:     "post does not exist",
			user:     ada,
			input:    CommentInput{Content: "nice"},
			storeErr: ErrNotFound,
			wantErr:  ErrNotFound,
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			// arrange
			store := &mockStore{}
			store.On("GetProfile", mock.Anything, "u1").Return(nil, ErrNotFound)
			store.On("AddComment", mock.Anything, mock.Anything).Return(tC.storeErr)
			svc := newTestService(store, &counterMap{})

			// act
			c, err := svc.AddComment(context.Background(), tC.user, "p1", tC.input)

			// assert
			if tC.wantErr != nil {
				assert.True(t, errors.Is(err, tC.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "p1", c.PostID)
			assert.Equal(t, "Ada", c.AuthorName)
		})
	}
}

func TestService_ListComments_OldestFirst(t *testing.T) {
	// arrange
	store := &mockStore{}
	store.On("ListComments", mock.Anything, "p1").Return([]*Comment{
		{ID: "c3", CreatedAt: now.Add(2 * time.Minute)},
		{ID: "c1", CreatedAt: now},
		{ID: "c2", CreatedAt: now.Add(time.Minute)},
	}, nil)
	svc := newTestService(store, &counterMap{})

	// act
	comments, err := svc.ListComments(context.Background(), "p1")

	// assert
	require.NoError(t, err)
	ids := make([]string, 0, len(comments))
	for _, c := range comments {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
}

func TestService_Profile_IsCached(t *testing.T) {
	// arrange
	store := &mockStore{}
	store.On("GetProfile", mock.Anything, "u1").Return(&Profile{UID: "u1", Name: "Ada"}, nil).Once()
	svc := newTestService(store, &counterMap{})

	// act
	first, err := svc.Profile(context.Background(), "u1")
	require.NoError(t, err)
	second, err := svc.Profile(context.Background(), "u1")
	require.NoError(t, err)

	// assert
	assert.Equal(t, first, second)
	store.AssertNumberOfCalls(t, "GetProfile", 1)
}

func TestService_UpdateProfile(t *testing.T) {
	testCases := []struct {
		desc      string
		user      *identity.User
		input     ProfileInput
		wantErr   error
		wantPhoto string
	}{
		{
			desc:      "keeps the identity photo",
			user:      ada,
			input:     ProfileInput{Name: "Ada", Bio: "math"},
			wantPhoto: "https://img.example.com/ada.png",
		},
		{
			desc:      "explicit photo",
			user:      ada,
			input:     ProfileInput{Name: "Ada", PhotoURL: "https://img.example.com/new.png"},
			wantPhoto: "https://img.example.com/new.png",
		},
		{
			desc:    "name too short",
			user:    ada,
			input:   ProfileInput{Name: "A"},
			wantErr: ErrInvalidInput,
		},
		{
			desc:    "bio too long",
			user:    ada,
			input:   ProfileInput{Name: "Ada", Bio: strings.Repeat("a", 161)},
			wantErr: ErrInvalidInput,
		},
		{
			desc:    "unauthenticated",
			input:   ProfileInput{Name: "Ada"},
			wantErr: ErrUnauthenticated,
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			// arrange
			store := &mockStore{}
			store.On("PutProfile", mock.Anything, mock.Anything).Return(nil)
			svc := newTestService(store, &counterMap{})

			// act
			p, err := svc.UpdateProfile(context.Background(), tC.user, tC.input)

			// assert
			if tC.wantErr != nil {
				assert.True(t, errors.Is(err, tC.wantErr), "got %v", err)
				store.AssertNotCalled(t, "PutProfile", mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tC.wantPhoto, p.PhotoURL)

			// the cache serves the new profile without a read
			cached, err := svc.Profile(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, p, cached)
			store.AssertNotCalled(t, "GetProfile", mock.Anything, mock.Anything)
		})
	}
}
